package network

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestEncodeFillsTypeTag(t *testing.T) {
	payload, err := Encode(Meta{Name: "a.txt", Size: 3, Mime: "text/plain", TransferID: "t-1"})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"type":"meta"`)
	assert.Contains(t, string(payload), `"transferId":"t-1"`)
	assert.Contains(t, string(payload), `"resumeOffset":0`)
	assert.Contains(t, string(payload), `"isEncrypted":false`)

	msgType, err := DecodeMessageType(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeMeta, msgType)
}

func TestChunkDataIsBase64OnTheWire(t *testing.T) {
	payload, err := Encode(Chunk{Data: []byte("hello"), ChunkIndex: 2})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"data":"aGVsbG8="`)
	assert.Contains(t, string(payload), `"chunkIndex":2`)

	msg, err := Decode(payload)
	require.NoError(t, err)
	chunk, ok := msg.(Chunk)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), chunk.Data)
	assert.Equal(t, 2, chunk.ChunkIndex)
}

func TestDecodeEveryMessageType(t *testing.T) {
	messages := []Message{
		Meta{Username: "alice", Name: "a.bin", Size: 10, Mime: "application/octet-stream", IsEncrypted: true, TransferID: "x", ResumeOffset: 4},
		EncryptionMeta{Salt: "c2FsdA==", IV: "aXY=", OriginalMime: "text/plain", OriginalName: "a.txt"},
		Chunk{Data: []byte{1, 2, 3}, ChunkIndex: 0},
		End{},
		Chat{Text: "hi", IsEncrypted: false},
		Clipboard{Content: "copied"},
		Ping{Timestamp: 5},
		Pong{Timestamp: 6},
	}
	for _, msg := range messages {
		payload, err := Encode(msg)
		require.NoError(t, err, msg.MessageType())
		decoded, err := Decode(payload)
		require.NoError(t, err, msg.MessageType())
		assert.Equal(t, msg.MessageType(), decoded.MessageType())
	}
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]struct {
		payload string
		want    error
	}{
		"not json":           {`{{`, ErrInvalidMessage},
		"missing type":       {`{"name":"a"}`, ErrInvalidMessageType},
		"unknown type":       {`{"type":"handshake"}`, ErrInvalidMessageType},
		"meta without name":  {`{"type":"meta","size":1}`, ErrInvalidMessage},
		"negative size":      {`{"type":"meta","name":"a","size":-1}`, ErrInvalidMessage},
		"offset beyond size": {`{"type":"meta","name":"a","size":1,"resumeOffset":2}`, ErrInvalidMessage},
		"negative chunk":     {`{"type":"chunk","data":"","chunkIndex":-1}`, ErrInvalidMessage},
		"bad chunk data":     {`{"type":"chunk","data":"!!","chunkIndex":0}`, ErrInvalidMessage},
		"encryption no salt": {`{"type":"encryption-meta","iv":"x"}`, ErrInvalidMessage},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}
