package transfer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/crypto"
	"filedrop/models"
	"filedrop/network"
	"filedrop/queue"
)

func TestSendFortyKiBInThreeChunks(t *testing.T) {
	ctx := testContext(t)
	data := patterned(40 * 1024)
	file := writeTestFile(t, "forty.bin", data)
	store := newResumeStore(t)
	local, remote := network.Pipe(16)

	sender := NewSender(SenderOptions{Channel: local, Resume: store, PeerID: "receiver-peer", Username: "alice"})
	var progress []Progress
	result, err := sender.Send(ctx, SendRequest{File: file, OnProgress: func(p Progress) { progress = append(progress, p) }})
	require.NoError(t, err)
	assert.Equal(t, SenderEnded, sender.State())
	assert.Equal(t, int64(40960), result.BytesSent)
	assert.Equal(t, int64(0), result.ResumedFrom)

	msgs := drainPipe(t, remote)
	require.Equal(t, []string{network.TypeMeta, network.TypeChunk, network.TypeChunk, network.TypeChunk, network.TypeEnd}, messageTypes(msgs))

	meta := msgs[0].(network.Meta)
	assert.Equal(t, "forty.bin", meta.Name)
	assert.Equal(t, int64(40960), meta.Size)
	assert.Equal(t, "alice", meta.Username)
	assert.Equal(t, result.TransferID, meta.TransferID)
	assert.False(t, meta.IsEncrypted)

	var sizes []int
	for i, msg := range msgs[1:4] {
		chunk := msg.(network.Chunk)
		assert.Equal(t, i, chunk.ChunkIndex)
		sizes = append(sizes, len(chunk.Data))
	}
	assert.Equal(t, []int{16384, 16384, 7168}, sizes)

	require.Len(t, progress, 3)
	assert.InDelta(t, 100.0, progress[2].Percent, 0.001)
	assert.Empty(t, store.List(), "resume state removed after end")

	var rec recorder
	receiver := NewReceiver(rec.options(newResumeStore(t)))
	for _, msg := range msgs {
		require.NoError(t, receiver.Handle(msg))
	}
	files := rec.completedFiles()
	require.Len(t, files, 1)
	assert.Equal(t, data, files[0].Data)
	assert.Equal(t, int64(40960), files[0].Size)
	assert.InDelta(t, 100.0, rec.lastProgress().Percent, 0.001)
	assert.Equal(t, ReceiverDone, receiver.State())
}

func TestSendZeroByteFile(t *testing.T) {
	ctx := testContext(t)
	file := writeTestFile(t, "empty.txt", nil)
	local, remote := network.Pipe(4)

	sender := NewSender(SenderOptions{Channel: local, Resume: newResumeStore(t)})
	_, err := sender.Send(ctx, SendRequest{File: file})
	require.NoError(t, err)

	msgs := drainPipe(t, remote)
	require.Equal(t, []string{network.TypeMeta, network.TypeEnd}, messageTypes(msgs))

	var rec recorder
	receiver := NewReceiver(rec.options(nil))
	for _, msg := range msgs {
		require.NoError(t, receiver.Handle(msg))
	}
	files := rec.completedFiles()
	require.Len(t, files, 1)
	assert.Empty(t, files[0].Data)
	assert.InDelta(t, 100.0, rec.lastProgress().Percent, 0.001)
}

func TestSendCancelStopsAndRemovesState(t *testing.T) {
	ctx := testContext(t)
	file := writeTestFile(t, "big.bin", patterned(10*1024))
	store := newResumeStore(t)
	local, remote := network.Pipe(32)
	token := queue.NewToken()

	sender := NewSender(SenderOptions{Channel: local, Resume: store, ChunkSize: 1024})
	_, err := sender.Send(ctx, SendRequest{
		File:  file,
		Token: token,
		OnProgress: func(p Progress) {
			if p.ChunkIndex == 1 {
				token.Cancel()
			}
		},
	})
	require.ErrorIs(t, err, queue.ErrCancelled)

	msgs := drainPipe(t, remote)
	assert.Equal(t, []string{network.TypeMeta, network.TypeChunk, network.TypeChunk}, messageTypes(msgs))
	assert.Empty(t, store.List())
}

func TestSendPauseBlocksUntilResume(t *testing.T) {
	ctx := testContext(t)
	data := patterned(4 * 1024)
	file := writeTestFile(t, "pause.bin", data)
	local, remote := network.Pipe(32)
	token := queue.NewToken()

	sender := NewSender(SenderOptions{Channel: local, ChunkSize: 1024})
	done := make(chan error, 1)
	go func() {
		_, err := sender.Send(ctx, SendRequest{
			File:  file,
			Token: token,
			OnProgress: func(p Progress) {
				if p.ChunkIndex == 0 {
					token.Pause()
				}
			},
		})
		done <- err
	}()

	require.Eventually(t, func() bool { return token.Paused() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	paused := drainPipe(t, remote)
	assert.Equal(t, []string{network.TypeMeta, network.TypeChunk}, messageTypes(paused))
	assert.Equal(t, SenderStreaming, sender.State())

	token.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("send did not finish after resume")
	}
	rest := drainPipe(t, remote)
	assert.Equal(t, []string{network.TypeChunk, network.TypeChunk, network.TypeChunk, network.TypeEnd}, messageTypes(rest))
}

func TestSendResumesAfterChannelLoss(t *testing.T) {
	ctx := testContext(t)
	data := patterned(5000)
	file := writeTestFile(t, "resume.bin", data)
	store := newResumeStore(t)

	var rec recorder
	receiver := NewReceiver(rec.options(newResumeStore(t)))

	firstLocal, firstRemote := network.Pipe(16)
	flaky := &flakyChannel{Channel: firstLocal, limit: 3}
	sender := NewSender(SenderOptions{Channel: flaky, Resume: store, ChunkSize: 1024, PeerID: "receiver-peer"})
	first, err := sender.Send(ctx, SendRequest{File: file})
	require.ErrorIs(t, err, ErrChannel)
	assert.True(t, errors.Is(err, network.ErrChannelClosed))

	state, ok := store.Get(first.TransferID)
	require.True(t, ok, "channel loss keeps resume state")
	assert.Equal(t, int64(2048), state.BytesTransferred)

	firstMsgs := drainPipe(t, firstRemote)
	require.Equal(t, []string{network.TypeMeta, network.TypeChunk, network.TypeChunk}, messageTypes(firstMsgs))
	for _, msg := range firstMsgs {
		require.NoError(t, receiver.Handle(msg))
	}
	assert.True(t, receiver.InProgress())

	secondLocal, secondRemote := network.Pipe(16)
	sender = NewSender(SenderOptions{Channel: secondLocal, Resume: store, ChunkSize: 1024, ResumeRewind: -1, PeerID: "receiver-peer"})
	second, err := sender.Send(ctx, SendRequest{File: file})
	require.NoError(t, err)
	assert.Equal(t, first.TransferID, second.TransferID)
	assert.Equal(t, int64(2048), second.ResumedFrom)
	assert.Equal(t, int64(5000-2048), second.BytesSent)

	secondMsgs := drainPipe(t, secondRemote)
	require.Equal(t, []string{network.TypeMeta, network.TypeChunk, network.TypeChunk, network.TypeChunk, network.TypeEnd}, messageTypes(secondMsgs))
	meta := secondMsgs[0].(network.Meta)
	assert.Equal(t, int64(2048), meta.ResumeOffset)
	assert.Equal(t, 2, secondMsgs[1].(network.Chunk).ChunkIndex)

	for _, msg := range secondMsgs {
		require.NoError(t, receiver.Handle(msg))
	}
	files := rec.completedFiles()
	require.Len(t, files, 1)
	assert.Equal(t, data, files[0].Data)
	assert.Empty(t, store.List())
}

func TestSendResumeOffsetAlignsToChunkBoundary(t *testing.T) {
	ctx := testContext(t)
	file := writeTestFile(t, "align.bin", patterned(4096))
	store := newResumeStore(t)

	state, err := store.Create(file.Name, file.Size, file.MimeType, "peer", models.DirectionSend, false)
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress(state.TransferID, 1500, -1))

	local, remote := network.Pipe(16)
	sender := NewSender(SenderOptions{Channel: local, Resume: store, ChunkSize: 1024, ResumeRewind: -1, PeerID: "peer"})
	result, err := sender.Send(ctx, SendRequest{File: file})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), result.ResumedFrom)

	msgs := drainPipe(t, remote)
	assert.Equal(t, int64(1024), msgs[0].(network.Meta).ResumeOffset)
	assert.Equal(t, 1, msgs[1].(network.Chunk).ChunkIndex)
}

func TestSendResumeRewindsBeforeRecordedOffset(t *testing.T) {
	cases := []struct {
		name     string
		recorded int64
		rewind   int64
		want     int64
	}{
		{"one chunk back", 3000, 1024, 1024},
		{"window larger than progress", 3000, 8192, 0},
		{"default window covers small files", 3000, 0, 0},
		{"exact", 3000, -1, 2048},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			file := writeTestFile(t, "rewind.bin", patterned(4096))
			store := newResumeStore(t)
			state, err := store.Create(file.Name, file.Size, file.MimeType, "peer", models.DirectionSend, false)
			require.NoError(t, err)
			require.NoError(t, store.UpdateProgress(state.TransferID, tc.recorded, -1))

			local, remote := network.Pipe(16)
			sender := NewSender(SenderOptions{Channel: local, Resume: store, ChunkSize: 1024, ResumeRewind: tc.rewind, PeerID: "peer"})
			result, err := sender.Send(ctx, SendRequest{File: file})
			require.NoError(t, err)
			assert.Equal(t, state.TransferID, result.TransferID)
			assert.Equal(t, tc.want, result.ResumedFrom)
			assert.Equal(t, 4096-tc.want, result.BytesSent)

			msgs := drainPipe(t, remote)
			assert.Equal(t, tc.want, msgs[0].(network.Meta).ResumeOffset)
		})
	}
}

type failingSource struct {
	failAt int64
}

func (f failingSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.failAt {
		return 0, errors.New("disk unplugged")
	}
	for i := range p {
		p[i] = 1
	}
	return len(p), nil
}

func (failingSource) Close() error { return nil }

func TestSendReadErrorRemovesState(t *testing.T) {
	ctx := testContext(t)
	store := newResumeStore(t)
	local, remote := network.Pipe(16)

	sender := NewSender(SenderOptions{
		Channel:   local,
		Resume:    store,
		ChunkSize: 1024,
		Open: func(string) (SourceFile, error) {
			return failingSource{failAt: 1024}, nil
		},
	})
	_, err := sender.Send(ctx, SendRequest{File: models.FileRef{Path: "/virtual", Name: "v.bin", Size: 4096}})
	require.ErrorIs(t, err, ErrRead)
	assert.Empty(t, store.List())

	msgs := drainPipe(t, remote)
	assert.Equal(t, []string{network.TypeMeta, network.TypeChunk}, messageTypes(msgs))
}

func TestSendOpenErrorIsReadError(t *testing.T) {
	local, _ := network.Pipe(1)
	sender := NewSender(SenderOptions{
		Channel: local,
		Open: func(string) (SourceFile, error) {
			return nil, io.ErrUnexpectedEOF
		},
	})
	_, err := sender.Send(context.Background(), SendRequest{File: models.FileRef{Path: "/missing", Name: "m"}})
	require.ErrorIs(t, err, ErrRead)
}

func TestSendEncryptedRoundTripWithRetry(t *testing.T) {
	ctx := testContext(t)
	data := patterned(20000)
	file := writeTestFile(t, "secret.txt", data)
	local, remote := network.Pipe(16)

	sender := NewSender(SenderOptions{Channel: local, Resume: newResumeStore(t)})
	_, err := sender.Send(ctx, SendRequest{File: file, Encrypted: true, Passphrase: "Correct-Horse-9"})
	require.NoError(t, err)

	msgs := drainPipe(t, remote)
	require.Equal(t, []string{network.TypeEncryptionMeta, network.TypeMeta, network.TypeChunk, network.TypeChunk, network.TypeEnd}, messageTypes(msgs))
	encMeta := msgs[0].(network.EncryptionMeta)
	assert.Equal(t, "secret.txt", encMeta.OriginalName)
	assert.Equal(t, file.MimeType, encMeta.OriginalMime)
	meta := msgs[1].(network.Meta)
	assert.True(t, meta.IsEncrypted)
	assert.Equal(t, models.DefaultMimeType, meta.Mime)
	assert.Equal(t, int64(len(data)+16), meta.Size)

	var rec recorder
	receiver := NewReceiver(rec.options(nil))
	for _, msg := range msgs {
		require.NoError(t, receiver.Handle(msg))
	}
	assert.Empty(t, rec.completedFiles())
	require.Len(t, rec.pending, 1)
	assert.Equal(t, "secret.txt", rec.pending[0].Name)

	_, err = receiver.Decrypt("wrong passphrase")
	require.ErrorIs(t, err, crypto.ErrDecryption)
	_, stillHeld := receiver.Pending()
	assert.True(t, stillHeld, "ciphertext kept for retry")

	got, err := receiver.Decrypt("Correct-Horse-9")
	require.NoError(t, err)
	assert.Equal(t, data, got.Data)
	assert.Equal(t, "secret.txt", got.Name)
	assert.True(t, got.Encrypted)
	require.Len(t, rec.completedFiles(), 1)

	_, err = receiver.Decrypt("Correct-Horse-9")
	assert.ErrorIs(t, err, ErrNothingToDecrypt)
}

func TestSendEncryptedWithoutPassphraseFails(t *testing.T) {
	ctx := testContext(t)
	file := writeTestFile(t, "a.txt", []byte("hello"))
	local, remote := network.Pipe(4)

	sender := NewSender(SenderOptions{Channel: local})
	_, err := sender.Send(ctx, SendRequest{File: file, Encrypted: true})
	require.ErrorIs(t, err, crypto.ErrEncryption)
	assert.Empty(t, drainPipe(t, remote), "nothing goes on the wire")
}
