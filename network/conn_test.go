package network

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeHandsEachConnectionToHandler(t *testing.T) {
	ctx := testContext(t)
	server, err := Listen("127.0.0.1:0", FrameOptions{})
	require.NoError(t, err)

	received := make(chan Message, 4)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, func(ctx context.Context, ch *FrameChannel) {
			for {
				msg, err := ch.Receive(ctx)
				if err != nil {
					received <- nil
					return
				}
				received <- msg
			}
		})
	}()

	client, err := Dial(ctx, server.Addr().String(), FrameOptions{})
	require.NoError(t, err)

	require.NoError(t, client.Send(ctx, Meta{Name: "photo.png", Size: 4, Mime: "image/png", TransferID: "t"}))
	require.NoError(t, client.Send(ctx, Chunk{Data: []byte{9, 8, 7, 6}, ChunkIndex: 0}))

	meta, ok := (<-received).(Meta)
	require.True(t, ok)
	assert.Equal(t, "photo.png", meta.Name)

	chunk, ok := (<-received).(Chunk)
	require.True(t, ok)
	assert.Equal(t, []byte{9, 8, 7, 6}, chunk.Data)

	require.NoError(t, client.Close())
	assert.Nil(t, <-received, "handler should see the close")

	require.NoError(t, server.Close())
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Serve did not return after Close")
	}
	require.NoError(t, server.Close())
}

func TestServeClosesOpenChannelsOnCancel(t *testing.T) {
	ctx := testContext(t)
	serveCtx, cancel := context.WithCancel(ctx)

	server, err := Listen("127.0.0.1:0", FrameOptions{})
	require.NoError(t, err)

	entered := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(serveCtx, func(ctx context.Context, ch *FrameChannel) {
			close(entered)
			<-ch.Done()
		})
	}()

	client, err := Dial(ctx, server.Addr().String(), FrameOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("handler never ran")
	}
	cancel()

	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Serve did not drain its handlers")
	}
}

func TestNextBackoffDoublesUpToCap(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, nextBackoff(0))
	assert.Equal(t, 10*time.Millisecond, nextBackoff(5*time.Millisecond))
	assert.Equal(t, maxAcceptBackoff, nextBackoff(800*time.Millisecond))
}

func TestFrameChannelAnswersPingAndHidesKeepAlive(t *testing.T) {
	ctx := testContext(t)
	local, remote := net.Pipe()
	fc := NewFrameChannel(local, FrameOptions{
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
		FrameReadTimeout:  250 * time.Millisecond,
	})
	t.Cleanup(func() { _ = fc.Close() })

	ping, err := Encode(Ping{Timestamp: 1})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(remote, ping))

	reply, err := ReadFrame(remote)
	require.NoError(t, err)
	msgType, err := DecodeMessageType(reply)
	require.NoError(t, err)
	assert.Equal(t, TypePong, msgType)

	end, err := Encode(End{})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(remote, end))

	msg, err := fc.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeEnd, msg.MessageType())
}

func TestFrameChannelPongTimeoutCloses(t *testing.T) {
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })

	fc := NewFrameChannel(local, FrameOptions{
		KeepAliveInterval: 20 * time.Millisecond,
		KeepAliveTimeout:  20 * time.Millisecond,
		FrameReadTimeout:  50 * time.Millisecond,
	})

	go func() {
		for {
			if _, err := ReadFrame(remote); err != nil {
				return
			}
		}
	}()

	select {
	case <-fc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected keep-alive timeout to close the channel")
	}
	assert.ErrorIs(t, fc.LastError(), ErrPongTimeout)
	assert.Equal(t, StateDisconnected, fc.State())
}

func TestFrameChannelSurvivesStallInsideFrame(t *testing.T) {
	ctx := testContext(t)
	local, remote := net.Pipe()
	fc := NewFrameChannel(local, FrameOptions{
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
		FrameReadTimeout:  30 * time.Millisecond,
	})
	t.Cleanup(func() { _ = fc.Close() })

	payload, err := Encode(Chunk{Data: []byte("slow link payload"), ChunkIndex: 7})
	require.NoError(t, err)
	var frame bytes.Buffer
	require.NoError(t, WriteFrame(&frame, payload))
	raw := frame.Bytes()

	writeErr := make(chan error, 1)
	go func() {
		if _, err := remote.Write(raw[:14]); err != nil {
			writeErr <- err
			return
		}
		time.Sleep(120 * time.Millisecond)
		_, err := remote.Write(raw[14:])
		writeErr <- err
	}()

	msg, err := fc.Receive(ctx)
	require.NoError(t, err)
	chunk, ok := msg.(Chunk)
	require.True(t, ok)
	assert.Equal(t, 7, chunk.ChunkIndex)
	assert.Equal(t, []byte("slow link payload"), chunk.Data)
	require.NoError(t, <-writeErr)
	assert.NotEqual(t, StateDisconnected, fc.State())
}
