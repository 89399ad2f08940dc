package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"filedrop/models"
	"filedrop/network"
	"filedrop/resume"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func patterned(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/256)
	}
	return data
}

func writeTestFile(t *testing.T, name string, data []byte) models.FileRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	ref, err := models.StatFile(path)
	require.NoError(t, err)
	return ref
}

func newResumeStore(t *testing.T) *resume.Store {
	t.Helper()
	store, err := resume.New(resume.Options{Backend: resume.NewMemoryBackend()})
	require.NoError(t, err)
	return store
}

// drainPipe reads everything currently buffered on ch without blocking for
// more than a short grace period.
func drainPipe(t *testing.T, ch network.Channel) []network.Message {
	t.Helper()
	var out []network.Message
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		msg, err := ch.Receive(ctx)
		cancel()
		if err != nil {
			return out
		}
		out = append(out, msg)
	}
}

func messageTypes(msgs []network.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.MessageType())
	}
	return out
}

// flakyChannel forwards the first limit sends, then reports the next drop
// sends as written while discarding them, the way a socket buffer is lost
// when a connection breaks. Every send after that fails.
type flakyChannel struct {
	network.Channel

	mu    sync.Mutex
	limit int
	drop  int
	sent  int
}

func (f *flakyChannel) Send(ctx context.Context, msg network.Message) error {
	f.mu.Lock()
	n := f.sent
	f.sent++
	f.mu.Unlock()

	switch {
	case n < f.limit:
		return f.Channel.Send(ctx, msg)
	case n < f.limit+f.drop:
		return nil
	default:
		return network.ErrChannelClosed
	}
}

type recorder struct {
	mu        sync.Mutex
	progress  []Progress
	completed []ReceivedFile
	pending   []PendingDecrypt
	metas     []network.Meta
}

func (r *recorder) options(store *resume.Store) ReceiverOptions {
	return ReceiverOptions{
		Resume: store,
		PeerID: "sender-peer",
		OnMetaReceived: func(m network.Meta) {
			r.mu.Lock()
			r.metas = append(r.metas, m)
			r.mu.Unlock()
		},
		OnChunkReceived: func(p Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, p)
			r.mu.Unlock()
		},
		OnTransferComplete: func(f ReceivedFile) {
			r.mu.Lock()
			r.completed = append(r.completed, f)
			r.mu.Unlock()
		},
		OnDecryptNeeded: func(p PendingDecrypt) {
			r.mu.Lock()
			r.pending = append(r.pending, p)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) completedFiles() []ReceivedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReceivedFile(nil), r.completed...)
}

func (r *recorder) metaList() []network.Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]network.Meta(nil), r.metas...)
}

func (r *recorder) lastProgress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.progress) == 0 {
		return Progress{}
	}
	return r.progress[len(r.progress)-1]
}
