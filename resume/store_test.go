package resume

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/models"
	"filedrop/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("transfer-%d", n)
	}
}

func newTestResumeStore(t *testing.T, backend Backend, clock Clock) *Store {
	t.Helper()
	store, err := New(Options{Backend: backend, Clock: clock, NewID: sequentialIDs()})
	require.NoError(t, err)
	return store
}

func TestCreateAndUpdateProgress(t *testing.T) {
	clock := newFakeClock()
	store := newTestResumeStore(t, NewMemoryBackend(), clock)

	state, err := store.Create("a.bin", 40960, "application/octet-stream", "peer-1", models.DirectionReceive, false)
	require.NoError(t, err)
	assert.Equal(t, "transfer-1", state.TransferID)
	assert.Equal(t, int64(0), state.BytesTransferred)
	assert.False(t, store.CanResume(state.TransferID), "zero bytes is not resumable")

	clock.Advance(time.Second)
	require.NoError(t, store.UpdateProgress(state.TransferID, 16384, 0))
	require.NoError(t, store.UpdateProgress(state.TransferID, 32768, 2))
	require.NoError(t, store.UpdateProgress(state.TransferID, 32768, 1))
	require.NoError(t, store.UpdateProgress(state.TransferID, 32768, 1))

	got, ok := store.Get(state.TransferID)
	require.True(t, ok)
	assert.Equal(t, int64(32768), got.BytesTransferred)
	assert.Equal(t, []int{0, 1, 2}, got.Chunks)
	assert.Equal(t, clock.Now().UnixMilli(), got.Timestamp)
	assert.True(t, store.CanResume(state.TransferID))

	require.NoError(t, store.UpdateProgress(state.TransferID, 100, NoChunk))
	got, _ = store.Get(state.TransferID)
	assert.Equal(t, int64(32768), got.BytesTransferred, "progress never decreases")

	require.NoError(t, store.UpdateProgress(state.TransferID, 1<<20, NoChunk))
	got, _ = store.Get(state.TransferID)
	assert.Equal(t, int64(40960), got.BytesTransferred, "progress is clamped to file size")
	assert.False(t, store.CanResume(state.TransferID), "full size is not resumable")
}

func TestUpdateProgressUnknownTransfer(t *testing.T) {
	store := newTestResumeStore(t, NewMemoryBackend(), newFakeClock())
	err := store.UpdateProgress("missing", 10, NoChunk)
	require.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestFindMatching(t *testing.T) {
	clock := newFakeClock()
	store := newTestResumeStore(t, NewMemoryBackend(), clock)

	older, err := store.Create("movie.mp4", 1000, "video/mp4", "peer-1", models.DirectionSend, false)
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress(older.TransferID, 100, NoChunk))

	clock.Advance(time.Minute)
	newer, err := store.Create("movie.mp4", 1000, "video/mp4", "peer-1", models.DirectionSend, false)
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress(newer.TransferID, 200, NoChunk))

	match, ok := store.FindMatching("movie.mp4", 1000, "peer-1", models.DirectionSend)
	require.True(t, ok)
	assert.Equal(t, newer.TransferID, match.TransferID)

	_, ok = store.FindMatching("movie.mp4", 1000, "peer-2", models.DirectionSend)
	assert.False(t, ok, "different peer")
	_, ok = store.FindMatching("movie.mp4", 1000, "peer-1", models.DirectionReceive)
	assert.False(t, ok, "different direction")
	_, ok = store.FindMatching("movie.mp4", 999, "peer-1", models.DirectionSend)
	assert.False(t, ok, "different size")
}

func TestExpiredStatesAreEvicted(t *testing.T) {
	clock := newFakeClock()
	backend := NewMemoryBackend()
	store := newTestResumeStore(t, backend, clock)

	state, err := store.Create("a.txt", 10, "text/plain", "peer-1", models.DirectionSend, false)
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress(state.TransferID, 5, NoChunk))
	require.True(t, store.CanResume(state.TransferID))

	clock.Advance(DefaultRetention + time.Second)
	assert.False(t, store.CanResume(state.TransferID))
	_, ok := store.Get(state.TransferID)
	assert.False(t, ok, "CanResume evicts expired state")

	_, err = backend.GetTransferState(state.TransferID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEvictExpiredOnLoad(t *testing.T) {
	clock := newFakeClock()
	backend := NewMemoryBackend()
	first := newTestResumeStore(t, backend, clock)

	stale, err := first.Create("old.txt", 10, "text/plain", "peer-1", models.DirectionSend, false)
	require.NoError(t, err)
	clock.Advance(23 * time.Hour)
	fresh, err := first.Create("new.txt", 10, "text/plain", "peer-1", models.DirectionSend, false)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	second, err := New(Options{Backend: backend, Clock: clock, NewID: func() string { return "x" }})
	require.NoError(t, err)

	_, ok := second.Get(stale.TransferID)
	assert.False(t, ok)
	_, ok = second.Get(fresh.TransferID)
	assert.True(t, ok)
	assert.Len(t, second.List(), 1)
}

func TestRemove(t *testing.T) {
	store := newTestResumeStore(t, NewMemoryBackend(), newFakeClock())
	state, err := store.Create("a.txt", 10, "text/plain", "peer-1", models.DirectionSend, false)
	require.NoError(t, err)

	require.NoError(t, store.Remove(state.TransferID))
	require.NoError(t, store.Remove(state.TransferID))
	_, ok := store.Get(state.TransferID)
	assert.False(t, ok)
}

func TestSQLiteBackendSurvivesReopen(t *testing.T) {
	clock := newFakeClock()
	dbPath := filepath.Join(t.TempDir(), "resume.db")

	db, err := storage.OpenPath(dbPath)
	require.NoError(t, err)
	store := newTestResumeStore(t, db, clock)

	state, err := store.Create("photo.jpg", 50000, "image/jpeg", "peer-9", models.DirectionReceive, false)
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress(state.TransferID, 16384, 0))
	require.NoError(t, store.UpdateProgress(state.TransferID, 32768, 1))
	require.NoError(t, db.Close())

	reopened, err := storage.OpenPath(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	restored := newTestResumeStore(t, reopened, clock)
	got, ok := restored.FindMatching("photo.jpg", 50000, "peer-9", models.DirectionReceive)
	require.True(t, ok)
	assert.Equal(t, state.TransferID, got.TransferID)
	assert.Equal(t, int64(32768), got.BytesTransferred)
	assert.Equal(t, []int{0, 1}, got.Chunks)
}

func TestUpdateProgressDoesNotCopyChunkSet(t *testing.T) {
	store := newTestResumeStore(t, NewMemoryBackend(), newFakeClock())
	state, err := store.Create("movie.mkv", 1<<40, "video/x-matroska", "peer-1", models.DirectionReceive, false)
	require.NoError(t, err)

	next := 0
	record := func() {
		require.NoError(t, store.UpdateProgress(state.TransferID, int64(next+1)*16384, next))
		next++
	}
	for i := 0; i < 4096; i++ {
		record()
	}

	snapshot, ok := store.Get(state.TransferID)
	require.True(t, ok)

	allocs := testing.AllocsPerRun(200, record)
	assert.Zero(t, allocs, "ordered chunk updates should append in place")

	assert.Len(t, snapshot.Chunks, 4096, "earlier snapshots are unaffected")
	latest, ok := store.Get(state.TransferID)
	require.True(t, ok)
	assert.Len(t, latest.Chunks, next)
	assert.Equal(t, int64(next)*16384, latest.BytesTransferred)
}
