package resume

import (
	"sort"
	"sync"

	"filedrop/models"
	"filedrop/storage"
)

// Backend is the durable side of the resume store.
type Backend interface {
	SaveTransferState(state models.TransferState) error
	AddTransferChunk(transferID string, chunkIndex int) error
	GetTransferState(transferID string) (*models.TransferState, error)
	ListTransferStates() ([]models.TransferState, error)
	DeleteTransferState(transferID string) error
	DeleteTransferStatesOlderThan(cutoffTimestamp int64) (int64, error)
}

var _ Backend = (*storage.Store)(nil)
var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend keeps states in process memory. Useful for tests and for
// running without a database file.
type MemoryBackend struct {
	mu     sync.Mutex
	states map[string]models.TransferState
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: make(map[string]models.TransferState)}
}

func (b *MemoryBackend) SaveTransferState(state models.TransferState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.states[state.TransferID]; ok {
		state.Chunks = existing.Chunks
	} else {
		state.Chunks = nil
	}
	b.states[state.TransferID] = state
	return nil
}

func (b *MemoryBackend) AddTransferChunk(transferID string, chunkIndex int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[transferID]
	if !ok {
		return storage.ErrNotFound
	}
	state.Chunks = insertChunk(state.Chunks, chunkIndex)
	b.states[transferID] = state
	return nil
}

func (b *MemoryBackend) GetTransferState(transferID string) (*models.TransferState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[transferID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := state.Clone()
	return &out, nil
}

func (b *MemoryBackend) ListTransferStates() ([]models.TransferState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.TransferState, 0, len(b.states))
	for _, state := range b.states {
		out = append(out, state.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (b *MemoryBackend) DeleteTransferState(transferID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.states, transferID)
	return nil
}

func (b *MemoryBackend) DeleteTransferStatesOlderThan(cutoffTimestamp int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed int64
	for id, state := range b.states {
		if state.Timestamp < cutoffTimestamp {
			delete(b.states, id)
			removed++
		}
	}
	return removed, nil
}

// insertChunk adds index to a sorted slice, keeping it sorted and unique.
func insertChunk(chunks []int, index int) []int {
	pos := sort.SearchInts(chunks, index)
	if pos < len(chunks) && chunks[pos] == index {
		return chunks
	}
	chunks = append(chunks, 0)
	copy(chunks[pos+1:], chunks[pos:])
	chunks[pos] = index
	return chunks
}

func sortNewestFirst(states []models.TransferState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Timestamp == states[j].Timestamp {
			return states[i].TransferID < states[j].TransferID
		}
		return states[i].Timestamp > states[j].Timestamp
	})
}
