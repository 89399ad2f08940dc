// Package resume tracks partially completed transfers so an interrupted
// file can continue from the last acknowledged byte offset.
package resume

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"filedrop/models"
)

const (
	// DefaultRetention is how long a partial transfer stays resumable.
	DefaultRetention = 24 * time.Hour
	// NoChunk marks a progress update that carries no chunk index.
	NoChunk = -1
)

var (
	// ErrUnknownTransfer is returned for ids that are not tracked.
	ErrUnknownTransfer = errors.New("resume: unknown transfer")
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures a Store.
type Options struct {
	Backend   Backend
	Clock     Clock
	Retention time.Duration
	Logger    *logrus.Entry
	NewID     func() string
}

func (o Options) withDefaults() Options {
	if o.Backend == nil {
		o.Backend = NewMemoryBackend()
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Store is a write-through cache over a Backend. All methods are safe for
// concurrent use.
type Store struct {
	mu sync.Mutex

	backend   Backend
	clock     Clock
	retention time.Duration
	logger    *logrus.Entry
	newID     func() string

	states map[string]*models.TransferState
}

// New evicts expired states from the backend and loads the remainder.
func New(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	s := &Store{
		backend:   opts.Backend,
		clock:     opts.Clock,
		retention: opts.Retention,
		logger:    opts.Logger.WithField("component", "resume"),
		newID:     opts.NewID,
		states:    make(map[string]*models.TransferState),
	}

	if _, err := s.EvictExpired(); err != nil {
		return nil, err
	}

	states, err := s.backend.ListTransferStates()
	if err != nil {
		return nil, fmt.Errorf("load transfer states: %w", err)
	}
	for i := range states {
		state := states[i].Clone()
		s.states[state.TransferID] = &state
	}
	s.logger.WithField("count", len(states)).Debug("loaded resumable transfers")

	return s, nil
}

// Create registers a fresh transfer at zero bytes.
func (s *Store) Create(fileName string, fileSize int64, mimeType, peerID string, direction models.Direction, encrypted bool) (*models.TransferState, error) {
	state := models.TransferState{
		TransferID: s.newID(),
		FileName:   fileName,
		FileSize:   fileSize,
		MimeType:   mimeType,
		PeerID:     peerID,
		Direction:  direction,
		Timestamp:  s.clock.Now().UnixMilli(),
		Encrypted:  encrypted,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.SaveTransferState(state); err != nil {
		return nil, fmt.Errorf("create transfer state: %w", err)
	}
	s.states[state.TransferID] = &state

	s.logger.WithFields(logrus.Fields{
		"transfer_id": state.TransferID,
		"file_name":   fileName,
		"peer_id":     peerID,
		"direction":   direction,
	}).Debug("transfer state created")

	out := state.Clone()
	return &out, nil
}

// UpdateProgress moves the byte count forward and records chunkIndex unless
// it is NoChunk. Byte counts never decrease and are clamped to the file size.
func (s *Store) UpdateProgress(transferID string, bytesTransferred int64, chunkIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.states[transferID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}

	// The cached state is updated in place; readers only ever see clones.
	next := *current
	if bytesTransferred > next.FileSize {
		bytesTransferred = next.FileSize
	}
	if bytesTransferred > next.BytesTransferred {
		next.BytesTransferred = bytesTransferred
	}
	next.Timestamp = s.clock.Now().UnixMilli()

	if err := s.backend.SaveTransferState(next); err != nil {
		return fmt.Errorf("update transfer state %q: %w", transferID, err)
	}
	current.BytesTransferred = next.BytesTransferred
	current.Timestamp = next.Timestamp

	if chunkIndex >= 0 {
		if err := s.backend.AddTransferChunk(transferID, chunkIndex); err != nil {
			return fmt.Errorf("record chunk %d for %q: %w", chunkIndex, transferID, err)
		}
		current.Chunks = insertChunk(current.Chunks, chunkIndex)
	}
	return nil
}

// FindMatching returns the most recent resumable state for the same file on
// the same link.
func (s *Store) FindMatching(fileName string, fileSize int64, peerID string, direction models.Direction) (*models.TransferState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.TransferState
	for _, state := range s.states {
		if !state.Matches(fileName, fileSize, peerID, direction) {
			continue
		}
		if !s.canResumeLocked(state) {
			continue
		}
		if best == nil || state.Timestamp > best.Timestamp {
			best = state
		}
	}
	if best == nil {
		return nil, false
	}
	out := best.Clone()
	return &out, true
}

// CanResume reports whether the transfer exists, is fresh and is partially
// complete. Expired states are evicted as a side effect.
func (s *Store) CanResume(transferID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[transferID]
	if !ok {
		return false
	}
	return s.canResumeLocked(state)
}

func (s *Store) canResumeLocked(state *models.TransferState) bool {
	if s.expiredLocked(state) {
		s.removeLocked(state.TransferID)
		return false
	}
	return state.BytesTransferred > 0 && state.BytesTransferred < state.FileSize
}

func (s *Store) expiredLocked(state *models.TransferState) bool {
	age := s.clock.Now().UnixMilli() - state.Timestamp
	return age > s.retention.Milliseconds()
}

func (s *Store) removeLocked(transferID string) {
	delete(s.states, transferID)
	if err := s.backend.DeleteTransferState(transferID); err != nil {
		s.logger.WithError(err).WithField("transfer_id", transferID).Warn("delete transfer state failed")
	}
}

// Get returns a copy of the tracked state.
func (s *Store) Get(transferID string) (*models.TransferState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[transferID]
	if !ok {
		return nil, false
	}
	out := state.Clone()
	return &out, true
}

// List returns copies of every tracked state, newest first.
func (s *Store) List() []models.TransferState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.TransferState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state.Clone())
	}
	sortNewestFirst(out)
	return out
}

// Remove forgets a transfer. Unknown ids are ignored.
func (s *Store) Remove(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.DeleteTransferState(transferID); err != nil {
		return fmt.Errorf("remove transfer state %q: %w", transferID, err)
	}
	delete(s.states, transferID)
	return nil
}

// EvictExpired drops every state older than the retention window and
// returns how many were removed from the backend.
func (s *Store) EvictExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.retention).UnixMilli()
	removed, err := s.backend.DeleteTransferStatesOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict expired transfer states: %w", err)
	}
	for id, state := range s.states {
		if state.Timestamp < cutoff {
			delete(s.states, id)
		}
	}
	if removed > 0 {
		s.logger.WithField("count", removed).Info("evicted expired transfer states")
	}
	return int(removed), nil
}
