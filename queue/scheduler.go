// Package queue orders outgoing files and enforces the concurrency limit.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"filedrop/models"
)

const (
	// DefaultMaxConcurrent keeps transfers strictly sequential.
	DefaultMaxConcurrent = 1
	// DefaultSpeedSmoothing weights the newest speed sample.
	DefaultSpeedSmoothing = 0.3
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures a Scheduler.
type Options struct {
	MaxConcurrent int
	Clock         Clock
	Logger        *logrus.Entry
	NewID         func() string
	// SpeedSmoothing is the exponential moving average weight in (0,1].
	// 1 reports raw samples.
	SpeedSmoothing float64
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.SpeedSmoothing <= 0 || o.SpeedSmoothing > 1 {
		o.SpeedSmoothing = DefaultSpeedSmoothing
	}
	return o
}

type entry struct {
	file  QueuedFile
	token *Token
}

type subscriber struct {
	id int
	ch chan Event
}

// Scheduler holds the ordered file queue. Paused entries keep their slot in
// the active set because their worker is still parked on the token.
type Scheduler struct {
	mu sync.Mutex

	maxConcurrent int
	clock         Clock
	logger        *logrus.Entry
	newID         func() string
	smoothing     float64

	entries []*entry
	byID    map[string]*entry
	active  map[string]struct{}

	subscribers []subscriber
	nextSubID   int

	cancelHooks []func(file QueuedFile, was Status)
}

// New creates an empty scheduler.
func New(opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		maxConcurrent: opts.MaxConcurrent,
		clock:         opts.Clock,
		logger:        opts.Logger.WithField("component", "queue"),
		newID:         opts.NewID,
		smoothing:     opts.SpeedSmoothing,
		byID:          make(map[string]*entry),
		active:        make(map[string]struct{}),
	}
}

// MaxConcurrent returns the active-set limit.
func (s *Scheduler) MaxConcurrent() int {
	return s.maxConcurrent
}

// Enqueue appends a pending entry and returns its id.
func (s *Scheduler) Enqueue(file models.FileRef, encrypted bool, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{
		file: QueuedFile{
			ID:        s.newID(),
			File:      file,
			Status:    StatusPending,
			Encrypted: encrypted,
			Password:  password,
		},
		token: NewToken(),
	}
	s.entries = append(s.entries, e)
	s.byID[e.file.ID] = e

	s.logger.WithFields(logrus.Fields{
		"queue_id":  e.file.ID,
		"file_name": file.Name,
		"encrypted": encrypted,
	}).Debug("file queued")
	s.emitLocked(EventFileAdded, e.file)
	return e.file.ID
}

// Next returns the oldest pending entry when the active set has room.
// It does not change any state; call Start to claim the entry.
func (s *Scheduler) Next() (QueuedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) >= s.maxConcurrent {
		return QueuedFile{}, false
	}
	for _, e := range s.entries {
		if e.file.Status == StatusPending {
			return e.file, true
		}
	}
	return QueuedFile{}, false
}

// Start moves a pending entry into the active set.
func (s *Scheduler) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.file.Status != StatusPending {
		return transitionError(e.file.Status, StatusTransferring)
	}
	if len(s.active) >= s.maxConcurrent {
		return fmt.Errorf("%w: concurrency limit %d reached", ErrInvalidTransition, s.maxConcurrent)
	}

	e.file.Status = StatusTransferring
	e.file.StartTime = s.clock.Now()
	e.file.EndTime = time.Time{}
	e.file.Error = ""
	e.file.Speed = 0
	s.active[id] = struct{}{}

	s.logger.WithFields(logrus.Fields{"queue_id": id, "file_name": e.file.File.Name}).Info("transfer started")
	s.emitLocked(EventFileStarted, e.file)
	return nil
}

// Progress records bytes moved so far and the latest speed sample.
func (s *Scheduler) Progress(id string, bytesTransferred, total int64, speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.file.Status != StatusTransferring && e.file.Status != StatusPaused {
		return transitionError(e.file.Status, e.file.Status)
	}

	e.file.BytesTransferred = bytesTransferred
	switch {
	case total > 0:
		e.file.Progress = clampPercent(float64(bytesTransferred) / float64(total) * 100)
	default:
		e.file.Progress = 100
	}
	if e.file.Speed == 0 {
		e.file.Speed = speed
	} else {
		e.file.Speed = s.smoothing*speed + (1-s.smoothing)*e.file.Speed
	}

	s.emitLocked(EventFileProgress, e.file)
	return nil
}

// Complete marks an active or paused entry completed.
func (s *Scheduler) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.file.Status != StatusTransferring && e.file.Status != StatusPaused {
		return transitionError(e.file.Status, StatusCompleted)
	}

	e.file.Progress = 100
	if e.file.File.Size > e.file.BytesTransferred {
		e.file.BytesTransferred = e.file.File.Size
	}
	s.finishLocked(e, StatusCompleted, EventFileCompleted)
	s.logger.WithFields(logrus.Fields{"queue_id": id, "file_name": e.file.File.Name}).Info("transfer completed")
	return nil
}

// Fail marks a non-terminal entry failed with reason and releases any
// worker parked on its token.
func (s *Scheduler) Fail(id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.file.Status.Terminal() {
		return transitionError(e.file.Status, StatusFailed)
	}

	e.file.Error = reason
	e.token.Cancel()
	s.finishLocked(e, StatusFailed, EventFileFailed)
	s.logger.WithFields(logrus.Fields{"queue_id": id, "file_name": e.file.File.Name, "reason": reason}).Warn("transfer failed")
	return nil
}

// Cancel stops a non-terminal entry. Its token is cancelled so a running
// worker aborts at the next chunk boundary.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	e, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if e.file.Status.Terminal() {
		s.mu.Unlock()
		return transitionError(e.file.Status, StatusCancelled)
	}

	was := e.file.Status
	e.token.Cancel()
	s.finishLocked(e, StatusCancelled, EventFileCancelled)
	s.logger.WithFields(logrus.Fields{"queue_id": id, "file_name": e.file.File.Name}).Info("transfer cancelled")
	snapshot, hooks := e.file, s.cancelHooks
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(snapshot, was)
	}
	return nil
}

// OnCancel registers fn to run after every successful Cancel, outside the
// scheduler lock. was is the status the entry had before cancelling.
func (s *Scheduler) OnCancel(fn func(file QueuedFile, was Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelHooks = append(s.cancelHooks, fn)
}

// Pause parks a transferring entry. The entry keeps its active slot.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.file.Status != StatusTransferring {
		return transitionError(e.file.Status, StatusPaused)
	}

	e.file.Status = StatusPaused
	e.file.Speed = 0
	e.token.Pause()
	s.emitLocked(EventFilePaused, e.file)
	return nil
}

// Resume continues a paused entry.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.file.Status != StatusPaused {
		return transitionError(e.file.Status, StatusTransferring)
	}

	e.file.Status = StatusTransferring
	e.token.Resume()
	s.emitLocked(EventFileResumed, e.file)
	return nil
}

// Requeue returns an active or paused entry to pending after its channel
// went away. Progress is kept so the next attempt can report the resume point.
func (s *Scheduler) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.file.Status != StatusTransferring && e.file.Status != StatusPaused {
		return transitionError(e.file.Status, StatusPending)
	}

	e.file.Status = StatusPending
	e.file.Speed = 0
	e.token = NewToken()
	delete(s.active, id)

	s.logger.WithFields(logrus.Fields{"queue_id": id, "file_name": e.file.File.Name}).Info("transfer requeued")
	s.emitLocked(EventFileRequeued, e.file)
	return nil
}

// Token returns the pause/cancel token of an entry.
func (s *Scheduler) Token(id string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return e.token, nil
}

// Get returns a snapshot of one entry.
func (s *Scheduler) Get(id string) (QueuedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return QueuedFile{}, err
	}
	return e.file, nil
}

// List returns snapshots in queue order.
func (s *Scheduler) List() []QueuedFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QueuedFile, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.file)
	}
	return out
}

// ActiveCount returns how many entries hold an active slot.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stats summarizes entry counts and completed throughput.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		stats   Stats
		elapsed time.Duration
	)
	stats.Total = len(s.entries)
	for _, e := range s.entries {
		switch e.file.Status {
		case StatusPending:
			stats.Pending++
		case StatusTransferring:
			stats.Active++
		case StatusPaused:
			stats.Paused++
		case StatusCompleted:
			stats.Completed++
			stats.TotalBytes += e.file.BytesTransferred
			if !e.file.StartTime.IsZero() && e.file.EndTime.After(e.file.StartTime) {
				elapsed += e.file.EndTime.Sub(e.file.StartTime)
			}
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	if elapsed > 0 {
		stats.AverageSpeed = float64(stats.TotalBytes) / elapsed.Seconds()
	}
	return stats
}

// Clear drops terminal entries and returns how many were removed.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.file.Status.Terminal() {
			delete(s.byID, e.file.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
	return removed
}

// Subscribe registers an event listener. Delivery never blocks the
// scheduler: events that do not fit in the buffer are dropped. The returned
// function unsubscribes and closes the channel.
func (s *Scheduler) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	sub := subscriber{id: s.nextSubID, ch: make(chan Event, buffer)}
	s.subscribers = append(s.subscribers, sub)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, candidate := range s.subscribers {
				if candidate.id == sub.id {
					s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
	}
}

func (s *Scheduler) finishLocked(e *entry, status Status, eventType EventType) {
	e.file.Status = status
	e.file.Speed = 0
	e.file.EndTime = s.clock.Now()
	delete(s.active, e.file.ID)

	s.emitLocked(eventType, e.file)
	if s.allTerminalLocked() {
		s.emitLocked(EventQueueCompleted, QueuedFile{})
	}
}

func (s *Scheduler) allTerminalLocked() bool {
	if len(s.entries) == 0 {
		return false
	}
	for _, e := range s.entries {
		if !e.file.Status.Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) emitLocked(eventType EventType, file QueuedFile) {
	event := Event{Type: eventType, File: file, Time: s.clock.Now()}
	for _, sub := range s.subscribers {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (s *Scheduler) lookupLocked(id string) (*entry, error) {
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
