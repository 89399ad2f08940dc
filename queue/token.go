package queue

import (
	"context"
	"sync"
)

// Token carries pause and cancel requests from the scheduler to the
// goroutine moving the file. The zero value is not usable; use NewToken.
type Token struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	changed   chan struct{}
}

// NewToken returns a running token.
func NewToken() *Token {
	return &Token{changed: make(chan struct{})}
}

func (t *Token) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.paused {
		return
	}
	t.paused = true
	t.notifyLocked()
}

func (t *Token) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return
	}
	t.paused = false
	t.notifyLocked()
}

// Cancel is permanent. A cancelled token also releases paused waiters.
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	t.paused = false
	t.notifyLocked()
}

func (t *Token) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Checkpoint blocks while the token is paused. It returns ErrCancelled once
// the token is cancelled and ctx.Err() if the context ends first.
func (t *Token) Checkpoint(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return ErrCancelled
		}
		if !t.paused {
			t.mu.Unlock()
			return nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (t *Token) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
