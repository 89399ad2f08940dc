package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointPassesWhenRunning(t *testing.T) {
	token := NewToken()
	require.NoError(t, token.Checkpoint(context.Background()))
}

func TestCheckpointBlocksWhilePaused(t *testing.T) {
	token := NewToken()
	token.Pause()

	done := make(chan error, 1)
	go func() {
		done <- token.Checkpoint(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("checkpoint returned while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	token.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not return after resume")
	}
}

func TestCheckpointCancelReleasesPausedWaiter(t *testing.T) {
	token := NewToken()
	token.Pause()

	done := make(chan error, 1)
	go func() {
		done <- token.Checkpoint(context.Background())
	}()

	token.Cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not return after cancel")
	}

	token.Resume()
	assert.True(t, token.Cancelled())
	assert.False(t, token.Paused())
}

func TestCheckpointHonoursContext(t *testing.T) {
	token := NewToken()
	token.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, token.Checkpoint(ctx), context.DeadlineExceeded)
}
