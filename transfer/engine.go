package transfer

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"filedrop/models"
	"filedrop/network"
	"filedrop/queue"
	"filedrop/resume"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Queue     *queue.Scheduler
	Resume    *resume.Store
	ChunkSize int
	// ResumeRewind is passed to each Sender.
	ResumeRewind int64
	Username     string
	PeerID       string
	Logger       *logrus.Entry
	Clock        Clock
	// StopWhenDrained makes Run return nil once no entry is pending,
	// transferring or paused.
	StopWhenDrained bool
}

// Engine drains a queue over a channel, one file at a time per Run call.
// Several Run calls with distinct channels share the queue's concurrency
// limit.
type Engine struct {
	opts   EngineOptions
	logger *logrus.Entry
}

// NewEngine builds an engine. opts.Queue is required.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	e := &Engine{
		opts:   opts,
		logger: opts.Logger.WithField("component", "engine"),
	}
	if opts.Resume != nil {
		opts.Queue.OnCancel(e.discardCancelled)
	}
	return e
}

// discardCancelled drops the send state of an entry cancelled while it was
// waiting in the queue, typically after a channel loss. A running sender
// removes its own state when it sees the cancel.
func (e *Engine) discardCancelled(file queue.QueuedFile, was queue.Status) {
	if was != queue.StatusPending {
		return
	}
	for _, state := range e.opts.Resume.List() {
		if state.Direction != models.DirectionSend || state.FileName != file.File.Name || state.PeerID != e.opts.PeerID {
			continue
		}
		// Encrypted states record the ciphertext size.
		if state.FileSize != file.File.Size && !(file.Encrypted && state.Encrypted) {
			continue
		}
		if err := e.opts.Resume.Remove(state.TransferID); err != nil {
			e.logger.WithError(err).WithField("transfer_id", state.TransferID).Warn("remove cancelled send state failed")
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"queue_id":    file.ID,
			"transfer_id": state.TransferID,
		}).Debug("dropped resume state of cancelled entry")
	}
}

// Run sends queued files over ch until ctx ends. When a send loses the
// channel the entry goes back to pending and Run returns an error wrapping
// ErrChannel; call Run again with a fresh channel to continue from the
// stored offset.
func (e *Engine) Run(ctx context.Context, ch network.Channel) error {
	events, unsubscribe := e.opts.Queue.Subscribe(16)
	defer unsubscribe()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if next, ok := e.opts.Queue.Next(); ok {
			if err := e.opts.Queue.Start(next.ID); err != nil {
				if errors.Is(err, queue.ErrInvalidTransition) {
					continue
				}
				return err
			}
			if err := e.runOne(ctx, ch, next); err != nil {
				return err
			}
			continue
		}

		if e.opts.StopWhenDrained && e.drained() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-events:
			if !open {
				return nil
			}
		}
	}
}

func (e *Engine) drained() bool {
	stats := e.opts.Queue.Stats()
	return stats.Pending+stats.Active+stats.Paused == 0
}

func (e *Engine) runOne(ctx context.Context, ch network.Channel, file queue.QueuedFile) error {
	logger := e.logger.WithFields(logrus.Fields{
		"queue_id":  file.ID,
		"file_name": file.File.Name,
		"peer_id":   e.opts.PeerID,
	})

	token, err := e.opts.Queue.Token(file.ID)
	if err != nil {
		return err
	}

	sender := NewSender(SenderOptions{
		Channel:   ch,
		Resume:    e.opts.Resume,
		ChunkSize:    e.opts.ChunkSize,
		ResumeRewind: e.opts.ResumeRewind,
		Username:     e.opts.Username,
		PeerID:       e.opts.PeerID,
		Logger:       e.opts.Logger,
		Clock:        e.opts.Clock,
	})

	_, sendErr := sender.Send(ctx, SendRequest{
		File:       file.File,
		Encrypted:  file.Encrypted,
		Passphrase: file.Password,
		Token:      token,
		OnProgress: func(p Progress) {
			_ = e.opts.Queue.Progress(file.ID, p.BytesTransferred, p.Total, p.Speed)
		},
	})

	switch {
	case sendErr == nil:
		e.settle(logger, e.opts.Queue.Complete(file.ID))
		return nil
	case errors.Is(sendErr, queue.ErrCancelled):
		logger.Info("send stopped by cancel")
		return nil
	case errors.Is(sendErr, context.Canceled), errors.Is(sendErr, context.DeadlineExceeded):
		e.settle(logger, e.opts.Queue.Requeue(file.ID))
		return sendErr
	case errors.Is(sendErr, ErrChannel):
		logger.WithError(sendErr).Warn("channel lost, file requeued")
		e.settle(logger, e.opts.Queue.Requeue(file.ID))
		return sendErr
	default:
		e.settle(logger, e.opts.Queue.Fail(file.ID, sendErr.Error()))
		return nil
	}
}

// settle logs queue transitions that lost a race with a user action such as
// cancel.
func (e *Engine) settle(logger *logrus.Entry, err error) {
	if err != nil {
		logger.WithError(err).Debug("queue transition skipped")
	}
}
