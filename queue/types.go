package queue

import (
	"errors"
	"time"

	"filedrop/models"
)

var (
	// ErrNotFound is returned for unknown queue ids.
	ErrNotFound = errors.New("queue: entry not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrCancelled is returned by Token.Checkpoint after cancellation.
	ErrCancelled = errors.New("queue: transfer cancelled")
)

// Status is the lifecycle position of a queued file.
type Status string

const (
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusPaused       Status = "paused"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// QueuedFile is a snapshot of one queue entry.
type QueuedFile struct {
	ID               string         `json:"id"`
	File             models.FileRef `json:"file"`
	Status           Status         `json:"status"`
	Progress         float64        `json:"progress"`
	Speed            float64        `json:"speed"`
	BytesTransferred int64          `json:"bytes_transferred"`
	Error            string         `json:"error,omitempty"`
	StartTime        time.Time      `json:"start_time,omitempty"`
	EndTime          time.Time      `json:"end_time,omitempty"`
	Encrypted        bool           `json:"encrypted"`
	Password         string         `json:"-"`
}

// EventType names a scheduler notification.
type EventType string

const (
	EventFileAdded      EventType = "file_added"
	EventFileStarted    EventType = "file_started"
	EventFileProgress   EventType = "file_progress"
	EventFilePaused     EventType = "file_paused"
	EventFileResumed    EventType = "file_resumed"
	EventFileRequeued   EventType = "file_requeued"
	EventFileCompleted  EventType = "file_completed"
	EventFileFailed     EventType = "file_failed"
	EventFileCancelled  EventType = "file_cancelled"
	EventQueueCompleted EventType = "queue_completed"
)

// Event is delivered to subscribers. File is empty for EventQueueCompleted.
type Event struct {
	Type EventType
	File QueuedFile
	Time time.Time
}

// Stats summarizes the queue.
type Stats struct {
	Total        int
	Pending      int
	Active       int
	Paused       int
	Completed    int
	Failed       int
	Cancelled    int
	TotalBytes   int64
	AverageSpeed float64
}
