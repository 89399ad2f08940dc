// Package transfer turns files into ordered chunk streams over a
// network.Channel and reassembles them on the other side.
package transfer

import (
	"time"
)

// DefaultChunkSize is the slice size used when none is configured.
const DefaultChunkSize = 16 * 1024

// DefaultResumeRewind is how far before its recorded offset a resumed send
// restarts. Bytes a socket accepted just before it broke may never have
// reached the receiver, and the receiver trims what it already holds.
const DefaultResumeRewind = 4 << 20

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Progress is reported after every chunk on both sides.
type Progress struct {
	TransferID       string
	FileName         string
	BytesTransferred int64
	Total            int64
	Percent          float64
	// Speed is bytes per second moved during the current session.
	Speed      float64
	ChunkIndex int
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}

func speed(bytes int64, start, now time.Time) float64 {
	elapsed := now.Sub(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed
}
