package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultHighWaterMark pauses sends while this many bytes are buffered.
	DefaultHighWaterMark = 2 * 1024 * 1024
	// DefaultLowWaterMark resumes sends once the buffer drains below it.
	DefaultLowWaterMark = 512 * 1024
	// drainPoll re-checks the buffer in case a low-water callback was missed.
	drainPoll = 250 * time.Millisecond
)

// DataChannelOptions controls DataChannel backpressure.
type DataChannelOptions struct {
	HighWaterMark uint64
	LowWaterMark  uint64
	Logger        *logrus.Entry
}

func (o DataChannelOptions) withDefaults() DataChannelOptions {
	if o.HighWaterMark == 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.LowWaterMark == 0 || o.LowWaterMark >= o.HighWaterMark {
		o.LowWaterMark = o.HighWaterMark / 4
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// DataChannel adapts an ordered pion data channel to Channel. Signaling and
// peer connection setup belong to the caller.
type DataChannel struct {
	dc     *webrtc.DataChannel
	logger *logrus.Entry

	highWater uint64

	sendMu  sync.Mutex
	drained chan struct{}
	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDataChannel installs message, close and buffered-amount handlers on dc.
func NewDataChannel(dc *webrtc.DataChannel, options DataChannelOptions) *DataChannel {
	opts := options.withDefaults()
	c := &DataChannel{
		dc:        dc,
		logger:    opts.Logger.WithField("data_channel", dc.Label()),
		highWater: opts.HighWaterMark,
		drained:   make(chan struct{}, 1),
		inbound:   make(chan []byte, 64),
		closed:    make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(opts.LowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drained <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		payload := append([]byte(nil), msg.Data...)
		select {
		case c.inbound <- payload:
		case <-c.closed:
		}
	})
	dc.OnClose(func() {
		c.markClosed()
	})
	dc.OnError(func(err error) {
		c.logger.WithError(err).Warn("data channel error")
		c.markClosed()
	})

	return c
}

func (c *DataChannel) Send(ctx context.Context, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for c.dc.BufferedAmount() > c.highWater {
		timer := time.NewTimer(drainPoll)
		select {
		case <-c.drained:
		case <-timer.C:
		case <-c.closed:
			timer.Stop()
			return ErrChannelClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}

	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	if err := c.dc.SendText(string(payload)); err != nil {
		c.markClosed()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *DataChannel) Receive(ctx context.Context) (Message, error) {
	select {
	case payload := <-c.inbound:
		return decodeInbound(payload)
	case <-c.closed:
		select {
		case payload := <-c.inbound:
			return decodeInbound(payload)
		default:
		}
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *DataChannel) Close() error {
	c.markClosed()
	if err := c.dc.Close(); err != nil {
		return fmt.Errorf("close data channel: %w", err)
	}
	return nil
}

func (c *DataChannel) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
