package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionState represents the lifecycle state of one framed connection.
type ConnectionState string

const (
	StateReady        ConnectionState = "READY"
	StateIdle         ConnectionState = "IDLE"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// FrameOptions controls runtime behavior of FrameChannel.
type FrameOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	Logger            *logrus.Entry
}

func (o FrameOptions) withDefaults() FrameOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// FrameChannel is a Channel over a stream connection using length-prefixed
// JSON frames. Ping and pong frames are handled internally.
type FrameChannel struct {
	conn   net.Conn
	logger *logrus.Entry

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewFrameChannel wraps an established connection and starts its read and
// keep-alive loops.
func NewFrameChannel(conn net.Conn, options FrameOptions) *FrameChannel {
	opts := options.withDefaults()

	fc := &FrameChannel{
		conn:              conn,
		logger:            opts.Logger.WithField("remote_addr", conn.RemoteAddr().String()),
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		frameReadTimeout:  opts.FrameReadTimeout,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateReady,
	}

	fc.touchActivity()
	go fc.readLoop()
	go fc.keepAliveLoop()

	return fc
}

// RemoteAddr returns the peer address of the underlying connection.
func (fc *FrameChannel) RemoteAddr() net.Addr {
	return fc.conn.RemoteAddr()
}

// State returns the current connection state.
func (fc *FrameChannel) State() ConnectionState {
	fc.stateMu.RLock()
	defer fc.stateMu.RUnlock()
	return fc.state
}

// Done is closed when the connection is fully disconnected.
func (fc *FrameChannel) Done() <-chan struct{} {
	return fc.closed
}

// LastError returns the terminal connection error, if any.
func (fc *FrameChannel) LastError() error {
	fc.errMu.RLock()
	defer fc.errMu.RUnlock()
	return fc.closeErr
}

// Send encodes msg and writes it as one frame.
func (fc *FrameChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return fc.sendRaw(payload, msg.MessageType())
}

func (fc *FrameChannel) sendRaw(payload []byte, msgType string) error {
	if fc.State() == StateDisconnected {
		return fc.terminalError()
	}

	fc.sendMu.Lock()
	defer fc.sendMu.Unlock()
	if err := WriteFrame(fc.conn, payload); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		fc.closeWithError(fmt.Errorf("write frame: %w", err))
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	fc.touchActivity()
	if msgType != TypePing && msgType != TypePong {
		fc.setState(StateReady)
	}
	return nil
}

// Receive waits for the next non-keepalive message.
func (fc *FrameChannel) Receive(ctx context.Context) (Message, error) {
	select {
	case payload := <-fc.inbound:
		return decodeInbound(payload)
	case <-fc.closed:
		select {
		case payload := <-fc.inbound:
			return decodeInbound(payload)
		default:
		}
		return nil, fc.terminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the connection.
func (fc *FrameChannel) Close() error {
	fc.closeWithError(nil)
	return nil
}

func (fc *FrameChannel) terminalError() error {
	if err := fc.LastError(); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return ErrChannelClosed
}

func (fc *FrameChannel) readLoop() {
	for {
		select {
		case <-fc.closed:
			return
		default:
		}

		payload, err := ReadFrameIdle(fc.conn, fc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				fc.closeWithError(nil)
				return
			}

			fc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		fc.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			select {
			case fc.inbound <- payload:
			case <-fc.closed:
			}
			continue
		}

		switch msgType {
		case TypePing:
			fc.setState(StateIdle)
			if pong, err := Encode(Pong{Timestamp: time.Now().UnixMilli()}); err == nil {
				_ = fc.sendRaw(pong, TypePong)
			}
		case TypePong:
			fc.ackPong()
			fc.setState(StateIdle)
		default:
			fc.setState(StateReady)
			select {
			case fc.inbound <- payload:
			case <-fc.closed:
				return
			}
		}
	}
}

func (fc *FrameChannel) keepAliveLoop() {
	checkEvery := fc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = fc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if fc.State() == StateDisconnected {
				return
			}

			if fc.waitingPongExpired() {
				fc.logger.Warn("keep-alive pong timed out")
				fc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, fc.lastActivity.Load()))
			if idleFor < fc.keepAliveInterval {
				continue
			}

			if fc.isWaitingPong() {
				continue
			}

			ping, err := Encode(Ping{Timestamp: time.Now().UnixMilli()})
			if err != nil {
				return
			}
			if err := fc.sendRaw(ping, TypePing); err != nil {
				return
			}
			fc.setWaitingPong(time.Now().Add(fc.keepAliveTimeout))
			fc.setState(StateIdle)
		case <-fc.closed:
			return
		}
	}
}

func (fc *FrameChannel) setState(state ConnectionState) {
	fc.stateMu.Lock()
	defer fc.stateMu.Unlock()
	fc.state = state
}

func (fc *FrameChannel) touchActivity() {
	fc.lastActivity.Store(time.Now().UnixNano())
}

func (fc *FrameChannel) setWaitingPong(deadline time.Time) {
	fc.waitMu.Lock()
	defer fc.waitMu.Unlock()
	fc.waitingPong = true
	fc.pongDeadline = deadline
}

func (fc *FrameChannel) ackPong() {
	fc.waitMu.Lock()
	defer fc.waitMu.Unlock()
	fc.waitingPong = false
	fc.pongDeadline = time.Time{}
}

func (fc *FrameChannel) isWaitingPong() bool {
	fc.waitMu.Lock()
	defer fc.waitMu.Unlock()
	return fc.waitingPong
}

func (fc *FrameChannel) waitingPongExpired() bool {
	fc.waitMu.Lock()
	defer fc.waitMu.Unlock()
	return fc.waitingPong && time.Now().After(fc.pongDeadline)
}

func (fc *FrameChannel) closeWithError(err error) {
	fc.closeOnce.Do(func() {
		fc.errMu.Lock()
		fc.closeErr = err
		fc.errMu.Unlock()

		fc.setState(StateDisconnected)
		_ = fc.conn.Close()
		close(fc.closed)
		if err != nil {
			fc.logger.WithError(err).Debug("frame channel closed")
		}
	})
}
