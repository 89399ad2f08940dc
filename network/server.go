package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const maxAcceptBackoff = time.Second

// Handler serves one accepted channel. The channel is closed when the
// handler returns.
type Handler func(ctx context.Context, ch *FrameChannel)

// Server owns a TCP listener whose connections are framed as FrameChannels.
type Server struct {
	listener net.Listener
	options  FrameOptions

	mu     sync.Mutex
	active map[*FrameChannel]struct{}
	closed bool

	handlers sync.WaitGroup
}

// Listen binds address. An empty address picks a free port.
func Listen(address string, options FrameOptions) (*Server, error) {
	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	return &Server{
		listener: listener,
		options:  options.withDefaults(),
		active:   make(map[*FrameChannel]struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts until ctx is cancelled or the server is closed, running
// handle on its own goroutine for every connection. Temporary accept
// failures are retried with backoff. Serve returns nil on a clean
// shutdown and waits for running handlers first.
func (s *Server) Serve(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	defer s.handlers.Wait()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = nextBackoff(backoff)
				s.options.Logger.WithError(err).WithField("retry_in", backoff).Warn("accept failed")
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept connection: %w", err)
		}
		backoff = 0

		ch := NewFrameChannel(conn, s.options)
		if !s.track(ch) {
			_ = ch.Close()
			return nil
		}
		s.options.Logger.WithField("remote_addr", conn.RemoteAddr().String()).Info("accepted connection")

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.untrack(ch)
			handle(ctx, ch)
		}()
	}
}

// Close stops accepting and closes every open channel. Safe to call twice.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*FrameChannel, 0, len(s.active))
	for ch := range s.active {
		open = append(open, ch)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, ch := range open {
		_ = ch.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(ch *FrameChannel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.active[ch] = struct{}{}
	return true
}

func (s *Server) untrack(ch *FrameChannel) {
	s.mu.Lock()
	delete(s.active, ch)
	s.mu.Unlock()
	_ = ch.Close()
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	if current *= 2; current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}
