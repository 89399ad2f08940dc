package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelClosed is returned by Send and Receive once a channel is gone.
var ErrChannelClosed = errors.New("network: channel closed")

// Channel is an ordered, reliable, message-oriented link to one peer.
// Receive returns errors wrapping ErrInvalidMessage for frames that do not
// decode; the channel stays usable after such an error.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// pipeLink is shared by both ends of a Pipe so closing either end tears
// down the whole link.
type pipeLink struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func (l *pipeLink) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
}

// PipeEnd is one side of an in-memory Channel pair. Messages are encoded
// and decoded on the way through so both ends see wire-accurate values.
type PipeEnd struct {
	link     *pipeLink
	inbound  chan []byte
	outbound chan []byte
}

// Pipe returns two connected in-memory channels. buffer bounds how many
// frames may be in flight per direction before Send blocks.
func Pipe(buffer int) (*PipeEnd, *PipeEnd) {
	if buffer < 0 {
		buffer = 0
	}
	link := &pipeLink{closed: make(chan struct{})}
	aToB := make(chan []byte, buffer)
	bToA := make(chan []byte, buffer)

	a := &PipeEnd{link: link, inbound: bToA, outbound: aToB}
	b := &PipeEnd{link: link, inbound: aToB, outbound: bToA}
	return a, b
}

func (p *PipeEnd) Send(ctx context.Context, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.SendRaw(ctx, payload)
}

// SendRaw delivers an already encoded payload. Tests use it to inject
// malformed frames.
func (p *PipeEnd) SendRaw(ctx context.Context, payload []byte) error {
	select {
	case <-p.link.closed:
		return ErrChannelClosed
	default:
	}

	select {
	case p.outbound <- payload:
		return nil
	case <-p.link.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeEnd) Receive(ctx context.Context) (Message, error) {
	select {
	case payload := <-p.inbound:
		return decodeInbound(payload)
	case <-p.link.closed:
		// Drain frames that were delivered before the close.
		select {
		case payload := <-p.inbound:
			return decodeInbound(payload)
		default:
		}
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeEnd) Close() error {
	p.link.close()
	return nil
}

func decodeInbound(payload []byte) (Message, error) {
	msg, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode inbound frame: %w", err)
	}
	return msg, nil
}
