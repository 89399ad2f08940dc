package network

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to a listening peer and returns a ready FrameChannel.
func Dial(ctx context.Context, address string, options FrameOptions) (*FrameChannel, error) {
	dialer := net.Dialer{Timeout: DefaultConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	return NewFrameChannel(conn, options), nil
}
