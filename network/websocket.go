package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketChannel is a Channel over a gorilla websocket connection. Each
// message travels as one text frame holding the JSON payload.
type WebSocketChannel struct {
	conn   *websocket.Conn
	logger *logrus.Entry

	sendMu sync.Mutex

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewWebSocketChannel wraps an established websocket connection.
func NewWebSocketChannel(conn *websocket.Conn, logger *logrus.Entry) *WebSocketChannel {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	wc := &WebSocketChannel{
		conn:    conn,
		logger:  logger.WithField("remote_addr", conn.RemoteAddr().String()),
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	conn.SetReadLimit(MaxFrameSize)
	go wc.readLoop()
	return wc
}

// DialWebSocket connects to a WebSocketHandler endpoint such as ws://host:port/transfer.
func DialWebSocket(ctx context.Context, url string, logger *logrus.Entry) (*WebSocketChannel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DefaultConnectionTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %q: %w", url, err)
	}
	return NewWebSocketChannel(conn, logger), nil
}

// WebSocketHandler upgrades each request and hands the channel to onChannel.
// onChannel owns the channel and runs on the request goroutine.
func WebSocketHandler(logger *logrus.Entry, onChannel func(*WebSocketChannel)) http.Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Warn("websocket upgrade failed")
			return
		}
		onChannel(NewWebSocketChannel(conn, logger))
	})
}

// RemoteAddr returns the peer address of the underlying connection.
func (wc *WebSocketChannel) RemoteAddr() net.Addr {
	return wc.conn.RemoteAddr()
}

func (wc *WebSocketChannel) Send(ctx context.Context, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	select {
	case <-wc.closed:
		return wc.terminalError()
	default:
	}

	wc.sendMu.Lock()
	defer wc.sendMu.Unlock()

	deadline := time.Now().Add(DefaultFrameReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = wc.conn.SetWriteDeadline(deadline)
	if err := wc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		wc.closeWithError(fmt.Errorf("write websocket message: %w", err))
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (wc *WebSocketChannel) Receive(ctx context.Context) (Message, error) {
	select {
	case payload := <-wc.inbound:
		return decodeInbound(payload)
	case <-wc.closed:
		select {
		case payload := <-wc.inbound:
			return decodeInbound(payload)
		default:
		}
		return nil, wc.terminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and tears down the connection.
func (wc *WebSocketChannel) Close() error {
	wc.sendMu.Lock()
	_ = wc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	wc.sendMu.Unlock()
	wc.closeWithError(nil)
	return nil
}

func (wc *WebSocketChannel) readLoop() {
	for {
		messageType, payload, err := wc.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				wc.closeWithError(nil)
				return
			}
			wc.closeWithError(fmt.Errorf("read websocket message: %w", err))
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err == nil && msgType == TypePing {
			_ = wc.Send(context.Background(), Pong{Timestamp: time.Now().UnixMilli()})
			continue
		}
		if err == nil && msgType == TypePong {
			continue
		}

		select {
		case wc.inbound <- payload:
		case <-wc.closed:
			return
		}
	}
}

func (wc *WebSocketChannel) terminalError() error {
	wc.errMu.RLock()
	defer wc.errMu.RUnlock()
	if wc.closeErr != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, wc.closeErr)
	}
	return ErrChannelClosed
}

func (wc *WebSocketChannel) closeWithError(err error) {
	wc.closeOnce.Do(func() {
		wc.errMu.Lock()
		wc.closeErr = err
		wc.errMu.Unlock()

		_ = wc.conn.Close()
		close(wc.closed)
		if err != nil {
			wc.logger.WithError(err).Debug("websocket channel closed")
		}
	})
}
