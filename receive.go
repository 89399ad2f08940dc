package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filedrop/discovery"
	"filedrop/network"
	"filedrop/transfer"
)

const webSocketPath = "/transfer"

type receiveFlags struct {
	listen     string
	ws         bool
	advertise  bool
	passphrase string
	outDir     string
}

func newReceiveCommand() *cobra.Command {
	var flags receiveFlags
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept incoming files and save them to the download directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd.Context(), flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.listen, "listen", "", "listen address (default from config)")
	f.BoolVar(&flags.ws, "ws", false, "accept websocket channels on "+webSocketPath+" instead of framed TCP")
	f.BoolVar(&flags.advertise, "advertise", true, "advertise this receiver over mDNS")
	f.StringVar(&flags.passphrase, "passphrase", "", "passphrase for encrypted files (default $"+passphraseEnv+")")
	f.StringVar(&flags.outDir, "out", "", "directory for received files (default from config)")
	return cmd
}

func runReceive(ctx context.Context, flags receiveFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	outDir := flags.outDir
	if outDir == "" {
		outDir = a.cfg.DownloadDir
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	listen := flags.listen
	if listen == "" {
		listen = a.cfg.ListenAddress
	}
	passphrase := flags.passphrase
	if passphrase == "" {
		passphrase = os.Getenv(passphraseEnv)
	}

	pool := newReceiverPool(a, &downloadSink{dir: outDir, logger: a.logger}, passphrase)

	var port int
	if flags.ws {
		listener, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("listen on %q: %w", listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle(webSocketPath, network.WebSocketHandler(a.logger, func(ch *network.WebSocketChannel) {
			pool.serve(ctx, hostOf(ch.RemoteAddr()), ch)
		}))
		server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.WithError(err).Error("websocket server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		port = listener.Addr().(*net.TCPAddr).Port
	} else {
		server, err := network.Listen(listen, network.FrameOptions{Logger: a.logger})
		if err != nil {
			return err
		}
		defer server.Close()
		go func() {
			err := server.Serve(ctx, func(ctx context.Context, ch *network.FrameChannel) {
				pool.serve(ctx, hostOf(ch.RemoteAddr()), ch)
			})
			if err != nil {
				a.logger.WithError(err).Error("listener stopped")
			}
		}()
		port = server.Addr().(*net.TCPAddr).Port
	}

	if flags.advertise {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			SelfDeviceID:  a.cfg.DeviceID,
			DeviceName:    a.cfg.DisplayName,
			ListeningPort: port,
			ChunkSize:     a.cfg.ChunkSize,
			Logger:        a.logger,
		})
		if err != nil {
			a.logger.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer broadcaster.Stop()
		}
	}

	fmt.Printf("receiving as %q on port %d, saving to %s\n", a.cfg.DisplayName, port, outDir)
	<-ctx.Done()
	fmt.Println("shutting down")
	return nil
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// session is the receiver bound to one remote host. Its channel is only
// taken over by a connection that resumes the file being received, so a
// chat message or a second sender from the same host cannot cut a live
// transfer.
type session struct {
	receiver *transfer.Receiver

	runMu sync.Mutex

	swapMu  sync.Mutex
	current network.Channel
}

// claim makes ch the session's channel. It fails while another channel is
// live unless first resumes the partial file, in which case the old channel
// is closed as dead.
func (s *session) claim(ch network.Channel, first network.Message) bool {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	if s.current != nil {
		meta, isMeta := first.(network.Meta)
		id, partial := s.receiver.CurrentTransferID()
		if !isMeta || !partial || meta.ResumeOffset <= 0 || meta.TransferID != id {
			return false
		}
		_ = s.current.Close()
	}
	s.current = ch
	return true
}

func (s *session) release(ch network.Channel) {
	s.swapMu.Lock()
	if s.current == ch {
		s.current = nil
	}
	s.swapMu.Unlock()
}

// replayChannel hands back a message already read before delegating.
type replayChannel struct {
	network.Channel
	first network.Message
}

func (c *replayChannel) Receive(ctx context.Context) (network.Message, error) {
	if msg := c.first; msg != nil {
		c.first = nil
		return msg, nil
	}
	return c.Channel.Receive(ctx)
}

type receiverPool struct {
	app        *app
	sink       *downloadSink
	passphrase string

	mu       sync.Mutex
	sessions map[string]*session
}

func newReceiverPool(a *app, sink *downloadSink, passphrase string) *receiverPool {
	return &receiverPool{
		app:        a,
		sink:       sink,
		passphrase: passphrase,
		sessions:   make(map[string]*session),
	}
}

func (p *receiverPool) sessionFor(peerID string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[peerID]; ok {
		return s
	}
	s := &session{}
	s.receiver = p.newReceiver(peerID)
	p.sessions[peerID] = s
	return s
}

func (p *receiverPool) newReceiver(peerID string) *transfer.Receiver {
	logger := p.app.logger.WithField("peer_id", peerID)

	var receiver *transfer.Receiver
	receiver = transfer.NewReceiver(transfer.ReceiverOptions{
		Resume: p.app.resume,
		PeerID: peerID,
		Logger: p.app.logger,
		OnMetaReceived: func(m network.Meta) {
			fmt.Printf("receiving %s (%d bytes) from %s\n", m.Name, m.Size, m.Username)
		},
		OnChunkReceived: func(progress transfer.Progress) {
			logger.WithFields(logrus.Fields{
				"file_name":   progress.FileName,
				"chunk_index": progress.ChunkIndex,
				"percent":     progress.Percent,
			}).Debug("chunk received")
		},
		OnTransferComplete: func(file transfer.ReceivedFile) {
			if err := p.sink.save(file); err != nil {
				logger.WithError(err).WithField("file_name", file.Name).Error("save failed")
			}
		},
		OnDecryptNeeded: func(pending transfer.PendingDecrypt) {
			if p.passphrase == "" {
				logger.WithField("file_name", pending.Name).Warn("encrypted file received but no passphrase configured")
				return
			}
			if _, err := receiver.Decrypt(p.passphrase); err != nil {
				logger.WithError(err).WithField("file_name", pending.Name).Error("decrypt failed")
			}
		},
		OnChat: func(m network.Chat) {
			fmt.Printf("[%s] %s\n", peerID, chatText(m, p.passphrase))
		},
		OnClipboard: func(m network.Clipboard) {
			logger.WithField("bytes", len(m.Content)).Info("clipboard content received")
		},
	})
	return receiver
}

func (p *receiverPool) serve(ctx context.Context, peerID string, ch network.Channel) {
	defer ch.Close()
	logger := p.app.logger.WithField("peer_id", peerID)

	first, err := firstMessage(ctx, ch, logger)
	if err != nil {
		logger.WithError(err).Debug("channel closed before any message")
		return
	}
	in := &replayChannel{Channel: ch, first: first}

	s := p.sessionFor(peerID)
	if !s.claim(in, first) {
		logger.WithField("message_type", first.MessageType()).Debug("host has a live transfer, serving connection on its own")
		logReceiveEnd(logger, p.newReceiver(peerID).Run(ctx, in))
		return
	}

	s.runMu.Lock()
	err = s.receiver.Run(ctx, in)
	s.runMu.Unlock()
	s.release(in)
	logReceiveEnd(logger, err)
}

func firstMessage(ctx context.Context, ch network.Channel, logger *logrus.Entry) (network.Message, error) {
	for {
		msg, err := ch.Receive(ctx)
		if errors.Is(err, network.ErrInvalidMessage) || errors.Is(err, network.ErrInvalidMessageType) {
			logger.WithError(err).Warn("dropping undecodable frame")
			continue
		}
		return msg, err
	}
}

func logReceiveEnd(logger *logrus.Entry, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("channel closed")
	case errors.Is(err, transfer.ErrChannel):
		logger.WithError(err).Warn("channel lost mid-file, waiting for the sender to resume")
	default:
		logger.WithError(err).Error("receive failed")
	}
}

// downloadSink writes completed files without overwriting existing ones.
type downloadSink struct {
	dir    string
	logger *logrus.Entry

	mu sync.Mutex
}

func (d *downloadSink) save(file transfer.ReceivedFile) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := uniquePath(d.dir, safeFileName(file.Name, file.TransferID))
	if err := os.WriteFile(path, file.Data, 0o600); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	d.logger.WithFields(logrus.Fields{
		"transfer_id": file.TransferID,
		"file_name":   file.Name,
		"path":        path,
		"encrypted":   file.Encrypted,
	}).Info("file saved")
	fmt.Printf("saved %s\n", path)
	return nil
}

func safeFileName(name, fallback string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		return fallback
	}
	return base
}

func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
