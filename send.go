package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"filedrop/crypto"
	"filedrop/discovery"
	"filedrop/models"
	"filedrop/network"
	"filedrop/queue"
	"filedrop/transfer"
)

type sendFlags struct {
	to         string
	peer       string
	wsURL      string
	encrypt    bool
	passphrase string
	retries    int
	retryDelay time.Duration
}

func newSendCommand() *cobra.Command {
	var flags sendFlags
	cmd := &cobra.Command{
		Use:   "send FILE...",
		Short: "Queue files and send them to a receiver",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), flags, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.to, "to", "", "receiver address as host:port")
	f.StringVar(&flags.peer, "peer", "", "receiver device id or name advertised over mDNS")
	f.StringVar(&flags.wsURL, "ws", "", "receiver websocket URL such as ws://host:9999/transfer")
	f.BoolVar(&flags.encrypt, "encrypt", false, "encrypt each file with a passphrase")
	f.StringVar(&flags.passphrase, "passphrase", "", "passphrase for --encrypt (default $"+passphraseEnv+")")
	f.IntVar(&flags.retries, "retries", 3, "reconnect attempts after the channel drops")
	f.DurationVar(&flags.retryDelay, "retry-delay", 2*time.Second, "wait between reconnect attempts")
	return cmd
}

type dialFunc func(ctx context.Context) (network.Channel, error)

func runSend(ctx context.Context, flags sendFlags, paths []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	passphrase := ""
	if flags.encrypt {
		passphrase = flags.passphrase
		if passphrase == "" {
			passphrase = os.Getenv(passphraseEnv)
		}
		if passphrase == "" {
			return fmt.Errorf("--encrypt needs --passphrase or $%s", passphraseEnv)
		}
		if verdict := crypto.StrengthCheck(passphrase); !verdict.Strong {
			a.logger.Warn(verdict.Reason)
		}
	}

	peerID, dial, err := resolveTarget(ctx, a, flags)
	if err != nil {
		return err
	}

	sched := queue.New(queue.Options{MaxConcurrent: a.cfg.MaxConcurrent, Logger: a.logger})
	for _, path := range paths {
		file, err := models.StatFile(path)
		if err != nil {
			return err
		}
		sched.Enqueue(file, flags.encrypt, passphrase)
	}

	events, unsubscribe := sched.Subscribe(256)
	defer unsubscribe()
	go reportQueueEvents(os.Stdout, events)

	engine := transfer.NewEngine(transfer.EngineOptions{
		Queue:           sched,
		Resume:          a.resume,
		ChunkSize:       a.cfg.ChunkSize,
		Username:        a.cfg.DisplayName,
		PeerID:          peerID,
		Logger:          a.logger,
		StopWhenDrained: true,
	})

	for attempt := 0; ; attempt++ {
		err := sendOnce(ctx, engine, dial)
		if err == nil {
			break
		}
		if ctx.Err() != nil || !errors.Is(err, transfer.ErrChannel) || attempt >= flags.retries {
			summarizeSend(os.Stdout, sched)
			return err
		}

		a.logger.WithError(err).WithField("attempt", attempt+1).Warn("connection lost, retrying")
		select {
		case <-time.After(flags.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if stats := summarizeSend(os.Stdout, sched); stats.Failed > 0 {
		return fmt.Errorf("%d file(s) failed", stats.Failed)
	}
	return nil
}

// summarizeSend prints the outcome of a send run and drops finished entries
// from the queue, leaving only files that never reached a final state.
func summarizeSend(w io.Writer, sched *queue.Scheduler) queue.Stats {
	stats := sched.Stats()
	fmt.Fprintf(w, "sent %d of %d file(s)\n", stats.Completed, stats.Total)
	if left := stats.Total - sched.Clear(); left > 0 {
		fmt.Fprintf(w, "%d file(s) left unsent\n", left)
	}
	return stats
}

func sendOnce(ctx context.Context, engine *transfer.Engine, dial dialFunc) error {
	ch, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", transfer.ErrChannel, err)
	}
	defer ch.Close()
	return engine.Run(ctx, ch)
}

// resolveTarget returns the peer id used for resume matching and a dialer
// for fresh channels to that peer.
func resolveTarget(ctx context.Context, a *app, flags sendFlags) (string, dialFunc, error) {
	switch {
	case flags.wsURL != "":
		return flags.wsURL, func(ctx context.Context) (network.Channel, error) {
			ch, err := network.DialWebSocket(ctx, flags.wsURL, a.logger)
			if err != nil {
				return nil, err
			}
			return ch, nil
		}, nil
	case flags.peer != "":
		peer, err := discovery.Lookup(ctx, discovery.Config{SelfDeviceID: a.cfg.DeviceID, Logger: a.logger}, flags.peer)
		if err != nil {
			return "", nil, err
		}
		a.logger.WithField("peer_id", peer.DeviceID).Infof("found %s at %s", peer.DeviceName, peer.Address())
		return peer.DeviceID, tcpDialer(a, peer.Address()), nil
	case flags.to != "":
		return flags.to, tcpDialer(a, flags.to), nil
	default:
		return "", nil, errors.New("one of --to, --peer or --ws is required")
	}
}

func tcpDialer(a *app, address string) dialFunc {
	return func(ctx context.Context) (network.Channel, error) {
		ch, err := network.Dial(ctx, address, network.FrameOptions{Logger: a.logger})
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

func reportQueueEvents(w io.Writer, events <-chan queue.Event) {
	lastDecile := make(map[string]int)
	for event := range events {
		file := event.File
		switch event.Type {
		case queue.EventFileStarted:
			fmt.Fprintf(w, "sending %s (%d bytes)\n", file.File.Name, file.File.Size)
		case queue.EventFileProgress:
			decile := int(file.Progress) / 10
			if decile > lastDecile[file.ID] {
				lastDecile[file.ID] = decile
				fmt.Fprintf(w, "  %s %3.0f%% %.0f B/s\n", file.File.Name, file.Progress, file.Speed)
			}
		case queue.EventFileRequeued:
			fmt.Fprintf(w, "  %s interrupted at %d bytes, will resume\n", file.File.Name, file.BytesTransferred)
		case queue.EventFileCompleted:
			fmt.Fprintf(w, "done %s\n", file.File.Name)
		case queue.EventFileFailed:
			fmt.Fprintf(w, "failed %s: %s\n", file.File.Name, file.Error)
		case queue.EventFileCancelled:
			fmt.Fprintf(w, "cancelled %s\n", file.File.Name)
		}
	}
}
