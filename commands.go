package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"filedrop/crypto"
	"filedrop/discovery"
	"filedrop/models"
)

func newPeersCommand() *cobra.Command {
	var (
		watch   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List receivers advertised on the local network",
		Long:  "List receivers advertised on the local network.\n\nWith --watch the scan repeats in the background; send SIGHUP to rescan immediately.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			scanner, err := discovery.NewPeerScanner(discovery.Config{
				SelfDeviceID: a.cfg.DeviceID,
				ScanTimeout:  timeout,
				Logger:       a.logger,
			})
			if err != nil {
				return err
			}

			if !watch {
				peers, err := scanner.ScanOnce(cmd.Context())
				if err != nil {
					return err
				}
				printPeers(os.Stdout, peers)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := scanner.Start(); err != nil {
				return err
			}
			defer scanner.Stop()

			rescan := make(chan os.Signal, 1)
			signal.Notify(rescan, syscall.SIGHUP)
			defer signal.Stop(rescan)
			watchPeers(ctx, os.Stdout, scanner.Events(), rescan, scanner.Refresh)
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep scanning and print changes")
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "scan window")
	return cmd
}

func printPeers(w io.Writer, peers []discovery.DiscoveredPeer) {
	if len(peers) == 0 {
		fmt.Fprintln(w, "No receivers found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDEVICE ID\tADDRESS\tCHUNK")
	for _, peer := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", peer.DeviceName, peer.DeviceID, peer.Address(), peer.ChunkSize)
	}
	tw.Flush()
}

// watchPeers prints peer changes until ctx ends. Every value on rescan runs
// refresh synchronously; its changes arrive on events like any other scan.
func watchPeers(ctx context.Context, w io.Writer, events <-chan discovery.Event, rescan <-chan os.Signal, refresh func(context.Context) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rescan:
			if err := refresh(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(w, "! rescan failed: %v\n", err)
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case discovery.EventPeerUpserted:
				fmt.Fprintf(w, "+ %s (%s) at %s\n", event.Peer.DeviceName, event.Peer.DeviceID, event.Peer.Address())
			case discovery.EventPeerRemoved:
				fmt.Fprintf(w, "- %s (%s)\n", event.Peer.DeviceName, event.Peer.DeviceID)
			}
		}
	}
}

func newPassphraseCommand() *cobra.Command {
	var (
		length int
		check  string
	)
	cmd := &cobra.Command{
		Use:   "passphrase",
		Short: "Generate a random passphrase or check the strength of one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("check") {
				verdict := crypto.StrengthCheck(check)
				fmt.Println(verdict.Reason)
				if !verdict.Strong {
					return fmt.Errorf("weak passphrase")
				}
				return nil
			}

			passphrase, err := crypto.RandomPassphrase(length)
			if err != nil {
				return fmt.Errorf("generate passphrase: %w", err)
			}
			fmt.Println(passphrase)
			return nil
		},
	}
	cmd.Flags().IntVar(&length, "length", crypto.DefaultPassphraseLength, "passphrase length")
	cmd.Flags().StringVar(&check, "check", "", "passphrase to check instead of generating one")
	return cmd
}

func newCodeCommand() *cobra.Command {
	var length int
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Generate a short code to read out to the receiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := crypto.RandomCode(length)
			if err != nil {
				return fmt.Errorf("generate code: %w", err)
			}
			fmt.Println(code)
			return nil
		},
	}
	cmd.Flags().IntVar(&length, "length", crypto.DefaultCodeLength, "code length")
	return cmd
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Inspect partially transferred files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List resumable transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			printTransferStates(os.Stdout, a.resume.List())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "evict",
		Short: "Drop transfers older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			removed, err := a.resume.EvictExpired()
			if err != nil {
				return err
			}
			fmt.Printf("evicted %d transfer(s)\n", removed)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm TRANSFER_ID...",
		Short: "Forget resumable transfers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			for _, id := range args {
				if err := a.resume.Remove(id); err != nil {
					return err
				}
			}
			return nil
		},
	})

	return cmd
}

func printTransferStates(w io.Writer, states []models.TransferState) {
	if len(states) == 0 {
		fmt.Fprintln(w, "No resumable transfers.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDIRECTION\tFILE\tPROGRESS\tPEER\tUPDATED")
	for _, state := range states {
		percent := 0.0
		if state.FileSize > 0 {
			percent = float64(state.BytesTransferred) / float64(state.FileSize) * 100
		}
		file := state.FileName
		if state.Encrypted {
			file += " (encrypted)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d (%.0f%%)\t%s\t%s\n",
			state.TransferID,
			strings.ToUpper(string(state.Direction)),
			file,
			state.BytesTransferred,
			state.FileSize,
			percent,
			state.PeerID,
			time.UnixMilli(state.Timestamp).Format("2006-01-02 15:04"),
		)
	}
	tw.Flush()
}
