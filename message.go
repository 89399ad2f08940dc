package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"filedrop/crypto"
	"filedrop/network"
)

func newMessageCommand() *cobra.Command {
	var (
		flags     sendFlags
		clipboard bool
	)
	cmd := &cobra.Command{
		Use:   "message TEXT...",
		Short: "Send a chat line or clipboard content to a receiver",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			text := strings.Join(args, " ")
			var msg network.Message = network.Clipboard{Content: text}
			if !clipboard {
				chat := network.Chat{Text: text}
				passphrase := flags.passphrase
				if passphrase == "" {
					passphrase = os.Getenv(passphraseEnv)
				}
				if passphrase != "" {
					sealed, err := crypto.EncryptText(text, passphrase)
					if err != nil {
						return err
					}
					chat = network.Chat{Text: sealed, IsEncrypted: true}
				}
				msg = chat
			}

			_, dial, err := resolveTarget(cmd.Context(), a, flags)
			if err != nil {
				return err
			}
			ch, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			defer ch.Close()
			return ch.Send(cmd.Context(), msg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.to, "to", "", "receiver address as host:port")
	f.StringVar(&flags.peer, "peer", "", "receiver device id or name advertised over mDNS")
	f.StringVar(&flags.wsURL, "ws", "", "receiver websocket URL")
	f.StringVar(&flags.passphrase, "passphrase", "", "encrypt the chat line (default $"+passphraseEnv+")")
	f.BoolVar(&clipboard, "clipboard", false, "send as clipboard content instead of chat")
	return cmd
}

func newHashCommand() *cobra.Command {
	var (
		file   bool
		verify string
	)
	cmd := &cobra.Command{
		Use:   "hash TEXT|PATH",
		Short: "Print the SHA-256 digest of text or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("read %q: %w", args[0], err)
				}
				digest := crypto.HashBytes(data)
				fmt.Println(digest)
				fmt.Println(crypto.FormatFingerprint(digest[:32]))
				return nil
			}

			if cmd.Flags().Changed("verify") {
				if !crypto.Verify(args[0], verify) {
					return fmt.Errorf("digest mismatch")
				}
				fmt.Println("digest matches")
				return nil
			}
			fmt.Println(crypto.Hash(args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&file, "file", false, "hash the file at PATH")
	cmd.Flags().StringVar(&verify, "verify", "", "digest to compare the text against")
	return cmd
}

// chatText opens encrypted chat lines when a passphrase is available.
func chatText(m network.Chat, passphrase string) string {
	if !m.IsEncrypted {
		return m.Text
	}
	if passphrase == "" {
		return "(encrypted message)"
	}
	plain, err := crypto.DecryptText(m.Text, passphrase)
	if err != nil {
		return "(encrypted message, wrong passphrase)"
	}
	return plain
}
