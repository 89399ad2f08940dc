package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filedrop/config"
	"filedrop/resume"
	"filedrop/storage"
)

// passphraseEnv supplies a passphrase without putting it on the command line.
const passphraseEnv = "FILEDROP_PASSPHRASE"

var (
	logLevelOverride string
	jsonLogs         bool
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "filedrop",
		Short:        "Send files straight to a peer with pause, resume and passphrase encryption",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON log lines")

	root.AddCommand(
		newSendCommand(),
		newReceiveCommand(),
		newMessageCommand(),
		newPeersCommand(),
		newHashCommand(),
		newPassphraseCommand(),
		newCodeCommand(),
		newResumeCommand(),
	)
	return root
}

// app holds the services every command shares.
type app struct {
	cfg     *config.EngineConfig
	cfgPath string
	logger  *logrus.Entry
	db      *storage.Store
	resume  *resume.Store
}

func openApp() (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	logger := cfg.Entry(config.NewLogger(os.Stderr, level, jsonLogs))

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := storage.OpenWithOptions(cfg.DatabasePath, storage.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := resume.New(resume.Options{
		Backend:   db,
		Retention: time.Duration(cfg.ResumeRetentionHours) * time.Hour,
		Logger:    logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open resume store: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"config":   cfgPath,
		"database": cfg.DatabasePath,
	}).Debug("startup complete")

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		db:      db,
		resume:  store,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Warn("database close error")
	}
}
