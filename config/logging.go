package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// ParseLogLevel maps a config string to a logrus level.
func ParseLogLevel(level string) (logrus.Level, error) {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return parsed, nil
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(out io.Writer, level string, json bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := ParseLogLevel(level)
	if err != nil {
		logger.WithError(err).Warn("using default log level")
	}
	logger.SetLevel(parsed)
	return logger
}

// Entry returns a logger entry tagged with the local device.
func (c *EngineConfig) Entry(logger *logrus.Logger) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"device_id":   c.DeviceID,
		"device_name": c.DisplayName,
	})
}
