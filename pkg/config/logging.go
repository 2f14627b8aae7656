package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// NewFormatter returns the logrus formatter for format. "color" forces ANSI
// colours even when stderr is not a terminal.
func NewFormatter(format string) (log.Formatter, error) {
	switch format {
	case "", "text":
		return &log.TextFormatter{FullTimestamp: true}, nil
	case "color":
		return &log.TextFormatter{FullTimestamp: true, ForceColors: true}, nil
	case "json":
		return &log.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// SetupLogging configures the standard logrus logger.
func SetupLogging(cfg LoggingConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	formatter, err := NewFormatter(cfg.Format)
	if err != nil {
		return err
	}

	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.SetFormatter(formatter)

	return nil
}
