package main

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"

	"github.com/srg/gattq/internal/logging"
	"github.com/srg/gattq/pkg/config"
)

// configureLogger creates the command logger writing to w at the configured level.
//
// With a positive cfg.LogHistory the logger itself runs at debug level: the history hook
// records everything while a writer hook keeps the terminal at the configured level.
func configureLogger(cfg *config.Config, w io.Writer) (*logrus.Logger, *logging.HistoryHook, error) {
	logger := cfg.NewLogger()
	logger.SetOutput(w)

	if cfg.LogHistory <= 0 {
		return logger, nil, nil
	}
	history, err := logging.NewHistoryHook(uint32(cfg.LogHistory), logrus.DebugLevel)
	if err != nil {
		return nil, nil, err
	}

	visible := logger.GetLevel()
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= visible {
			levels = append(levels, l)
		}
	}

	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	logger.AddHook(&writer.Hook{Writer: w, LogLevels: levels})
	logger.AddHook(history)
	return logger, history, nil
}
