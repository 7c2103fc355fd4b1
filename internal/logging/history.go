// Package logging provides logrus extensions shared by the library and the CLI.
package logging

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// MaxHistorySize guards against accidental misconfiguration
const MaxHistorySize uint32 = 64 * 1024

// HistoryHook is a logrus hook keeping the most recent formatted entries in an
// overwrite-oldest ring buffer, so a failing command can dump what led up to it
// without running at debug level on the terminal.
//
// All methods are thread-safe.
type HistoryHook struct {
	formatter   logrus.Formatter
	levels      []logrus.Level
	buffer      mpmc.RichOverlappedRingBuffer[string]
	written     int64
	overwritten int64
}

// NewHistoryHook creates a hook retaining about size entries at level or above.
func NewHistoryHook(size uint32, level logrus.Level) (*HistoryHook, error) {
	if size == 0 {
		return nil, fmt.Errorf("history size must be > 0")
	}
	if size > MaxHistorySize {
		return nil, fmt.Errorf("history size %d exceeds maximum %d", size, MaxHistorySize)
	}

	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}

	return &HistoryHook{
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		},
		levels: levels,
		buffer: mpmc.NewOverlappedRingBuffer[string](size),
	}, nil
}

func (h *HistoryHook) Levels() []logrus.Level {
	return h.levels
}

func (h *HistoryHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	overwrites, err := h.buffer.EnqueueM(string(line))
	if err != nil {
		return fmt.Errorf("log history enqueue failed: %w", err)
	}
	atomic.AddInt64(&h.written, 1)
	atomic.AddInt64(&h.overwritten, int64(overwrites))
	return nil
}

// Drain removes and returns the retained entries, oldest first.
func (h *HistoryHook) Drain() []string {
	var lines []string
	for !h.buffer.IsEmpty() {
		line, err := h.buffer.Dequeue()
		if err != nil {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

// Dump drains the retained entries into w.
func (h *HistoryHook) Dump(w io.Writer) error {
	for _, line := range h.Drain() {
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

// Written returns how many entries were recorded since creation
func (h *HistoryHook) Written() int64 {
	return atomic.LoadInt64(&h.written)
}

// Overwritten returns how many entries were dropped because the buffer was full
func (h *HistoryHook) Overwritten() int64 {
	return atomic.LoadInt64(&h.overwritten)
}
