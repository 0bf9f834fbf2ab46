// Package lpjslog provides dated log files and the slog setup shared by
// the LPJS daemons. Log files are named YYYYMMDD and stored in the
// configured directory; the file rotates when the local date changes.
package lpjslog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dateLayout = "20060102"

// DatedLog writes to YYYYMMDD-named files in a directory, rotating daily.
type DatedLog struct {
	dir     string
	mu      sync.Mutex
	curDate string
	file    *os.File
	now     func() time.Time
}

// New creates a DatedLog that writes into dir using YYYYMMDD filenames.
// The directory is created if it does not exist.
func New(dir string) (*DatedLog, error) {
	return newWithClock(dir, time.Now)
}

func newWithClock(dir string, now func() time.Time) (*DatedLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("lpjslog: mkdir %s: %w", dir, err)
	}
	dl := &DatedLog{dir: dir, now: now}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if err := dl.rotateLocked(now().Format(dateLayout)); err != nil {
		return nil, err
	}
	return dl, nil
}

// Write implements io.Writer; it checks the date on each write and
// rotates the file if the day has changed.
func (dl *DatedLog) Write(p []byte) (int, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	today := dl.now().Format(dateLayout)
	if today != dl.curDate {
		if err := dl.rotateLocked(today); err != nil {
			return 0, err
		}
	}
	return dl.file.Write(p)
}

// Path returns the path of the file currently written to.
func (dl *DatedLog) Path() string {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return filepath.Join(dl.dir, dl.curDate)
}

// Close closes the current log file.
func (dl *DatedLog) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.file != nil {
		err := dl.file.Close()
		dl.file = nil
		return err
	}
	return nil
}

func (dl *DatedLog) rotateLocked(date string) error {
	if dl.file != nil {
		dl.file.Close()
	}
	path := filepath.Join(dl.dir, date)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("lpjslog: open %s: %w", path, err)
	}
	dl.file = f
	dl.curDate = date
	return nil
}

// Setup builds the process logger. With a non-empty logDir output goes to
// YYYYMMDD files there, and additionally to stderr when debug is set.
// Without a logDir everything goes to stderr. The returned logger is also
// installed as the slog default. The DatedLog, when non-nil, should be
// closed on shutdown.
func Setup(logDir string, debug bool) (*slog.Logger, *DatedLog, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var (
		w  io.Writer = os.Stderr
		dl *DatedLog
	)
	if logDir != "" {
		var err error
		dl, err = New(logDir)
		if err != nil {
			return nil, nil, err
		}
		if debug {
			w = io.MultiWriter(os.Stderr, dl)
		} else {
			w = dl
		}
	}

	logger := NewLogger(w, level)
	slog.SetDefault(logger)
	return logger, dl, nil
}

// NewLogger creates a text slog logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard returns a logger that drops every record. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
