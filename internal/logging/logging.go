// Package logging builds the process logger. While a program is wrapped the
// terminal belongs to it, so logs default to a dated file in the log directory.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	filePrefix  = "promptpilot-"
	fileSuffix  = ".log"
	currentLink = "promptpilot.log"
	dateLayout  = "2006-01-02"
)

// Options selects where and how verbosely to log.
type Options struct {
	Dir    string // Log directory for dated files
	Level  string // debug | info | warn | error
	Stderr bool   // Log to stderr instead of files
}

// New builds a logger. The returned close function flushes and releases the log file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	if opts.Stderr {
		cfg := zap.NewProductionConfig()
		if level == zapcore.DebugLevel {
			cfg = zap.NewDevelopmentConfig()
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
		logger, err := cfg.Build()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create logger: %w", err)
		}
		return logger, func() error { logger.Sync(); return nil }, nil
	}

	ws, err := NewDailyFile(opts.Dir)
	if err != nil {
		return nil, nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, level)
	logger := zap.New(core, zap.AddCaller())

	return logger, func() error {
		logger.Sync()
		return ws.Close()
	}, nil
}

// ParseLevel maps a config level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// DailyFile is a zapcore.WriteSyncer writing to <dir>/promptpilot-YYYY-MM-DD.log,
// switching files when the date changes.
type DailyFile struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	currentDate string
	now         func() time.Time
}

// NewDailyFile creates the log directory and opens today's file.
func NewDailyFile(dir string) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	d := &DailyFile{dir: dir, now: time.Now}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.openLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

// openLocked opens or rotates the log file based on date.
func (d *DailyFile) openLocked() error {
	today := d.now().Format(dateLayout)
	if d.file != nil && d.currentDate == today {
		return nil
	}

	if d.file != nil {
		d.file.Close()
	}

	path := filepath.Join(d.dir, filePrefix+today+fileSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.file = f
	d.currentDate = today

	// Point promptpilot.log at the current file.
	link := filepath.Join(d.dir, currentLink)
	os.Remove(link)
	os.Symlink(filepath.Base(path), link)

	return nil
}

// Write implements io.Writer.
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.openLocked(); err != nil {
		return 0, err
	}
	return d.file.Write(p)
}

// Sync implements zapcore.WriteSyncer.
func (d *DailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	return d.file.Sync()
}

// Path returns the file currently written to.
func (d *DailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file != nil {
		return d.file.Name()
	}
	return filepath.Join(d.dir, currentLink)
}

// Close closes the current file.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		return err
	}
	return nil
}
