// Package journal appends match and error records to JSON-lines files.
// Writes are queued and performed on a background goroutine so the scan path
// never waits on the filesystem.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxSize   = 10 * 1024 * 1024 // 10MB
	defaultQueueSize = 256
)

// Writer appends JSON records to one file, rotating it once it grows past maxSize.
type Writer struct {
	path    string
	maxSize int64
	logger  *zap.Logger

	queue   chan any
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex // Guards closed
	closed  bool
	file    *os.File
	dropped int64
}

// NewWriter creates a writer for path and starts its background loop.
// If maxSize is 0, it defaults to 10MB.
func NewWriter(path string, maxSize int64, logger *zap.Logger) (*Writer, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	w := &Writer{
		path:    path,
		maxSize: maxSize,
		logger:  logger,
		queue:   make(chan any, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Path returns the journal file path.
func (w *Writer) Path() string {
	return w.path
}

// Append queues a record. It never blocks: when the queue is full the record is dropped.
func (w *Writer) Append(rec any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	select {
	case w.queue <- rec:
	default:
		w.dropped++
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close flushes queued records and closes the file.
func (w *Writer) Close() error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	<-w.done
	return nil
}

func (w *Writer) loop() {
	defer close(w.done)
	defer func() {
		if w.file != nil {
			w.file.Close()
			w.file = nil
		}
	}()

	for rec := range w.queue {
		if err := w.write(rec); err != nil {
			// Journal failures are never surfaced to the scan path.
			w.logger.Debug("Journal write failed", zap.String("path", w.path), zap.Error(err))
		}
	}
}

// write serialises and appends one record. Only called from loop.
func (w *Writer) write(rec any) error {
	if err := w.maybeRotate(); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	if w.file == nil {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		w.file = f
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// maybeRotate renames the file with a timestamp suffix once it exceeds maxSize.
func (w *Writer) maybeRotate() error {
	info, err := os.Stat(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < w.maxSize {
		return nil
	}

	if w.file != nil {
		w.file.Close()
		w.file = nil
	}

	rotated := w.path + "." + time.Now().Format("2006-01-02-150405.000")
	return os.Rename(w.path, rotated)
}
