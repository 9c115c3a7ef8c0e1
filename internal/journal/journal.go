package journal

import (
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"promptpilot/internal/detect"
	"promptpilot/internal/quarantine"
)

// MatchRecord is the persisted shape of a returned match.
type MatchRecord struct {
	Time               time.Time         `json:"timestamp"`
	PatternID          string            `json:"patternId"`
	MatchedText        string            `json:"matchedText"`
	FullMatchedContent string            `json:"fullMatchedContent"`
	FirstLineNumber    int               `json:"firstLineNumber"`
	LastLineNumber     int               `json:"lastLineNumber"`
	ExtractedData      map[string]string `json:"extractedData,omitempty"`
}

// unsafeName matches characters that do not belong in a file name.
var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// MatchLog keeps one journal file per pattern under <dir>/matches.
type MatchLog struct {
	dir     string
	maxSize int64
	logger  *zap.Logger

	mu      sync.Mutex
	writers map[string]*Writer
	closed  bool
}

// NewMatchLog creates a per-pattern match journal rooted at dir.
func NewMatchLog(dir string, maxSize int64, logger *zap.Logger) *MatchLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatchLog{
		dir:     filepath.Join(dir, "matches"),
		maxSize: maxSize,
		logger:  logger,
		writers: make(map[string]*Writer),
	}
}

// PathFor returns the journal file used for a pattern id.
func (l *MatchLog) PathFor(patternID string) string {
	name := unsafeName.ReplaceAllString(patternID, "_")
	if name == "" {
		name = "_"
	}
	return filepath.Join(l.dir, name+".jsonl")
}

// RecordMatch implements detect.MatchRecorder.
func (l *MatchLog) RecordMatch(m detect.MatchResult) {
	w := l.writerFor(m.PatternID)
	if w == nil {
		return
	}
	w.Append(MatchRecord{
		Time:               m.Time,
		PatternID:          m.PatternID,
		MatchedText:        m.MatchedText,
		FullMatchedContent: m.FullMatchedContent,
		FirstLineNumber:    m.FirstLineNumber,
		LastLineNumber:     m.LastLineNumber,
		ExtractedData:      m.ExtractedData,
	})
}

func (l *MatchLog) writerFor(id string) *Writer {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	if w, ok := l.writers[id]; ok {
		return w
	}
	w, err := NewWriter(l.PathFor(id), l.maxSize, l.logger)
	if err != nil {
		l.logger.Debug("Match journal unavailable", zap.String("pattern", id), zap.Error(err))
		return nil
	}
	l.writers[id] = w
	return w
}

// Close flushes and closes every pattern journal.
func (l *MatchLog) Close() error {
	l.mu.Lock()
	writers := l.writers
	l.writers = make(map[string]*Writer)
	l.closed = true
	l.mu.Unlock()

	for _, w := range writers {
		w.Close()
	}
	return nil
}

// ErrorLog appends pattern failures to <dir>/errors.jsonl.
type ErrorLog struct {
	w *Writer
}

// NewErrorLog opens the error journal in dir.
func NewErrorLog(dir string, maxSize int64, logger *zap.Logger) (*ErrorLog, error) {
	w, err := NewWriter(filepath.Join(dir, "errors.jsonl"), maxSize, logger)
	if err != nil {
		return nil, err
	}
	return &ErrorLog{w: w}, nil
}

// RecordError implements quarantine.ErrorSink.
func (l *ErrorLog) RecordError(rec quarantine.ErrorRecord) {
	l.w.Append(rec)
}

// Path returns the error journal file path.
func (l *ErrorLog) Path() string {
	return l.w.Path()
}

// Close flushes and closes the error journal.
func (l *ErrorLog) Close() error {
	return l.w.Close()
}
