// Package quarantine tracks per-pattern scan outcomes and disables patterns
// that keep failing.
package quarantine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"promptpilot/internal/detect"
)

const (
	DefaultErrorThreshold = 10
	DefaultRecentErrors   = 50
)

// Metrics holds the counters of one pattern.
type Metrics struct {
	Matches       int64         `json:"matches"`
	Errors        int64         `json:"errors"`
	Evaluations   int64         `json:"evaluations"`
	TotalDuration time.Duration `json:"totalDuration"`
}

// AverageDuration returns the mean evaluation time.
func (m Metrics) AverageDuration() time.Duration {
	if m.Evaluations == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Evaluations)
}

// ErrorRecord is one recorded pattern failure.
type ErrorRecord struct {
	PatternID string    `json:"patternId"`
	Error     string    `json:"error"`
	Time      time.Time `json:"timestamp"`
	Content   string    `json:"content"` // Truncated buffer excerpt
}

// QuarantineError describes a pattern that was disabled for failing too often.
type QuarantineError struct {
	PatternID string
	Errors    int64
	Threshold int
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("pattern %q disabled after %d errors (threshold %d)", e.PatternID, e.Errors, e.Threshold)
}

// Report is a snapshot of the tracker state.
type Report struct {
	RecentErrors     []ErrorRecord      `json:"recentErrors"`
	Metrics          map[string]Metrics `json:"metrics"`
	DisabledPatterns []string           `json:"disabledPatterns"`
}

// ErrorSink persists error records. Implementations must not block.
type ErrorSink interface {
	RecordError(rec ErrorRecord)
}

// Config controls quarantine behaviour.
type Config struct {
	ErrorThreshold int // Errors before a pattern is disabled
	RecentErrors   int // Size of the recent-errors ring
}

// Tracker owns pattern metrics and the disabled set.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	metrics  map[string]*Metrics
	disabled map[string]bool
	recent   []ErrorRecord
	next     int // Ring write position once recent is full

	sink         ErrorSink
	logger       *zap.Logger
	onQuarantine func(*QuarantineError)
	prom         *promMetrics
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorSink journals every recorded error.
func WithErrorSink(s ErrorSink) Option {
	return func(t *Tracker) {
		t.sink = s
	}
}

// WithQuarantineHook is called (outside the lock) when a pattern gets disabled.
func WithQuarantineHook(fn func(*QuarantineError)) Option {
	return func(t *Tracker) {
		t.onQuarantine = fn
	}
}

// WithRegisterer exports tracker counters to a prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracker) {
		if reg != nil {
			t.prom = newPromMetrics(reg)
		}
	}
}

// New creates a Tracker. Zero config values fall back to defaults.
func New(cfg Config, opts ...Option) *Tracker {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	if cfg.RecentErrors <= 0 {
		cfg.RecentErrors = DefaultRecentErrors
	}
	t := &Tracker{
		cfg:      cfg,
		metrics:  make(map[string]*Metrics),
		disabled: make(map[string]bool),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Observe folds the outcomes of one scan into the metrics and returns the
// patterns that crossed the error threshold during this call.
func (t *Tracker) Observe(outcomes []detect.Outcome) []*QuarantineError {
	var tripped []*QuarantineError
	var records []ErrorRecord

	t.mu.Lock()
	for _, o := range outcomes {
		m := t.metricsFor(o.PatternID)
		m.Evaluations++
		m.TotalDuration += o.Duration
		if t.prom != nil {
			t.prom.duration.WithLabelValues(o.PatternID).Observe(o.Duration.Seconds())
		}
		if o.Matched && o.Err == nil {
			m.Matches++
			if t.prom != nil {
				t.prom.matches.WithLabelValues(o.PatternID).Inc()
			}
		}
		if o.Err == nil {
			continue
		}

		m.Errors++
		if t.prom != nil {
			t.prom.errors.WithLabelValues(o.PatternID).Inc()
		}
		rec := ErrorRecord{
			PatternID: o.PatternID,
			Error:     o.Err.Err.Error(),
			Time:      o.Err.Time,
			Content:   o.Err.Excerpt,
		}
		t.pushRecent(rec)
		records = append(records, rec)

		if !t.disabled[o.PatternID] && m.Errors >= int64(t.cfg.ErrorThreshold) {
			t.disabled[o.PatternID] = true
			tripped = append(tripped, &QuarantineError{
				PatternID: o.PatternID,
				Errors:    m.Errors,
				Threshold: t.cfg.ErrorThreshold,
			})
		}
	}
	if t.prom != nil {
		t.prom.disabled.Set(float64(len(t.disabled)))
	}
	t.mu.Unlock()

	for _, rec := range records {
		if t.sink != nil {
			t.sink.RecordError(rec)
		}
	}
	for _, q := range tripped {
		t.logger.Warn("Pattern quarantined",
			zap.String("pattern", q.PatternID),
			zap.Int64("errors", q.Errors))
		if t.onQuarantine != nil {
			t.onQuarantine(q)
		}
	}
	return tripped
}

// Disabled returns a copy of the disabled set.
func (t *Tracker) Disabled() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]bool, len(t.disabled))
	for id := range t.disabled {
		out[id] = true
	}
	return out
}

// IsDisabled reports whether a pattern is quarantined.
func (t *Tracker) IsDisabled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disabled[id]
}

// Enable lifts the quarantine of a pattern and clears its error count.
func (t *Tracker) Enable(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.disabled, id)
	if m, ok := t.metrics[id]; ok {
		m.Errors = 0
	}
	if t.prom != nil {
		t.prom.disabled.Set(float64(len(t.disabled)))
	}
}

// Reset clears all metrics, errors and quarantines.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics = make(map[string]*Metrics)
	t.disabled = make(map[string]bool)
	t.recent = nil
	t.next = 0
	if t.prom != nil {
		t.prom.disabled.Set(0)
	}
}

// Report returns a snapshot with recent errors oldest first.
func (t *Tracker) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Report{
		Metrics:          make(map[string]Metrics, len(t.metrics)),
		DisabledPatterns: make([]string, 0, len(t.disabled)),
	}
	for id, m := range t.metrics {
		r.Metrics[id] = *m
	}
	for id := range t.disabled {
		r.DisabledPatterns = append(r.DisabledPatterns, id)
	}
	sort.Strings(r.DisabledPatterns)

	r.RecentErrors = make([]ErrorRecord, 0, len(t.recent))
	if len(t.recent) < t.cfg.RecentErrors {
		r.RecentErrors = append(r.RecentErrors, t.recent...)
	} else {
		r.RecentErrors = append(r.RecentErrors, t.recent[t.next:]...)
		r.RecentErrors = append(r.RecentErrors, t.recent[:t.next]...)
	}
	return r
}

// metricsFor returns the counters for id, creating them on first use.
// Must be called with t.mu held.
func (t *Tracker) metricsFor(id string) *Metrics {
	m, ok := t.metrics[id]
	if !ok {
		m = &Metrics{}
		t.metrics[id] = m
	}
	return m
}

// pushRecent appends to the bounded ring. Must be called with t.mu held.
func (t *Tracker) pushRecent(rec ErrorRecord) {
	if len(t.recent) < t.cfg.RecentErrors {
		t.recent = append(t.recent, rec)
		return
	}
	t.recent[t.next] = rec
	t.next = (t.next + 1) % t.cfg.RecentErrors
}
