package dispatch

import (
	"sync"
	"time"

	"promptpilot/internal/detect"
)

// DefaultDebounceKey is used when neither a key nor a kind is given.
const DefaultDebounceKey = "default"

// DebounceConfig maps pattern kinds to trailing delays.
type DebounceConfig struct {
	Delays  map[detect.Kind]time.Duration
	Default time.Duration
}

// DefaultDebounceConfig returns the stock delays: completions settle faster than prompts.
func DefaultDebounceConfig() DebounceConfig {
	return DebounceConfig{
		Delays: map[detect.Kind]time.Duration{
			detect.KindCompletion:   50 * time.Millisecond,
			detect.KindPrompt:       150 * time.Millisecond,
			detect.KindConfirmation: 150 * time.Millisecond,
		},
		Default: 100 * time.Millisecond,
	}
}

// Delay returns the delay for kind, falling back to Default.
func (c DebounceConfig) Delay(kind detect.Kind) time.Duration {
	if d, ok := c.Delays[kind]; ok {
		return d
	}
	return c.Default
}

// Debouncer coalesces bursts of calls sharing a key into one trailing call.
type Debouncer struct {
	mu      sync.Mutex
	timers  map[string]debounceEntry
	seq     uint64
	stopped bool
}

type debounceEntry struct {
	timer *time.Timer
	seq   uint64
}

// NewDebouncer creates an idle debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{timers: make(map[string]debounceEntry)}
}

// Trigger schedules fn after delay. A pending call with the same key is
// cancelled and its timer restarted.
func (d *Debouncer) Trigger(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if e, ok := d.timers[key]; ok {
		e.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timers[key] = debounceEntry{
		timer: time.AfterFunc(delay, func() { d.fire(key, seq, fn) }),
		seq:   seq,
	}
}

func (d *Debouncer) fire(key string, seq uint64, fn func()) {
	d.mu.Lock()
	e, ok := d.timers[key]
	if !ok || e.seq != seq || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.mu.Unlock()

	fn()
}

// Cancel drops the pending call for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.timers[key]; ok {
		e.timer.Stop()
		delete(d.timers, key)
	}
}

// Pending returns the number of scheduled calls.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels every pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, e := range d.timers {
		e.timer.Stop()
		delete(d.timers, key)
	}
}
