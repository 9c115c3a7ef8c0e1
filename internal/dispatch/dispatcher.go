// Package dispatch runs pattern scans off the caller's hot path.
//
// In concurrent mode a single execution unit goroutine owns its own registry
// and talks to the Dispatcher only through messages. The Dispatcher correlates
// replies by request id, feeds outcomes to the quarantine tracker and restarts
// the unit when it crashes, up to a bounded budget.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"promptpilot/internal/detect"
	"promptpilot/internal/quarantine"
)

// Mode selects where scans run.
type Mode string

const (
	ModeSync       Mode = "sync"       // Scan on the caller's goroutine
	ModeConcurrent Mode = "concurrent" // Scan in a supervised execution unit
)

// ParseMode validates a mode name from configuration.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSync, ModeConcurrent:
		return m, nil
	case "":
		return ModeConcurrent, nil
	default:
		return "", fmt.Errorf("unknown dispatch mode %q (valid: sync, concurrent)", s)
	}
}

// State is the lifecycle state of the execution unit.
type State int

const (
	StateStarting State = iota
	StateReady
	StateMatching
	StateRestarting
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateMatching:
		return "matching"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultMaxRestarts = 3
	queueSize          = 64
)

var (
	// ErrUnitFailed rejects requests that were pending when the unit crashed.
	ErrUnitFailed = errors.New("execution unit failed")
	// ErrDispatchFailed is returned once the restart budget is exhausted.
	ErrDispatchFailed = errors.New("dispatch failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// DispatchFailure is delivered to OnFatal subscribers when the unit cannot be kept alive.
type DispatchFailure struct {
	Restarts int
	Cause    error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch failed after %d restarts: %v", e.Restarts, e.Cause)
}

func (e *DispatchFailure) Unwrap() []error {
	return []error{ErrDispatchFailed, e.Cause}
}

// Config controls the dispatcher.
type Config struct {
	Mode           Mode
	MaxRestarts    int
	RequestTimeout time.Duration // 0 waits until the caller's context ends
	ExcerptBytes   int
	Debounce       DebounceConfig
	Quarantine     quarantine.Config
}

// DefaultConfig returns a concurrent dispatcher with stock limits.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeConcurrent,
		MaxRestarts:  DefaultMaxRestarts,
		ExcerptBytes: detect.DefaultExcerptBytes,
		Debounce:     DefaultDebounceConfig(),
		Quarantine: quarantine.Config{
			ErrorThreshold: quarantine.DefaultErrorThreshold,
			RecentErrors:   quarantine.DefaultRecentErrors,
		},
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTracker shares an existing quarantine tracker.
func WithTracker(t *quarantine.Tracker) Option {
	return func(d *Dispatcher) {
		d.tracker = t
	}
}

// WithMatchRecorder journals every returned match.
func WithMatchRecorder(rec detect.MatchRecorder) Option {
	return func(d *Dispatcher) {
		d.recorder = rec
	}
}

// WithUnit replaces the standard execution unit.
func WithUnit(u UnitFunc) Option {
	return func(d *Dispatcher) {
		d.unit = u
	}
}

type scanReply struct {
	matches []detect.MatchResult
	err     error
}

type pendingReq struct {
	reply chan scanReply
	gen   *generation
}

// generation is one run of the execution unit.
type generation struct {
	in     chan Message
	out    chan Message
	done   chan struct{} // Closed once the unit returned
	cancel context.CancelFunc
	err    error // Set before done is closed
}

// Dispatcher is the caller-side proxy for pattern scanning.
type Dispatcher struct {
	cfg       Config
	logger    *zap.Logger
	tracker   *quarantine.Tracker
	recorder  detect.MatchRecorder
	unit      UnitFunc
	regOpts   []detect.Option
	debouncer *Debouncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	patterns  []detect.Pattern
	registry  *detect.Registry // Sync mode only
	current   *generation
	pending   map[string]*pendingReq
	restarts  int
	lastErr   error
	onMatches []func([]detect.MatchResult)
	onFatal   []func(error)
}

// New validates patterns and starts a dispatcher. In concurrent mode the
// execution unit is started immediately and initialised with the full set.
func New(cfg Config, patterns []detect.Pattern, opts ...Option) (*Dispatcher, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.Debounce.Delays == nil && cfg.Debounce.Default == 0 {
		cfg.Debounce = DefaultDebounceConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		logger:    zap.NewNop(),
		debouncer: NewDebouncer(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*pendingReq),
	}
	for _, o := range opts {
		o(d)
	}
	if d.tracker == nil {
		d.tracker = quarantine.New(cfg.Quarantine, quarantine.WithLogger(d.logger.Named("quarantine")))
	}

	seen := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		if err := p.Validate(); err != nil {
			cancel()
			return nil, err
		}
		if seen[p.ID] {
			cancel()
			return nil, &detect.ConstructionError{PatternID: p.ID, Message: "already registered"}
		}
		seen[p.ID] = true
	}
	d.patterns = append([]detect.Pattern(nil), patterns...)

	d.regOpts = []detect.Option{
		detect.WithLogger(d.logger.Named("registry")),
		detect.WithExcerptBytes(cfg.ExcerptBytes),
	}
	if d.recorder != nil {
		d.regOpts = append(d.regOpts, detect.WithMatchRecorder(d.recorder))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg.Mode == ModeSync {
		d.registry = d.buildRegistryLocked()
		d.state = StateReady
		return d, nil
	}

	if d.unit == nil {
		d.unit = NewUnit(d.regOpts...)
	}
	d.state = StateStarting
	d.startLocked()
	return d, nil
}

// Mode returns the dispatch mode.
func (d *Dispatcher) Mode() Mode {
	return d.cfg.Mode
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Patterns returns the registered patterns.
func (d *Dispatcher) Patterns() []detect.Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]detect.Pattern(nil), d.patterns...)
}

// Register adds a pattern. Invalid or duplicate patterns fail with a *detect.ConstructionError.
func (d *Dispatcher) Register(p detect.Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return ErrClosed
	}
	for _, existing := range d.patterns {
		if existing.ID == p.ID {
			d.mu.Unlock()
			return &detect.ConstructionError{PatternID: p.ID, Message: "already registered"}
		}
	}
	d.patterns = append(d.patterns, p)

	if d.registry != nil {
		defer d.mu.Unlock()
		return d.registry.Register(p)
	}
	gen := d.current
	d.mu.Unlock()

	d.deliver(gen, RegisterMsg{Pattern: p})
	return nil
}

// Unregister removes a pattern. Unknown ids are ignored.
func (d *Dispatcher) Unregister(id string) {
	d.mu.Lock()
	for i, p := range d.patterns {
		if p.ID == id {
			d.patterns = append(d.patterns[:i], d.patterns[i+1:]...)
			break
		}
	}
	if d.registry != nil {
		d.registry.Unregister(id)
		d.mu.Unlock()
		return
	}
	gen := d.current
	d.mu.Unlock()

	d.deliver(gen, UnregisterMsg{PatternID: id})
}

// Scan returns the selected match for buffer, or nil.
func (d *Dispatcher) Scan(buffer string) (*detect.MatchResult, error) {
	matches, err := d.ScanAsync(context.Background(), buffer, detect.KindNone)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return &matches[0], nil
}

// ScanAsync scans buffer, optionally restricted to one pattern kind.
// It returns at most one match.
func (d *Dispatcher) ScanAsync(ctx context.Context, buffer string, kind detect.Kind) ([]detect.MatchResult, error) {
	if d.cfg.Mode == ModeSync {
		return d.scanSync(buffer, kind)
	}

	d.mu.Lock()
	switch d.state {
	case StateStopped:
		d.mu.Unlock()
		return nil, ErrClosed
	case StateFailed:
		err := &DispatchFailure{Restarts: d.restarts, Cause: d.lastErr}
		d.mu.Unlock()
		return nil, err
	}
	gen := d.current
	id := uuid.NewString()
	req := &pendingReq{reply: make(chan scanReply, 1), gen: gen}
	d.pending[id] = req
	if d.state == StateReady {
		d.state = StateMatching
	}
	d.mu.Unlock()

	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}

	msg := ScanMsg{
		ID:     id,
		Buffer: buffer,
		Kind:   kind,
		Skip:   d.tracker.Disabled(),
		Time:   time.Now(),
	}
	select {
	case gen.in <- msg:
	case <-gen.done:
		// The exit handler rejects the request.
	case <-ctx.Done():
		d.abandon(id)
		return nil, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.matches, rep.err
	case <-ctx.Done():
		d.abandon(id)
		return nil, ctx.Err()
	}
}

// ScanDebounced schedules a trailing scan. Calls sharing a key within the
// kind's delay collapse into one; matches are delivered to OnMatches subscribers.
// An empty key is derived from kind.
func (d *Dispatcher) ScanDebounced(buffer string, kind detect.Kind, key string) {
	if key == "" {
		key = string(kind)
		if key == "" {
			key = DefaultDebounceKey
		}
	}
	d.debouncer.Trigger(key, d.cfg.Debounce.Delay(kind), func() {
		matches, err := d.ScanAsync(d.ctx, buffer, kind)
		if err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				d.logger.Debug("Debounced scan failed", zap.String("key", key), zap.Error(err))
			}
			return
		}
		if len(matches) > 0 {
			d.emitMatches(matches)
		}
	})
}

// OnMatches subscribes to matches found by debounced scans.
func (d *Dispatcher) OnMatches(fn func([]detect.MatchResult)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMatches = append(d.onMatches, fn)
}

// OnFatal subscribes to the terminal failure raised when the restart budget runs out.
func (d *Dispatcher) OnFatal(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFatal = append(d.onFatal, fn)
}

// ErrorReport returns recent errors, metrics and disabled patterns.
func (d *Dispatcher) ErrorReport() quarantine.Report {
	return d.tracker.Report()
}

// EnablePattern lifts the quarantine of a pattern.
func (d *Dispatcher) EnablePattern(id string) {
	d.tracker.Enable(id)
}

// Reinitialize starts a fresh execution unit with the current pattern set and a
// full restart budget. It is the way out of StateFailed.
func (d *Dispatcher) Reinitialize() error {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return ErrClosed
	}
	d.rejectLocked(nil, fmt.Errorf("%w: reinitialized", ErrUnitFailed))
	d.restarts = 0
	d.lastErr = nil

	if d.cfg.Mode == ModeSync {
		d.registry = d.buildRegistryLocked()
		d.state = StateReady
		d.mu.Unlock()
		return nil
	}

	old := d.current
	d.state = StateStarting
	d.startLocked()
	d.mu.Unlock()

	if old != nil {
		old.cancel()
	}
	d.logger.Info("Execution unit reinitialized")
	return nil
}

// Close cancels pending debounce timers, stops the unit and fails every
// in-flight request with ErrClosed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopped
	d.rejectLocked(nil, ErrClosed)
	gen := d.current
	d.mu.Unlock()

	d.debouncer.Stop()
	if gen != nil {
		select {
		case gen.in <- StopMsg{}:
		default:
		}
	}
	d.cancel()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) scanSync(buffer string, kind detect.Kind) ([]detect.MatchResult, error) {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	reg := d.registry
	d.mu.Unlock()

	eval := reg.Evaluate(buffer, detect.ScanOptions{Kind: kind, Skip: d.tracker.Disabled()})
	d.tracker.Observe(eval.Outcomes)
	if eval.Match == nil {
		return nil, nil
	}
	return []detect.MatchResult{*eval.Match}, nil
}

// buildRegistryLocked creates a registry holding the current patterns.
func (d *Dispatcher) buildRegistryLocked() *detect.Registry {
	reg := detect.NewRegistry(d.regOpts...)
	for _, p := range d.patterns {
		if err := reg.Register(p); err != nil {
			d.logger.Warn("Skipping pattern", zap.String("pattern", p.ID), zap.Error(err))
		}
	}
	return reg
}

// startLocked launches a new generation of the execution unit.
func (d *Dispatcher) startLocked() {
	ctx, cancel := context.WithCancel(d.ctx)
	gen := &generation{
		in:     make(chan Message, queueSize),
		out:    make(chan Message, queueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	gen.in <- InitMsg{Patterns: append([]detect.Pattern(nil), d.patterns...)}
	d.current = gen

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		gen.err = runGuarded(ctx, d.unit, gen.in, gen.out)
		close(gen.done)
	}()
	go d.read(gen)
}

// read consumes unit replies until the unit returns.
func (d *Dispatcher) read(gen *generation) {
	defer d.wg.Done()
	defer gen.cancel()

	for {
		select {
		case msg := <-gen.out:
			d.handle(gen, msg)
		case <-gen.done:
			for {
				select {
				case msg := <-gen.out:
					d.handle(gen, msg)
				default:
					d.exited(gen, gen.err)
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(gen *generation, msg Message) {
	switch m := msg.(type) {
	case ReadyMsg:
		d.mu.Lock()
		if d.current != gen || d.state == StateStopped || d.state == StateFailed {
			d.mu.Unlock()
			return
		}
		restarted := d.state == StateRestarting
		d.state = StateReady
		if d.hasPendingLocked(gen) {
			d.state = StateMatching
		}
		d.restarts = 0
		d.mu.Unlock()
		d.logger.Info("Execution unit ready",
			zap.Int("patterns", m.Patterns), zap.Bool("restarted", restarted))

	case ResultMsg:
		d.tracker.Observe(m.Outcomes)
		if m.Error != "" {
			d.logger.Debug("Scan had pattern failures", zap.String("id", m.ID), zap.String("error", m.Error))
		}
		d.resolve(m.ID, scanReply{matches: m.Matches})

	case ErrorMsg:
		if m.ID != "" {
			d.resolve(m.ID, scanReply{err: fmt.Errorf("%w: %s", ErrUnitFailed, m.Err)})
			return
		}
		d.logger.Warn("Execution unit reported an error", zap.String("error", m.Err))
	}
}

// exited runs once per generation after the unit returned.
func (d *Dispatcher) exited(gen *generation, err error) {
	d.mu.Lock()
	if d.current != gen {
		d.mu.Unlock()
		return
	}
	if d.state == StateStopped || d.state == StateFailed {
		d.rejectLocked(gen, ErrClosed)
		d.mu.Unlock()
		return
	}
	if err == nil {
		err = errors.New("unit exited unexpectedly")
	}
	d.rejectLocked(gen, fmt.Errorf("%w: %v", ErrUnitFailed, err))
	d.lastErr = err

	if d.restarts >= d.cfg.MaxRestarts {
		d.state = StateFailed
		failure := &DispatchFailure{Restarts: d.restarts, Cause: err}
		subs := slices.Clone(d.onFatal)
		d.mu.Unlock()

		d.logger.Error("Execution unit failed permanently",
			zap.Int("restarts", failure.Restarts), zap.Error(err))
		for _, fn := range subs {
			fn(failure)
		}
		return
	}

	d.restarts++
	attempt := d.restarts
	d.state = StateRestarting
	d.startLocked()
	d.mu.Unlock()

	d.logger.Warn("Restarting execution unit",
		zap.Int("attempt", attempt),
		zap.Int("max", d.cfg.MaxRestarts),
		zap.Error(err))
}

func (d *Dispatcher) resolve(id string, rep scanReply) {
	d.mu.Lock()
	req, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
		d.settleLocked()
	}
	d.mu.Unlock()

	if ok {
		req.reply <- rep
	}
}

func (d *Dispatcher) abandon(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, id)
	d.settleLocked()
}

// rejectLocked fails pending requests of gen, or all of them when gen is nil.
func (d *Dispatcher) rejectLocked(gen *generation, err error) {
	for id, req := range d.pending {
		if gen != nil && req.gen != gen {
			continue
		}
		delete(d.pending, id)
		req.reply <- scanReply{err: err}
	}
	d.settleLocked()
}

func (d *Dispatcher) settleLocked() {
	if d.state == StateMatching && len(d.pending) == 0 {
		d.state = StateReady
	}
}

func (d *Dispatcher) hasPendingLocked(gen *generation) bool {
	for _, req := range d.pending {
		if req.gen == gen {
			return true
		}
	}
	return false
}

// deliver sends a control message to gen without waiting on a dead unit.
func (d *Dispatcher) deliver(gen *generation, msg Message) {
	if gen == nil {
		return
	}
	select {
	case gen.in <- msg:
	case <-gen.done:
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) emitMatches(matches []detect.MatchResult) {
	d.mu.Lock()
	subs := slices.Clone(d.onMatches)
	d.mu.Unlock()

	for _, fn := range subs {
		fn(matches)
	}
}
