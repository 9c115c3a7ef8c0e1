package wrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"promptpilot/internal/config"
	"promptpilot/internal/detect"
	"promptpilot/internal/dispatch"
	"promptpilot/internal/monitor"
	"promptpilot/internal/notify"
	"promptpilot/internal/util"
)

const (
	// responseQueue bounds matches waiting to be typed.
	responseQueue = 16
	// drainTimeout is how long buffered output is read after the program exits.
	drainTimeout = 500 * time.Millisecond
)

// Options configures a Runner.
type Options struct {
	Command            []string
	BufferLines        int
	KeystrokeDelay     time.Duration
	ResponsesPerSecond float64
	ProcessTracking    bool
	Idle               monitor.IdleConfig
	DryRun             bool      // Notify about matches without typing responses
	Stdin              io.Reader // Defaults to os.Stdin
	Stdout             io.Writer // Defaults to os.Stdout
}

// OptionsFromConfig fills Options from the wrap section of cfg.
func OptionsFromConfig(cfg *config.Config, command []string) Options {
	return Options{
		Command:            command,
		BufferLines:        cfg.Wrap.BufferLines,
		KeystrokeDelay:     cfg.KeystrokeDelay(),
		ResponsesPerSecond: cfg.Wrap.ResponsesPerSecond,
		ProcessTracking:    cfg.Wrap.ProcessTracking,
		Idle: monitor.IdleConfig{
			Interval:   cfg.PollInterval(),
			CPUPercent: cfg.Wrap.IdleCPUPercent,
			Duration:   cfg.IdleDuration(),
		},
	}
}

// Runner wraps a program, feeds its output to the dispatcher and types the
// responses of matched patterns back into it.
type Runner struct {
	opts     Options
	disp     *dispatch.Dispatcher
	notifier notify.Notifier
	logger   *zap.Logger
	screen   *Screen
	limiter  *rate.Limiter
	queue    chan detect.MatchResult

	mu   sync.Mutex
	pty  *PTY
	proc *monitor.ProcessMonitor
}

// NewRunner creates a runner. The dispatcher stays owned by the caller.
func NewRunner(opts Options, disp *dispatch.Dispatcher, notifier notify.Notifier, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.BufferLines < 1 {
		opts.BufferLines = 200
	}
	if opts.ResponsesPerSecond <= 0 {
		opts.ResponsesPerSecond = 2
	}

	r := &Runner{
		opts:     opts,
		disp:     disp,
		notifier: notifier,
		logger:   logger,
		screen:   NewScreen(opts.BufferLines),
		limiter:  rate.NewLimiter(rate.Limit(opts.ResponsesPerSecond), 1),
		queue:    make(chan detect.MatchResult, responseQueue),
	}
	disp.OnMatches(r.enqueue)
	return r
}

// Snapshot returns the current screen buffer.
func (r *Runner) Snapshot() string {
	return r.screen.Snapshot()
}

// Run starts the program and blocks until it exits. It returns the program's
// exit code.
func (r *Runner) Run(ctx context.Context) (int, error) {
	if len(r.opts.Command) == 0 {
		return 1, errors.New("no command specified")
	}

	p := NewPTY(r.opts.Stdin, r.opts.Command[0], r.opts.Command[1:]...)
	output, err := p.Start()
	if err != nil {
		return 1, fmt.Errorf("failed to start command: %w", err)
	}
	defer p.Close()

	r.mu.Lock()
	r.pty = p
	r.mu.Unlock()

	r.logger.Info("Program started",
		zap.Strings("command", r.opts.Command),
		zap.Int("pid", p.PID()),
		zap.String("mode", string(r.disp.Mode())))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.respondLoop(runCtx)
	}()

	if r.opts.ProcessTracking {
		pm := monitor.NewProcessMonitor(p.PID())
		r.mu.Lock()
		r.proc = pm
		r.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			pm.Watch(runCtx, r.opts.Idle, r.logger, r.onIdle)
		}()
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		r.readLoop(output)
	}()

	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.logger.Info("Hanging up program", zap.Error(ctx.Err()))
			if err := p.Signal(syscall.SIGHUP); err != nil {
				r.logger.Debug("Hangup failed", zap.Error(err))
			}
		case <-exited:
		}
	}()

	code, waitErr := p.Wait()
	close(exited)

	select {
	case <-readDone:
	case <-time.After(drainTimeout):
		// A background process still holds the terminal open.
	}
	p.Close()

	cancel()
	wg.Wait()

	r.logger.Info("Program exited", zap.Int("code", code))
	r.send(context.WithoutCancel(ctx), notify.NewExitNotification(r.opts.Command[0], code))
	return code, waitErr
}

// readLoop mirrors output to the user and schedules a debounced scan after
// every chunk.
func (r *Runner) readLoop(output io.Reader) {
	buf := util.GetBuffer()
	defer util.PutBuffer(buf)

	for {
		n, err := output.Read(*buf)
		if n > 0 {
			chunk := (*buf)[:n]
			if _, werr := r.opts.Stdout.Write(chunk); werr != nil {
				r.logger.Debug("Output mirror failed", zap.Error(werr))
			}
			r.screen.Write(chunk)
			r.activity()
			r.disp.ScanDebounced(r.screen.Snapshot(), detect.KindNone, "output")
		}
		if err != nil {
			// EIO is how Linux reports the program side closing.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.logger.Debug("Output read ended", zap.Error(err))
			}
			return
		}
	}
}

func (r *Runner) activity() {
	r.mu.Lock()
	pm := r.proc
	r.mu.Unlock()
	if pm != nil {
		pm.Activity()
	}
}

// onIdle rescans the whole screen once the program has gone quiet, catching
// prompts whose debounced scan was lost, and tells the user.
func (r *Runner) onIdle(cpu float64) {
	r.logger.Debug("Program idle", zap.Float64("cpu", cpu))
	r.disp.ScanDebounced(r.screen.Snapshot(), detect.KindNone, "idle")
	r.send(context.Background(), notify.NewIdleNotification(cpu))
}

// enqueue is the dispatcher's match subscriber. It must not block.
func (r *Runner) enqueue(matches []detect.MatchResult) {
	for _, m := range matches {
		select {
		case r.queue <- m:
		default:
			r.logger.Warn("Response queue full, dropping match", zap.String("pattern", m.PatternID))
		}
	}
}

func (r *Runner) respondLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.queue:
			r.respond(ctx, m)
		}
	}
}

// respond types the response of m, paced by the rate limiter, and sends the
// notification.
func (r *Runner) respond(ctx context.Context, m detect.MatchResult) {
	typed := false
	if !r.opts.DryRun && !m.Response.IsZero() {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		if err := r.Type(ctx, m.Response.Strings()); err != nil {
			r.logger.Warn("Failed to type response", zap.String("pattern", m.PatternID), zap.Error(err))
		} else {
			typed = true
		}
	}

	r.logger.Info("Pattern matched",
		zap.String("pattern", m.PatternID),
		zap.String("kind", string(m.Kind)),
		zap.Bool("typed", typed),
		zap.Int("firstLine", m.FirstLineNumber),
		zap.Int("lastLine", m.LastLineNumber))
	r.send(ctx, notify.FromMatch(m, typed))
}

// Type writes each entry to the program, pausing KeystrokeDelay between
// entries. Key tokens such as <enter> are translated.
func (r *Runner) Type(ctx context.Context, entries []string) error {
	r.mu.Lock()
	p := r.pty
	r.mu.Unlock()
	if p == nil {
		return errors.New("program not running")
	}

	for i, entry := range entries {
		if i > 0 && r.opts.KeystrokeDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.KeystrokeDelay):
			}
		}
		if _, err := p.Write(EncodeKeys(entry)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) send(ctx context.Context, n *notify.Notification) {
	if err := r.notifier.Send(ctx, n); err != nil {
		r.logger.Warn("Failed to send notification",
			zap.String("notifier", r.notifier.Name()),
			zap.String("event", string(n.Event)),
			zap.Error(err))
	}
}
