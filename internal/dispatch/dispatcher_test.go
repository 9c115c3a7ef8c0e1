package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"promptpilot/internal/detect"
)

func trustPattern() detect.Pattern {
	return detect.Pattern{
		ID:       "trust",
		Title:    "Trust",
		Sequence: []string{"Do you trust the files"},
		Response: detect.Literal("1"),
		Kind:     detect.KindPrompt,
	}
}

func newTestDispatcher(t *testing.T, cfg Config, patterns []detect.Pattern, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(cfg, patterns, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func waitState(t *testing.T, d *Dispatcher, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return d.State() == want }, 2*time.Second, 5*time.Millisecond,
		"want state %s", want)
}

func pendingCount(d *Dispatcher) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// scriptedUnit behaves like the standard unit but lets a test hook into each scan.
func scriptedUnit(onScan func(ScanMsg) error) UnitFunc {
	return func(ctx context.Context, in <-chan Message, out chan<- Message) error {
		reg, err := awaitInit(ctx, in, out, nil)
		if err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-in:
				switch m := msg.(type) {
				case ScanMsg:
					if err := onScan(m); err != nil {
						return err
					}
					if !send(ctx, out, scan(reg, m)) {
						return ctx.Err()
					}
				case StopMsg:
					return nil
				}
			}
		}
	}
}

// silentUnit never answers.
func silentUnit(ctx context.Context, in <-chan Message, out chan<- Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeConcurrent, m)

	m, err = ParseMode("sync")
	require.NoError(t, err)
	assert.Equal(t, ModeSync, m)

	_, err = ParseMode("threads")
	assert.Error(t, err)
}

func TestNewRejectsInvalidPatterns(t *testing.T) {
	var cerr *detect.ConstructionError

	_, err := New(DefaultConfig(), []detect.Pattern{{ID: "x"}})
	require.ErrorAs(t, err, &cerr)

	_, err = New(DefaultConfig(), []detect.Pattern{trustPattern(), trustPattern()})
	require.ErrorAs(t, err, &cerr)
}

func TestDispatcherModes(t *testing.T) {
	for _, mode := range []Mode{ModeSync, ModeConcurrent} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Mode = mode
			d := newTestDispatcher(t, cfg, []detect.Pattern{trustPattern()})
			assert.Equal(t, mode, d.Mode())

			m, err := d.Scan("Do you trust the files in this folder?")
			require.NoError(t, err)
			require.NotNil(t, m)
			assert.Equal(t, "trust", m.PatternID)
			assert.Equal(t, "1", m.Response.String())

			// Same prompt again is deduplicated.
			m, err = d.Scan("Do you trust the files in this folder?")
			require.NoError(t, err)
			assert.Nil(t, m)

			m, err = d.Scan("unrelated text")
			require.NoError(t, err)
			assert.Nil(t, m)

			waitState(t, d, StateReady)
			// Metrics count pattern hits, including the deduplicated one.
			metrics := d.ErrorReport().Metrics["trust"]
			assert.EqualValues(t, 2, metrics.Matches)
			assert.EqualValues(t, 3, metrics.Evaluations)
		})
	}
}

func TestDispatcherRegisterUnregister(t *testing.T) {
	for _, mode := range []Mode{ModeSync, ModeConcurrent} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Mode = mode
			d := newTestDispatcher(t, cfg, nil)

			require.NoError(t, d.Register(detect.Pattern{
				ID: "done", Title: "Done", Kind: detect.KindCompletion, Sequence: []string{"Task complete"},
			}))
			var cerr *detect.ConstructionError
			require.ErrorAs(t, d.Register(detect.Pattern{ID: "done", Title: "Again"}), &cerr)
			require.ErrorAs(t, d.Register(detect.Pattern{ID: "untitled"}), &cerr)
			assert.Len(t, d.Patterns(), 1)

			matches, err := d.ScanAsync(context.Background(), "Task complete", detect.KindNone)
			require.NoError(t, err)
			require.Len(t, matches, 1)

			matches, err = d.ScanAsync(context.Background(), "Task complete", detect.KindPrompt)
			require.NoError(t, err)
			assert.Empty(t, matches, "kind filter excludes completion patterns")

			d.Unregister("done")
			d.Unregister("done")
			assert.Empty(t, d.Patterns())

			matches, err = d.ScanAsync(context.Background(), "Task complete", detect.KindNone)
			require.NoError(t, err)
			assert.Empty(t, matches)
		})
	}
}

func TestDispatcherQuarantine(t *testing.T) {
	for _, mode := range []Mode{ModeSync, ModeConcurrent} {
		t.Run(string(mode), func(t *testing.T) {
			var calls atomic.Int32
			cfg := DefaultConfig()
			cfg.Mode = mode
			cfg.Quarantine.ErrorThreshold = 3
			d := newTestDispatcher(t, cfg, []detect.Pattern{
				{
					ID: "broken", Title: "Broken",
					Custom: func(lines []string) (*detect.SequenceMatch, error) {
						calls.Add(1)
						panic("corrupt")
					},
				},
				{ID: "ok", Title: "OK", Kind: detect.KindCompletion, Sequence: []string{"ok"}},
			})

			for i := 0; i < 6; i++ {
				m, err := d.Scan("ok")
				require.NoError(t, err)
				require.NotNil(t, m)
				assert.Equal(t, "ok", m.PatternID)
			}

			assert.EqualValues(t, 3, calls.Load())
			report := d.ErrorReport()
			assert.Equal(t, []string{"broken"}, report.DisabledPatterns)
			assert.Len(t, report.RecentErrors, 3)
			assert.Contains(t, report.RecentErrors[0].Error, "corrupt")

			d.EnablePattern("broken")
			_, err := d.Scan("ok")
			require.NoError(t, err)
			assert.EqualValues(t, 4, calls.Load())
		})
	}
}

func TestDispatcherRestartsCrashedUnit(t *testing.T) {
	unit := scriptedUnit(func(m ScanMsg) error {
		if strings.Contains(m.Buffer, "crash") {
			panic("unit blew up")
		}
		return nil
	})
	d := newTestDispatcher(t, DefaultConfig(), []detect.Pattern{trustPattern()}, WithUnit(unit))
	waitState(t, d, StateReady)

	_, err := d.Scan("crash")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnitFailed)
	assert.Contains(t, err.Error(), "unit blew up")

	waitState(t, d, StateReady)
	m, err := d.Scan("Do you trust the files")
	require.NoError(t, err)
	require.NotNil(t, m)

	// A successful restart restores the full budget.
	for i := 0; i < DefaultMaxRestarts+1; i++ {
		_, err := d.Scan("crash")
		require.ErrorIs(t, err, ErrUnitFailed)
		waitState(t, d, StateReady)
	}
}

func TestDispatcherRestartBudget(t *testing.T) {
	var runs atomic.Int32
	gate := make(chan struct{})
	unit := func(ctx context.Context, in <-chan Message, out chan<- Message) error {
		n := runs.Add(1)
		if n == 1 {
			<-gate
		}
		if n <= 3 {
			return fmt.Errorf("boot failure %d", n)
		}
		return NewUnit()(ctx, in, out)
	}

	cfg := DefaultConfig()
	cfg.MaxRestarts = 2
	d := newTestDispatcher(t, cfg, []detect.Pattern{trustPattern()}, WithUnit(unit))

	fatal := make(chan error, 1)
	d.OnFatal(func(err error) { fatal <- err })
	close(gate)

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrDispatchFailed)
		var failure *DispatchFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, 2, failure.Restarts)
		assert.Contains(t, failure.Error(), "boot failure 3")
	case <-time.After(2 * time.Second):
		t.Fatal("fatal event not delivered")
	}

	assert.EqualValues(t, 3, runs.Load())
	assert.Equal(t, StateFailed, d.State())

	_, err := d.Scan("Do you trust the files")
	assert.ErrorIs(t, err, ErrDispatchFailed)

	require.NoError(t, d.Reinitialize())
	m, err := d.Scan("Do you trust the files")
	require.NoError(t, err)
	require.NotNil(t, m)
	waitState(t, d, StateReady)
}

func TestDispatcherCloseRejectsInFlight(t *testing.T) {
	d, err := New(DefaultConfig(), []detect.Pattern{trustPattern()},
		WithUnit(silentUnit), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := d.ScanAsync(context.Background(), "Do you trust the files", detect.KindNone)
		result <- err
	}()
	require.Eventually(t, func() bool { return pendingCount(d) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Close())
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("in-flight request hung after Close")
	}

	assert.Equal(t, StateStopped, d.State())
	_, err = d.Scan("anything")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Register(detect.Pattern{ID: "late", Title: "Late"}), ErrClosed)
	assert.ErrorIs(t, d.Reinitialize(), ErrClosed)
	require.NoError(t, d.Close())
}

func TestDispatcherRequestTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	d := newTestDispatcher(t, cfg, nil, WithUnit(silentUnit))

	_, err := d.ScanAsync(context.Background(), "x", detect.KindNone)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, pendingCount(d))
}

func TestDispatcherCallerCancel(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig(), nil, WithUnit(silentUnit))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.ScanAsync(ctx, "x", detect.KindNone)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, pendingCount(d))
}

func TestDispatcherScanDebounced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = DebounceConfig{
		Delays:  map[detect.Kind]time.Duration{detect.KindCompletion: 20 * time.Millisecond},
		Default: 40 * time.Millisecond,
	}
	d := newTestDispatcher(t, cfg, []detect.Pattern{
		{ID: "done", Title: "Done", Kind: detect.KindCompletion, Sequence: []string{"done {{n}}"}},
	})

	got := make(chan []detect.MatchResult, 8)
	d.OnMatches(func(m []detect.MatchResult) { got <- m })

	for i := 0; i < 5; i++ {
		d.ScanDebounced(fmt.Sprintf("done %d", i), detect.KindCompletion, "")
	}

	select {
	case matches := <-got:
		require.Len(t, matches, 1)
		assert.Equal(t, "4", matches[0].ExtractedData["n"], "trailing call wins")
	case <-time.After(2 * time.Second):
		t.Fatal("debounced matches not delivered")
	}

	select {
	case <-got:
		t.Fatal("burst produced more than one scan")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherNotifiesEverySubscriber(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = DebounceConfig{Default: 10 * time.Millisecond}
	d := newTestDispatcher(t, cfg, []detect.Pattern{trustPattern()})

	first := make(chan []detect.MatchResult, 1)
	second := make(chan []detect.MatchResult, 1)
	d.OnMatches(func(m []detect.MatchResult) {
		first <- m
		// Subscribing from inside a callback must not deadlock or join this round.
		d.OnMatches(func([]detect.MatchResult) {})
	})
	d.OnMatches(func(m []detect.MatchResult) { second <- m })

	d.ScanDebounced("Do you trust the files", detect.KindNone, "")

	for _, ch := range []chan []detect.MatchResult{first, second} {
		select {
		case m := <-ch:
			require.Len(t, m, 1)
			assert.Equal(t, "trust", m[0].PatternID)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber not notified")
		}
	}
}

func TestDispatcherCloseCancelsDebounce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = DebounceConfig{Default: 50 * time.Millisecond}
	d, err := New(cfg, []detect.Pattern{{ID: "any", Title: "Any", Kind: detect.KindCompletion}},
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	var fired atomic.Int32
	d.OnMatches(func([]detect.MatchResult) { fired.Add(1) })
	d.ScanDebounced("buffer", detect.KindNone, "")
	require.NoError(t, d.Close())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
