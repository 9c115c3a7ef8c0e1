package wrap

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"promptpilot/internal/config"
	"promptpilot/internal/detect"
	"promptpilot/internal/dispatch"
	"promptpilot/internal/notify"
)

// mockNotifier records notifications.
type mockNotifier struct {
	mu            sync.Mutex
	notifications []*notify.Notification
}

func (m *mockNotifier) Send(ctx context.Context, n *notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *mockNotifier) Name() string {
	return "mock"
}

func (m *mockNotifier) events() []notify.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notify.EventType
	for _, n := range m.notifications {
		out = append(out, n.Event)
	}
	return out
}

// syncBuffer is a bytes.Buffer safe for the output mirror.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRunner(t *testing.T, command []string, patterns []detect.Pattern, dryRun bool) (*Runner, *mockNotifier, *syncBuffer) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := dispatch.DefaultConfig()
	cfg.Debounce = dispatch.DebounceConfig{Default: 10 * time.Millisecond}
	d, err := dispatch.New(cfg, patterns, dispatch.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	opts := OptionsFromConfig(config.DefaultConfig(), command)
	opts.ProcessTracking = false
	opts.KeystrokeDelay = 5 * time.Millisecond
	opts.DryRun = dryRun
	opts.Stdin = strings.NewReader("")
	out := &syncBuffer{}
	opts.Stdout = out

	n := &mockNotifier{}
	return NewRunner(opts, d, n, logger), n, out
}

func trustPrompt() detect.Pattern {
	return detect.Pattern{
		ID:       "trust",
		Title:    "Trust folder",
		Kind:     detect.KindPrompt,
		Sequence: []string{"Do you trust the files in {{folder}}?"},
		Response: detect.List("yes", "<enter>"),
	}
}

func TestRunnerNoCommand(t *testing.T) {
	r, _, _ := newTestRunner(t, nil, nil, false)
	_, err := r.Run(context.Background())
	assert.Error(t, err)
}

func TestRunnerExitCode(t *testing.T) {
	r, n, out := newTestRunner(t, []string{"sh", "-c", "echo hello; exit 3"}, nil, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, out.String(), "hello")
	assert.Equal(t, []notify.EventType{notify.EventExit}, n.events())
}

func TestRunnerAnswersPrompt(t *testing.T) {
	script := `printf 'Do you trust the files in /work?\n'; read ans; echo "answer=$ans"`
	r, n, out := newTestRunner(t, []string{"sh", "-c", script}, []detect.Pattern{trustPrompt()}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "answer=yes")

	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.notifications)
	first := n.notifications[0]
	assert.Equal(t, notify.EventResponse, first.Event)
	assert.Equal(t, "trust", first.PatternID)
	assert.Equal(t, "/work", first.Data["folder"])
	assert.Equal(t, []string{"yes", "<enter>"}, first.Response)
}

func TestRunnerDryRun(t *testing.T) {
	script := `printf 'Do you trust the files in /work?\n'; sleep 0.5`
	r, n, out := newTestRunner(t, []string{"sh", "-c", script}, []detect.Pattern{trustPrompt()}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.NotContains(t, out.String(), "yes")
	assert.Equal(t, []notify.EventType{notify.EventMatch, notify.EventExit}, n.events())
	assert.Contains(t, r.Snapshot(), "Do you trust the files in /work?")
}

func TestRunnerCancelHangsUp(t *testing.T) {
	r, _, _ := newTestRunner(t, []string{"sh", "-c", "sleep 30"}, nil, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := r.Run(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunnerTypeBeforeStart(t *testing.T) {
	r, _, _ := newTestRunner(t, []string{"true"}, nil, false)
	assert.Error(t, r.Type(context.Background(), []string{"x"}))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := OptionsFromConfig(cfg, []string{"claude"})

	assert.Equal(t, []string{"claude"}, opts.Command)
	assert.Equal(t, 200, opts.BufferLines)
	assert.Equal(t, 30*time.Millisecond, opts.KeystrokeDelay)
	assert.Equal(t, 2.0, opts.ResponsesPerSecond)
	assert.True(t, opts.ProcessTracking)
	assert.Equal(t, 800*time.Millisecond, opts.Idle.Interval)
	assert.Equal(t, 3*time.Second, opts.Idle.Duration)
}
