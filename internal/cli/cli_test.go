package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"promptpilot/internal/config"
	"promptpilot/internal/detect"
	"promptpilot/internal/dispatch"
	"promptpilot/internal/monitor"
)

func init() {
	color.NoColor = true
}

const trustRules = `patterns:
  - id: trust
    title: Trust folder
    kind: prompt
    sequence:
      - "Do you trust the files in {{folder}}?"
    response: ["yes", "<enter>"]
    notification: "Trusted {{folder}}"
`

// syncBuffer is a bytes.Buffer safe for concurrent writers.
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

// fixture is a config file, ruleset and log directory in a temp dir.
type fixture struct {
	dir        string
	configPath string
	cfg        *config.Config
}

func newFixture(t *testing.T, rules string, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.Rules = filepath.Join(dir, "rules.yaml")
	cfg.Notify.Type = "none"
	cfg.Wrap.KeystrokeDelayMS = 5
	cfg.Wrap.ProcessTracking = false
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{dir: dir, configPath: filepath.Join(dir, "config.yaml"), cfg: cfg}
	require.NoError(t, config.Save(cfg, f.configPath))
	if rules != "" {
		require.NoError(t, os.WriteFile(cfg.Rules, []byte(rules), 0644))
	}
	return f
}

func (f *fixture) execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", f.configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func (f *fixture) session(t *testing.T) *session {
	return &session{
		cfg:      f.cfg,
		logger:   zaptest.NewLogger(t),
		closeLog: func() error { return nil },
	}
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "scan", "check", "watch", "init", "logs", "webhook-test", "version"} {
		assert.Contains(t, names, want)
	}
	for _, flag := range []string{"config", "rules", "log-level", "log-stderr"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestVersionCmd(t *testing.T) {
	f := newFixture(t, "", nil)
	out, err := f.execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "promptpilot dev")
}

func TestInitAndCheck(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	rulesPath := filepath.Join(dir, "rules", "rules.yaml")

	run := func(args ...string) string {
		root := NewRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(append([]string{"--config", configPath, "--rules", rulesPath}, args...))
		require.NoError(t, root.Execute())
		return out.String()
	}

	out := run("init")
	assert.Contains(t, out, "Config written")
	assert.Contains(t, out, "Sample rules written")
	assert.FileExists(t, configPath)
	assert.FileExists(t, rulesPath)

	out = run("init")
	assert.Contains(t, out, "Config exists")
	assert.Contains(t, out, "Rules exist")

	out = run("check")
	assert.Contains(t, out, "Rules:   "+rulesPath)
	assert.Contains(t, out, "trust-folder [prompt] Trust this folder")
	assert.Contains(t, out, "captures: file")
	assert.Contains(t, out, "[disabled]")
	assert.Contains(t, out, "3 pattern(s), 2 enabled")
}

func TestCheckInvalidRuleset(t *testing.T) {
	f := newFixture(t, "patterns:\n  - id: a\n    title: A\n    kind: bogus\n    sequence: [x]\n", nil)
	_, err := f.execute(t, "", "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kind")
}

func TestScanCmd(t *testing.T) {
	f := newFixture(t, trustRules, nil)

	out, err := f.execute(t, "$ claude\nDo you trust the files in /work?\n", "scan")
	require.NoError(t, err)

	var m detect.MatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, "trust", m.PatternID)
	assert.Equal(t, "/work", m.ExtractedData["folder"])
	assert.Equal(t, 1, m.FirstLineNumber)
	assert.Equal(t, []string{"yes", "<enter>"}, m.Response.Strings())
}

func TestScanCmdFile(t *testing.T) {
	f := newFixture(t, trustRules, nil)
	snapshot := filepath.Join(f.dir, "screen.txt")
	require.NoError(t, os.WriteFile(snapshot, []byte("Do you trust the files in ~/src?"), 0644))

	out, err := f.execute(t, "", "scan", "--kind", "prompt", snapshot)
	require.NoError(t, err)
	assert.Contains(t, out, `"patternId": "trust"`)

	_, err = f.execute(t, "", "scan", "--kind", "completion", snapshot)
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.Code)
}

func TestScanCmdNoMatch(t *testing.T) {
	f := newFixture(t, trustRules, nil)
	out, err := f.execute(t, "nothing to see\n", "scan", "-")
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.Code)
	assert.Empty(t, out)
}

func TestScanCmdMissingRules(t *testing.T) {
	f := newFixture(t, "", nil)
	_, err := f.execute(t, "x", "scan")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunCmdAnswersPrompt(t *testing.T) {
	for _, mode := range []string{"concurrent", "sync"} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, trustRules, nil)
			script := `printf 'Do you trust the files in /work?\n'; read ans; echo "answer=$ans"`

			out, err := f.execute(t, "", "run", "--mode", mode, "--", "sh", "-c", script)
			require.NoError(t, err)
			assert.Contains(t, out, "answer=yes")
		})
	}
}

func TestRunCmdExitCode(t *testing.T) {
	f := newFixture(t, "", nil)
	_, err := f.execute(t, "", "run", "--", "sh", "-c", "exit 4")
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 4, exit.Code)
}

func TestRunCmdBadMode(t *testing.T) {
	f := newFixture(t, "", nil)
	_, err := f.execute(t, "", "run", "--mode", "parallel", "--", "true")
	assert.Error(t, err)
}

func TestRunCmdJournalsMatches(t *testing.T) {
	f := newFixture(t, trustRules, func(c *config.Config) {
		c.Journal.Matches = true
	})
	script := `printf 'Do you trust the files in /work?\n'; read ans`

	_, err := f.execute(t, "", "run", "--", "sh", "-c", script)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.cfg.LogDir, "matches", "trust.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"patternId":"trust"`)
}

func TestWatchPath(t *testing.T) {
	f := newFixture(t, trustRules, func(c *config.Config) {
		c.Notify.Type = "stdout"
	})
	transcript := filepath.Join(f.dir, "session.log")
	require.NoError(t, os.WriteFile(transcript, []byte("starting\n"), 0644))

	fcfg := monitor.DefaultFollowerConfig()
	fcfg.FromBeginning = true
	fcfg.PollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- watchPath(ctx, f.session(t), transcript, fcfg, out)
	}()

	fh, err := os.OpenFile(transcript, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = fh.WriteString("Do you trust the files in /work?\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Trust folder (trust)")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), "Trusted /work")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watchPath did not return")
	}
}

func TestWatchCmdMissingPath(t *testing.T) {
	f := newFixture(t, trustRules, nil)
	_, err := f.execute(t, "", "watch", filepath.Join(f.dir, "missing.log"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogsCmd(t *testing.T) {
	f := newFixture(t, trustRules, nil)

	_, err := f.execute(t, "", "logs")
	assert.Error(t, err)

	// Any session writes the dated log file.
	_, err = f.execute(t, "Do you trust the files in /work?", "scan")
	require.NoError(t, err)

	out, err := f.execute(t, "", "logs", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "1 file(s)")
	assert.Contains(t, out, "promptpilot-")

	out, err = f.execute(t, "", "logs", "-n", "20")
	require.NoError(t, err)
	assert.Contains(t, out, "Dispatcher ready")
}

func TestWebhookTestCmd(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, "", nil)
	out, err := f.execute(t, "", "webhook-test", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ "+srv.URL)

	_, err = f.execute(t, "", "webhook-test")
	assert.EqualError(t, err, "no webhooks configured")

	mu.Lock()
	assert.Equal(t, 1, hits)
	mu.Unlock()
}

func TestSyncRuleset(t *testing.T) {
	d, err := dispatch.New(dispatch.Config{Mode: dispatch.ModeSync}, nil)
	require.NoError(t, err)
	defer d.Close()

	rs, err := config.ParseRuleset([]byte(config.SampleRuleset))
	require.NoError(t, err)

	syncRuleset(d, rs, zaptest.NewLogger(t))

	var ids []string
	for _, p := range d.Patterns() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"trust-folder", "apply-edit"}, ids)
}
