package detect

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorderStub struct {
	mu      sync.Mutex
	matches []MatchResult
}

func (r *recorderStub) RecordMatch(m MatchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, m)
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return NewRegistry(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func TestRegistryTrustExample(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Pattern{
		ID:       "trust",
		Title:    "Trust",
		Sequence: []string{"Do you trust the files"},
		Response: Literal("1"),
	}))

	m := r.Scan("Do you trust the files in this folder?")
	require.NotNil(t, m)
	assert.Equal(t, "trust", m.PatternID)
	assert.Equal(t, "Trust", m.PatternTitle)
	assert.Equal(t, []string{"1"}, m.Response.Strings())
	assert.Equal(t, 0, m.FirstLineNumber)
	assert.Equal(t, 0, m.LastLineNumber)

	assert.Nil(t, r.Scan("unrelated text"))
}

func TestRegistryConstructionErrors(t *testing.T) {
	r := newTestRegistry(t)

	var cerr *ConstructionError

	err := r.Register(Pattern{ID: "a", Sequence: []string{"x"}})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "a", cerr.PatternID)

	err = r.Register(Pattern{Title: "no id"})
	require.ErrorAs(t, err, &cerr)

	err = r.Register(Pattern{ID: "ml", Title: "Multi", Sequence: []string{"{{x|multiline}}"}})
	require.ErrorAs(t, err, &cerr)

	err = r.Register(Pattern{ID: "k", Title: "Kind", Kind: Kind("banner")})
	require.ErrorAs(t, err, &cerr)

	require.NoError(t, r.Register(Pattern{ID: "dup", Title: "One"}))
	err = r.Register(Pattern{ID: "dup", Title: "Two"})
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "already registered")

	assert.Equal(t, 1, r.Len())
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Pattern{ID: "a", Title: "A", Sequence: []string{"a"}}))

	r.Unregister("a")
	r.Unregister("a")
	r.Unregister("missing")

	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Scan("a"))
}

func TestRegistryCatchAll(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Pattern{ID: "all", Title: "All", Kind: KindCompletion}))

	m := r.Scan("one\ntwo\nthree")
	require.NotNil(t, m)
	assert.Equal(t, 0, m.FirstLineNumber)
	assert.Equal(t, 2, m.LastLineNumber)
	assert.Equal(t, "one\ntwo\nthree", m.MatchedText)
	assert.Nil(t, m.ExtractedData)
}

func TestRegistryDedup(t *testing.T) {
	t.Run("prompt fires once on identical buffers", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Pattern{
			ID: "p", Title: "Prompt", Kind: KindPrompt, Sequence: []string{"Continue?"},
		}))

		buf := "output\nContinue?"
		assert.NotNil(t, r.Scan(buf))
		assert.Nil(t, r.Scan(buf))

		r.ResetDedup()
		assert.NotNil(t, r.Scan(buf))
	})

	t.Run("completion re-fires", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Pattern{
			ID: "c", Title: "Done", Kind: KindCompletion, Sequence: []string{"Done."},
		}))

		buf := "Done."
		assert.NotNil(t, r.Scan(buf))
		assert.NotNil(t, r.Scan(buf))
	})

	t.Run("changed content fires again", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Pattern{
			ID: "f", Title: "File", Sequence: []string{"Save {{file}}?"},
		}))

		assert.NotNil(t, r.Scan("Save a.txt?"))
		assert.NotNil(t, r.Scan("Save b.txt?"))
		assert.Nil(t, r.Scan("Save b.txt?"))
	})
}

func TestRegistrySelection(t *testing.T) {
	t.Run("last line wins", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Pattern{ID: "bottom", Title: "Bottom", Sequence: []string{"second"}}))
		require.NoError(t, r.Register(Pattern{ID: "top", Title: "Top", Sequence: []string{"first"}}))

		m := r.Scan("first\nsecond")
		require.NotNil(t, m)
		assert.Equal(t, "bottom", m.PatternID)
		assert.Equal(t, 1, m.LastLineNumber)
	})

	t.Run("ties go to first registered", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Pattern{ID: "one", Title: "One", Sequence: []string{"Allow"}}))
		require.NoError(t, r.Register(Pattern{ID: "two", Title: "Two", Sequence: []string{"Allow edit"}}))

		m := r.Scan("Allow edit?")
		require.NotNil(t, m)
		assert.Equal(t, "one", m.PatternID)
	})
}

func TestRegistryANSI(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Pattern{
		ID: "plain", Title: "Plain", Sequence: []string{"❯ 1. Yes"},
	}))

	buf := "\x1b[36m❯\x1b[0m 1. Yes"
	m := r.Scan(buf)
	require.NotNil(t, m)
	assert.Equal(t, "❯ 1. Yes", m.MatchedText)
	assert.Equal(t, buf, m.BufferContent)
	assert.Equal(t, "❯ 1. Yes", m.StrippedBufferContent)

	raw := newTestRegistry(t)
	require.NoError(t, raw.Register(Pattern{
		ID: "colored", Title: "Colored", Sequence: []string{"\x1b[36m❯"},
	}))
	assert.Nil(t, raw.Scan("❯ 1. Yes"))

	m = raw.Scan(buf)
	require.NotNil(t, m)
	assert.Equal(t, buf, m.MatchedText)
}

func TestRegistryExtractedData(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Pattern{
		ID:           "edit",
		Title:        "Edit",
		Sequence:     []string{"Edit {{file}}?", "{{diff|multiline}}", "Apply?"},
		Response:     List("y", "<enter>"),
		Notification: "Applying edit to {{file}}",
	}))

	m := r.Scan("Edit main.go?\n+ line\nApply?")
	require.NotNil(t, m)
	assert.Equal(t, map[string]string{"file": "main.go", "diff": "+ line"}, m.ExtractedData)
	assert.Equal(t, "Applying edit to main.go", m.RenderNotification())
	assert.Equal(t, []string{"y", "<enter>"}, m.Response.Strings())
}

func TestRegistryComputedResponse(t *testing.T) {
	t.Run("resolved once per returned match", func(t *testing.T) {
		calls := 0
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Pattern{
			ID: "c", Title: "Computed", Kind: KindCompletion, Sequence: []string{"go"},
			Response: Computed(func() Response {
				calls++
				return Literal("ok")
			}),
		}))
		require.NoError(t, r.Register(Pattern{
			ID: "loser", Title: "Loser", Sequence: []string{"never"},
			Response: Computed(func() Response {
				t.Fatal("loser response must not be evaluated")
				return Response{}
			}),
		}))

		m := r.Scan("go")
		require.NotNil(t, m)
		assert.Equal(t, ResponseLiteral, m.Response.Kind())
		assert.Equal(t, "ok", m.Response.String())
		assert.Equal(t, 1, calls)

		assert.Nil(t, r.Scan("nothing"))
		assert.Equal(t, 1, calls)
	})

	t.Run("panicking producer is recorded", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Pattern{
			ID: "boom", Title: "Boom", Sequence: []string{"go"},
			Response: Computed(func() Response { panic("producer failed") }),
		}))

		eval := r.Evaluate("go", ScanOptions{})
		assert.Nil(t, eval.Match)
		require.Len(t, eval.Errors, 1)
		assert.Equal(t, "boom", eval.Errors[0].PatternID)
		assert.Contains(t, eval.Errors[0].Error(), "producer failed")
	})

	t.Run("failing winner falls back to next candidate", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Pattern{
			ID: "good", Title: "Good", Sequence: []string{"Continue?"},
			Response: Literal("y"),
		}))
		require.NoError(t, r.Register(Pattern{
			ID: "bad", Title: "Bad", Sequence: []string{"footer"},
			Response: Computed(func() Response { panic("producer failed") }),
		}))

		eval := r.Evaluate("Continue?\nfooter", ScanOptions{})
		require.NotNil(t, eval.Match)
		assert.Equal(t, "good", eval.Match.PatternID)
		assert.Equal(t, "y", eval.Match.Response.String())
		require.Len(t, eval.Errors, 1)
		assert.Equal(t, "bad", eval.Errors[0].PatternID)

		// The redraw is deduplicated against the fallback match; the failure is still recorded.
		eval = r.Evaluate("Continue?\nfooter", ScanOptions{})
		assert.Nil(t, eval.Match)
		require.Len(t, eval.Errors, 1)
		assert.Equal(t, "bad", eval.Errors[0].PatternID)
	})

	t.Run("nested computed is rejected", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Pattern{
			ID: "nested", Title: "Nested", Sequence: []string{"go"},
			Response: Computed(func() Response {
				return Computed(func() Response { return Literal("x") })
			}),
		}))

		eval := r.Evaluate("go", ScanOptions{})
		assert.Nil(t, eval.Match)
		require.Len(t, eval.Errors, 1)
		assert.True(t, errors.Is(eval.Errors[0], errNestedComputed))
	})
}

func TestRegistryIsolatesFailingPattern(t *testing.T) {
	r := newTestRegistry(t, WithExcerptBytes(8))
	require.NoError(t, r.Register(Pattern{
		ID: "panics", Title: "Panics",
		Custom: func(lines []string) (*SequenceMatch, error) { panic("corrupt matcher") },
	}))
	require.NoError(t, r.Register(Pattern{
		ID: "errors", Title: "Errors",
		Custom: func(lines []string) (*SequenceMatch, error) { return nil, errors.New("bad state") },
	}))
	require.NoError(t, r.Register(Pattern{
		ID: "range", Title: "Range",
		Custom: func(lines []string) (*SequenceMatch, error) {
			return &SequenceMatch{FirstLine: 0, LastLine: 99}, nil
		},
	}))
	require.NoError(t, r.Register(Pattern{ID: "good", Title: "Good", Sequence: []string{"ready"}}))

	eval := r.Evaluate("a long buffer\nready", ScanOptions{})
	require.NotNil(t, eval.Match)
	assert.Equal(t, "good", eval.Match.PatternID)

	require.Len(t, eval.Errors, 3)
	ids := []string{eval.Errors[0].PatternID, eval.Errors[1].PatternID, eval.Errors[2].PatternID}
	assert.Equal(t, []string{"panics", "errors", "range"}, ids)
	for _, e := range eval.Errors {
		assert.Equal(t, "a long b", e.Excerpt)
		assert.False(t, e.Time.IsZero())
	}

	require.Len(t, eval.Outcomes, 4)
	assert.True(t, eval.Outcomes[3].Matched)
	assert.Nil(t, eval.Outcomes[3].Err)
}

func TestRegistryScanOptions(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Pattern{ID: "p", Title: "P", Kind: KindPrompt, Sequence: []string{"x"}}))
	require.NoError(t, r.Register(Pattern{ID: "c", Title: "C", Kind: KindCompletion, Sequence: []string{"x"}}))

	eval := r.Evaluate("x", ScanOptions{Kind: KindCompletion})
	require.NotNil(t, eval.Match)
	assert.Equal(t, "c", eval.Match.PatternID)
	assert.Len(t, eval.Outcomes, 1)

	r.ResetDedup()
	eval = r.Evaluate("x", ScanOptions{Skip: map[string]bool{"p": true}})
	require.NotNil(t, eval.Match)
	assert.Equal(t, "c", eval.Match.PatternID)
}

func TestRegistryRecorder(t *testing.T) {
	rec := &recorderStub{}
	r := newTestRegistry(t, WithMatchRecorder(rec))
	require.NoError(t, r.Register(Pattern{ID: "a", Title: "A", Sequence: []string{"a"}}))

	r.Scan("a")
	r.Scan("a") // suppressed by dedup, not recorded

	require.Len(t, rec.matches, 1)
	assert.Equal(t, "a", rec.matches[0].PatternID)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
	// "é" is two bytes; cutting inside it backs off to the rune start.
	assert.Equal(t, "a", Truncate("aé", 2))
}
