package detect

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultExcerptBytes bounds the buffer excerpt stored with a MatchError.
const DefaultExcerptBytes = 200

// MatchRecorder receives every match the registry returns. Implementations must not block.
type MatchRecorder interface {
	RecordMatch(m MatchResult)
}

// ScanOptions narrows a scan.
type ScanOptions struct {
	Kind Kind            // Only evaluate patterns of this kind ("" = all)
	Skip map[string]bool // Pattern ids to leave out (quarantined)
}

// Evaluation is the full outcome of a scan: the selected match plus per-pattern outcomes.
type Evaluation struct {
	Match    *MatchResult
	Outcomes []Outcome
	Errors   []*MatchError
}

// Registry holds the patterns of one session and the previous winner used for dedup.
type Registry struct {
	mu           sync.Mutex
	patterns     []*compiledPattern // Registration order
	previous     *MatchResult
	recorder     MatchRecorder
	logger       *zap.Logger
	excerptBytes int
	now          func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMatchRecorder sets the sink that journals returned matches.
func WithMatchRecorder(rec MatchRecorder) Option {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// WithExcerptBytes bounds the buffer excerpt kept with match errors.
func WithExcerptBytes(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.excerptBytes = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:       zap.NewNop(),
		excerptBytes: DefaultExcerptBytes,
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register compiles and adds a pattern. It fails with a *ConstructionError for
// invalid definitions and for duplicate ids.
func (r *Registry) Register(p Pattern) error {
	cp, err := compile(p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.patterns {
		if existing.ID == p.ID {
			return &ConstructionError{PatternID: p.ID, Message: "already registered"}
		}
	}
	r.patterns = append(r.patterns, cp)
	return nil
}

// Unregister removes a pattern. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, cp := range r.patterns {
		if cp.ID == id {
			r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
			return
		}
	}
}

// Patterns returns the registered patterns in registration order.
func (r *Registry) Patterns() []Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Pattern, len(r.patterns))
	for i, cp := range r.patterns {
		out[i] = cp.Pattern
	}
	return out
}

// Len returns the number of registered patterns.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.patterns)
}

// ResetDedup forgets the previous winner so an unchanged prompt fires again.
func (r *Registry) ResetDedup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous = nil
}

// Scan evaluates every pattern against buffer and returns the selected match,
// or nil when nothing matched or the winner duplicates the previous match.
func (r *Registry) Scan(buffer string) *MatchResult {
	return r.Evaluate(buffer, ScanOptions{}).Match
}

// Evaluate runs a guarded scan: a pattern that fails is recorded in the result
// and never prevents the others from being evaluated.
func (r *Registry) Evaluate(buffer string, opts ScanOptions) Evaluation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var eval Evaluation
	snap := newSnapshot(buffer)

	type candidate struct {
		cp    *compiledPattern
		match *SequenceMatch
		lines []string
	}
	var candidates []candidate

	for _, cp := range r.patterns {
		if opts.Skip[cp.ID] {
			continue
		}
		if opts.Kind != KindNone && cp.Kind != opts.Kind {
			continue
		}

		lines := snap.stripped()
		if cp.raw {
			lines = snap.raw
		}

		start := r.now()
		sm, err := r.evalGuarded(cp, lines)
		outcome := Outcome{PatternID: cp.ID, Matched: sm != nil, Duration: r.now().Sub(start)}
		if err != nil {
			outcome.Err = r.matchError(cp.ID, err, buffer)
			eval.Errors = append(eval.Errors, outcome.Err)
			r.logger.Debug("Pattern evaluation failed",
				zap.String("pattern", cp.ID), zap.Error(err))
		}
		eval.Outcomes = append(eval.Outcomes, outcome)

		if sm != nil {
			candidates = append(candidates, candidate{cp: cp, match: sm, lines: lines})
		}
	}

	// Greatest last line first; the stable sort keeps registration order on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].match.LastLine > candidates[j].match.LastLine
	})

	// A candidate whose response cannot be resolved is recorded and the next one is tried.
	for _, best := range candidates {
		matched := strings.Join(best.lines[best.match.FirstLine:best.match.LastLine+1], "\n")
		if r.previous != nil && r.previous.FullMatchedContent == matched && !best.cp.Kind.SelfClearing() {
			return eval
		}

		resp, err := resolveGuarded(best.cp.Response)
		if err != nil {
			merr := r.matchError(best.cp.ID, err, buffer)
			eval.Errors = append(eval.Errors, merr)
			for i := range eval.Outcomes {
				if eval.Outcomes[i].PatternID == best.cp.ID {
					eval.Outcomes[i].Err = merr
				}
			}
			r.logger.Debug("Response evaluation failed",
				zap.String("pattern", best.cp.ID), zap.Error(err))
			continue
		}

		result := &MatchResult{
			PatternID:             best.cp.ID,
			PatternTitle:          best.cp.Title,
			Kind:                  best.cp.Kind,
			Response:              resp,
			MatchedText:           matched,
			FullMatchedContent:    matched,
			FirstLineNumber:       best.match.FirstLine,
			LastLineNumber:        best.match.LastLine,
			BufferContent:         buffer,
			StrippedBufferContent: snap.strippedText(),
			ExtractedData:         best.match.Captures,
			Notification:          best.cp.Notification,
			Time:                  r.now(),
		}
		r.previous = result
		eval.Match = result

		if r.recorder != nil {
			r.recorder.RecordMatch(*result)
		}
		return eval
	}
	return eval
}

// evalGuarded runs one pattern, turning panics into errors.
func (r *Registry) evalGuarded(cp *compiledPattern, lines []string) (sm *SequenceMatch, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sm = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	if cp.Custom == nil {
		return matchEntries(cp.entries, lines), nil
	}

	sm, err = cp.Custom(lines)
	if err != nil || sm == nil {
		return nil, err
	}
	if sm.FirstLine < 0 || sm.LastLine >= len(lines) || sm.FirstLine > sm.LastLine {
		return nil, fmt.Errorf("custom matcher returned line range %d..%d outside buffer of %d lines",
			sm.FirstLine, sm.LastLine, len(lines))
	}
	return sm, nil
}

func resolveGuarded(resp Response) (out Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("response panic: %v", rec)
		}
	}()
	return resp.Resolve()
}

func (r *Registry) matchError(id string, err error, buffer string) *MatchError {
	var merr *MatchError
	if errors.As(err, &merr) {
		return merr
	}
	return &MatchError{
		PatternID: id,
		Err:       err,
		Excerpt:   Truncate(buffer, r.excerptBytes),
		Time:      r.now(),
	}
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// snapshot holds the raw and lazily stripped views of one buffer.
type snapshot struct {
	buffer   string
	raw      []string
	stripBuf string
	strip    []string
	done     bool
}

func newSnapshot(buffer string) *snapshot {
	return &snapshot{buffer: buffer, raw: SplitLines(buffer)}
}

func (s *snapshot) stripped() []string {
	if !s.done {
		s.stripBuf = StripANSI(s.buffer)
		s.strip = SplitLines(s.stripBuf)
		s.done = true
	}
	return s.strip
}

func (s *snapshot) strippedText() string {
	s.stripped()
	return s.stripBuf
}
