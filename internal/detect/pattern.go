package detect

import (
	"fmt"
	"strings"
)

// Kind classifies a pattern for dedup and debounce purposes.
type Kind string

const (
	KindNone         Kind = ""
	KindPrompt       Kind = "prompt"       // Persistent prompt waiting for input
	KindConfirmation Kind = "confirmation" // Yes/no style confirmation prompt
	KindCompletion   Kind = "completion"   // Transient one-shot event, exempt from dedup
)

// SelfClearing reports whether matches of this kind fire again on identical content.
func (k Kind) SelfClearing() bool {
	return k == KindCompletion
}

// ParseKind validates a kind name from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindNone, KindPrompt, KindConfirmation, KindCompletion:
		return k, nil
	default:
		return KindNone, fmt.Errorf("unknown pattern kind %q", s)
	}
}

// SequenceFunc replaces the built-in sequence matcher for a pattern.
// It receives the buffer lines (raw or stripped, see Pattern) and returns nil when nothing matches.
type SequenceFunc func(lines []string) (*SequenceMatch, error)

// Pattern is an automation rule: when Sequence matches the buffer, Response is typed.
type Pattern struct {
	ID           string
	Title        string
	Sequence     []string
	Response     Response
	Kind         Kind
	Notification string

	// Custom, when set, is evaluated instead of Sequence.
	Custom SequenceFunc
}

// ConstructionError reports an invalid pattern definition.
type ConstructionError struct {
	PatternID string
	Message   string
}

func (e *ConstructionError) Error() string {
	if e.PatternID == "" {
		return "invalid pattern: " + e.Message
	}
	return fmt.Sprintf("invalid pattern %q: %s", e.PatternID, e.Message)
}

// compiledPattern holds the per-line matchers built at registration.
type compiledPattern struct {
	Pattern
	entries []sequenceEntry
	raw     bool // Match against the raw buffer instead of the ANSI-stripped copy
}

// sequenceEntry is one pattern line, either a concrete anchor or a deferred multiline capture.
type sequenceEntry struct {
	line      *LineMatcher
	multiline []string // Names of multiline placeholders; non-nil means deferred
}

// Validate reports the ConstructionError Register would return for p.
func (p Pattern) Validate() error {
	_, err := compile(p)
	return err
}

// compile validates a pattern and builds its matchers.
func compile(p Pattern) (*compiledPattern, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, &ConstructionError{Message: "id is required"}
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, &ConstructionError{PatternID: p.ID, Message: "title is required"}
	}
	if _, err := ParseKind(string(p.Kind)); err != nil {
		return nil, &ConstructionError{PatternID: p.ID, Message: err.Error()}
	}

	cp := &compiledPattern{Pattern: p}
	cp.Sequence = append([]string(nil), p.Sequence...)

	concrete := 0
	for _, line := range cp.Sequence {
		phs := cachedPlaceholders(line)
		if HasMultiline(phs) {
			cp.entries = append(cp.entries, sequenceEntry{multiline: multilineNames(phs)})
		} else {
			cp.entries = append(cp.entries, sequenceEntry{line: NewLineMatcher(line)})
			concrete++
		}
		if ContainsANSI(line) {
			cp.raw = true
		}
	}

	if len(cp.Sequence) > 0 && concrete == 0 && p.Custom == nil {
		return nil, &ConstructionError{
			PatternID: p.ID,
			Message:   "sequence needs at least one line without a multiline placeholder",
		}
	}

	return cp, nil
}
