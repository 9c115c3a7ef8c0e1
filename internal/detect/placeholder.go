// Package detect provides the prompt pattern engine: placeholder parsing,
// line and sequence matching, and the registry that selects one match per scan.
package detect

import (
	"strings"
	"sync"
)

// PlaceholderKind selects how a placeholder captures buffer text.
type PlaceholderKind int

const (
	PlaceholderSimple    PlaceholderKind = iota // Captures text within a single line
	PlaceholderMultiline                        // Captures whole lines between two anchors
)

func (k PlaceholderKind) String() string {
	switch k {
	case PlaceholderSimple:
		return "simple"
	case PlaceholderMultiline:
		return "multiline"
	default:
		return "unknown"
	}
}

const (
	openDelim     = "{{"
	closeDelim    = "}}"
	multilineWord = "multiline"
)

// Placeholder is a `{{ name }}` or `{{ name | multiline }}` token found in a pattern line.
type Placeholder struct {
	Name  string
	Kind  PlaceholderKind
	Start int // Byte offset of "{{" in the pattern line
	End   int // Byte offset just past "}}"
}

// ParsePlaceholders returns the placeholders of a pattern line in the order they appear.
// Unbalanced delimiters and tokens with an empty name are literal text.
func ParsePlaceholders(line string) []Placeholder {
	var out []Placeholder
	pos := 0
	for pos < len(line) {
		open := strings.Index(line[pos:], openDelim)
		if open == -1 {
			break
		}
		open += pos

		shut := strings.Index(line[open+len(openDelim):], closeDelim)
		if shut == -1 {
			break // Unbalanced: the rest of the line is literal
		}
		shut += open + len(openDelim)

		body := line[open+len(openDelim) : shut]
		end := shut + len(closeDelim)

		// A nested opener means the first "{{" was literal; resume from the inner one.
		if inner := strings.LastIndex(body, openDelim); inner != -1 {
			pos = open + len(openDelim) + inner
			continue
		}

		if ph, ok := parseToken(body); ok {
			ph.Start = open
			ph.End = end
			out = append(out, ph)
		}
		pos = end
	}
	return out
}

// parseToken interprets the text between delimiters.
func parseToken(body string) (Placeholder, bool) {
	name, kindWord, hasKind := strings.Cut(body, "|")
	name = strings.TrimSpace(name)
	if name == "" {
		return Placeholder{}, false
	}

	ph := Placeholder{Name: name, Kind: PlaceholderSimple}
	if hasKind && strings.TrimSpace(kindWord) == multilineWord {
		ph.Kind = PlaceholderMultiline
	}
	return ph, true
}

// HasMultiline reports whether any placeholder is of the multiline kind.
func HasMultiline(phs []Placeholder) bool {
	for _, ph := range phs {
		if ph.Kind == PlaceholderMultiline {
			return true
		}
	}
	return false
}

// placeholderCache memoizes ParsePlaceholders per distinct pattern line.
var placeholderCache sync.Map // map[string][]Placeholder

func cachedPlaceholders(line string) []Placeholder {
	if v, ok := placeholderCache.Load(line); ok {
		return v.([]Placeholder)
	}
	phs := ParsePlaceholders(line)
	placeholderCache.Store(line, phs)
	return phs
}

// Render substitutes `{{name}}` tokens in tmpl with values from data.
// Tokens without a value are left untouched.
func Render(tmpl string, data map[string]string) string {
	phs := cachedPlaceholders(tmpl)
	if len(phs) == 0 {
		return tmpl
	}

	var sb strings.Builder
	last := 0
	for _, ph := range phs {
		sb.WriteString(tmpl[last:ph.Start])
		if v, ok := data[ph.Name]; ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(tmpl[ph.Start:ph.End])
		}
		last = ph.End
	}
	sb.WriteString(tmpl[last:])
	return sb.String()
}
