package detect

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// LineMatcher matches one pattern line against one buffer line.
// Build it once per pattern line with NewLineMatcher; it is safe for concurrent use.
type LineMatcher struct {
	source       string
	placeholders []Placeholder // Simple placeholders, sorted by offset
	literal      string        // Used when there are no placeholders or compilation failed
	re           *regexp.Regexp
}

// marker stands in for a placeholder while the literal text is escaped.
// It cannot appear in QuoteMeta output because NUL is never escaped into it.
const marker = "\x00ph\x00"

var lineMatcherCache sync.Map // map[string]*LineMatcher

// NewLineMatcher compiles a pattern line. Multiline placeholders are ignored here;
// the sequence matcher resolves them separately.
func NewLineMatcher(line string) *LineMatcher {
	if v, ok := lineMatcherCache.Load(line); ok {
		return v.(*LineMatcher)
	}

	m := &LineMatcher{source: line}
	for _, ph := range cachedPlaceholders(line) {
		if ph.Kind == PlaceholderSimple {
			m.placeholders = append(m.placeholders, ph)
		}
	}
	sort.SliceStable(m.placeholders, func(i, j int) bool {
		return m.placeholders[i].Start < m.placeholders[j].Start
	})

	if len(m.placeholders) == 0 {
		m.literal = line
	} else if re, err := compileLine(line, m.placeholders); err == nil {
		m.re = re
	} else {
		m.literal = removePlaceholders(line, m.placeholders)
	}

	lineMatcherCache.Store(line, m)
	return m
}

// compileLine builds a regexp anchored to the whole line where each placeholder becomes a capture group
// and every other byte is matched literally.
func compileLine(line string, phs []Placeholder) (*regexp.Regexp, error) {
	var sb strings.Builder
	last := 0
	for _, ph := range phs {
		sb.WriteString(line[last:ph.Start])
		sb.WriteString(marker)
		last = ph.End
	}
	sb.WriteString(line[last:])

	escaped := regexp.QuoteMeta(sb.String())
	expr := strings.ReplaceAll(escaped, marker, "(.*)")
	return regexp.Compile("^" + expr + "$")
}

// frameRunes are the borders TUIs draw around prompt boxes.
const frameRunes = "│┃║|"

// trimFrame removes surrounding whitespace and one box border on each side.
func trimFrame(line string) string {
	line = strings.TrimSpace(line)
	for _, r := range frameRunes {
		b := string(r)
		if strings.HasPrefix(line, b) {
			line = strings.TrimPrefix(line, b)
			break
		}
	}
	for _, r := range frameRunes {
		b := string(r)
		if strings.HasSuffix(line, b) {
			line = strings.TrimSuffix(line, b)
			break
		}
	}
	return strings.TrimSpace(line)
}

func removePlaceholders(line string, phs []Placeholder) string {
	var sb strings.Builder
	last := 0
	for _, ph := range phs {
		sb.WriteString(line[last:ph.Start])
		last = ph.End
	}
	sb.WriteString(line[last:])
	return sb.String()
}

// Source returns the pattern line the matcher was built from.
func (m *LineMatcher) Source() string {
	return m.source
}

// Match reports whether bufferLine matches and returns simple placeholder captures.
// Captures is nil when the pattern line has no placeholders.
func (m *LineMatcher) Match(bufferLine string) (captures map[string]string, ok bool) {
	if m.re == nil {
		return nil, strings.Contains(bufferLine, m.literal)
	}

	// The bare line is tried first; patterns that spell out the frame still match the raw line.
	groups := m.re.FindStringSubmatch(trimFrame(bufferLine))
	if groups == nil {
		groups = m.re.FindStringSubmatch(bufferLine)
	}
	if groups == nil {
		return nil, false
	}

	captures = make(map[string]string, len(m.placeholders))
	for i, ph := range m.placeholders {
		captures[ph.Name] = groups[i+1]
	}
	return captures, true
}
