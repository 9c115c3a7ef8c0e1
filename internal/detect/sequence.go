package detect

import "strings"

// SequenceMatch is the outcome of matching one pattern sequence against a buffer.
type SequenceMatch struct {
	FirstLine int               // Smallest concrete anchor line (0-based)
	LastLine  int               // Largest concrete anchor line (0-based, inclusive)
	Captures  map[string]string // Placeholder name -> captured text; nil when empty
}

// MatchSequence matches a pattern sequence against buffer lines.
// It is the building block used by the registry; sequences made only of multiline
// placeholders never match (Register rejects them).
func MatchSequence(sequence []string, lines []string) *SequenceMatch {
	entries := make([]sequenceEntry, 0, len(sequence))
	for _, line := range sequence {
		phs := cachedPlaceholders(line)
		if HasMultiline(phs) {
			entries = append(entries, sequenceEntry{multiline: multilineNames(phs)})
			continue
		}
		entries = append(entries, sequenceEntry{line: NewLineMatcher(line)})
	}
	return matchEntries(entries, lines)
}

func multilineNames(phs []Placeholder) []string {
	var names []string
	for _, ph := range phs {
		if ph.Kind == PlaceholderMultiline {
			names = append(names, ph.Name)
		}
	}
	return names
}

func matchEntries(entries []sequenceEntry, lines []string) *SequenceMatch {
	if len(entries) == 0 {
		return &SequenceMatch{FirstLine: 0, LastLine: len(lines) - 1}
	}

	// anchors[i] is the buffer line matched by entry i, or -1 for deferred entries.
	anchors := make([]int, len(entries))
	captures := make(map[string]string)
	from := 0

	for i, entry := range entries {
		if entry.multiline != nil {
			anchors[i] = -1
			continue
		}

		found := -1
		for j := from; j < len(lines); j++ {
			caps, ok := entry.line.Match(lines[j])
			if !ok {
				continue
			}
			found = j
			for k, v := range caps {
				captures[k] = v
			}
			break
		}
		if found == -1 {
			return nil
		}
		anchors[i] = found
		from = found + 1
	}

	for i, entry := range entries {
		if entry.multiline == nil {
			continue
		}
		text := captureBetween(lines, prevAnchor(anchors, i), nextAnchor(anchors, i))
		for _, name := range entry.multiline {
			captures[name] = text
		}
	}

	first, last := -1, -1
	for _, a := range anchors {
		if a < 0 {
			continue
		}
		if first == -1 || a < first {
			first = a
		}
		if a > last {
			last = a
		}
	}
	if first == -1 {
		return nil
	}

	if len(captures) == 0 {
		captures = nil
	}
	return &SequenceMatch{FirstLine: first, LastLine: last, Captures: captures}
}

// prevAnchor returns the buffer line of the nearest concrete entry before i, or -1.
func prevAnchor(anchors []int, i int) int {
	for k := i - 1; k >= 0; k-- {
		if anchors[k] >= 0 {
			return anchors[k]
		}
	}
	return -1
}

// nextAnchor returns the buffer line of the nearest concrete entry after i, or -1.
func nextAnchor(anchors []int, i int) int {
	for k := i + 1; k < len(anchors); k++ {
		if anchors[k] >= 0 {
			return anchors[k]
		}
	}
	return -1
}

// captureBetween joins the lines strictly between prev and next.
// A missing prev starts at the top of the buffer; a missing next runs to the end.
func captureBetween(lines []string, prev, next int) string {
	start := 0
	if prev >= 0 {
		start = prev + 1
	}
	end := len(lines)
	if next >= 0 {
		end = next
	}
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}
