package wrap

import (
	"strings"
	"sync"
)

// Screen keeps the last lines of the wrapped program's output as the buffer
// that is scanned for prompts. A carriage return without a line feed starts
// the current line over, so spinners and progress bars collapse to their
// latest frame.
type Screen struct {
	mu       sync.Mutex
	maxLines int
	lines    []string // Completed lines, oldest first
	current  strings.Builder
	pendCR   bool // Last byte seen was '\r'
}

// NewScreen creates a Screen keeping maxLines lines, the current one included.
func NewScreen(maxLines int) *Screen {
	if maxLines < 1 {
		maxLines = 1
	}
	return &Screen{maxLines: maxLines}
}

// Write appends program output. It never fails.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	for i, b := range p {
		if b != '\r' && b != '\n' {
			if s.pendCR {
				// Bare CR: the line is being redrawn.
				s.current.Reset()
				s.pendCR = false
			}
			continue
		}
		s.current.Write(p[start:i])
		start = i + 1

		if b == '\r' {
			s.pendCR = true
			continue
		}
		s.pendCR = false
		s.lines = append(s.lines, s.current.String())
		s.current.Reset()
		s.trimLocked()
	}
	if start < len(p) {
		if s.pendCR {
			s.current.Reset()
			s.pendCR = false
		}
		s.current.Write(p[start:])
	}
	return len(p), nil
}

func (s *Screen) trimLocked() {
	keep := s.maxLines - 1
	if len(s.lines) > keep {
		n := copy(s.lines, s.lines[len(s.lines)-keep:])
		clear(s.lines[n:])
		s.lines = s.lines[:n]
	}
}

// Snapshot returns the retained lines joined with '\n'. The unfinished current
// line, where prompts usually sit, is included.
func (s *Screen) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	for i, l := range s.lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(l)
	}
	if s.current.Len() > 0 {
		if len(s.lines) > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(s.current.String())
	}
	return sb.String()
}

// Reset forgets all output.
func (s *Screen) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
	s.current.Reset()
	s.pendCR = false
}
