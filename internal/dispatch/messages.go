package dispatch

import (
	"time"

	"promptpilot/internal/detect"
)

// Message is exchanged between the dispatcher and its execution unit.
// The set is closed: only the types in this file implement it.
type Message interface {
	isMessage()
}

// InitMsg hands the unit its pattern set. It is always the first message of a unit.
type InitMsg struct {
	Patterns []detect.Pattern
}

// RegisterMsg adds one pattern to a running unit.
type RegisterMsg struct {
	Pattern detect.Pattern
}

// UnregisterMsg removes one pattern from a running unit.
type UnregisterMsg struct {
	PatternID string
}

// ScanMsg asks the unit to scan a buffer snapshot.
type ScanMsg struct {
	ID     string
	Buffer string
	Kind   detect.Kind     // Optional type filter
	Skip   map[string]bool // Quarantined pattern ids
	Time   time.Time
}

// StopMsg asks the unit to exit cleanly.
type StopMsg struct{}

// ReadyMsg reports that the unit finished initialisation.
type ReadyMsg struct {
	Patterns int
}

// ResultMsg answers a ScanMsg with the same ID.
type ResultMsg struct {
	ID       string
	Matches  []detect.MatchResult // 0 or 1 entries
	Outcomes []detect.Outcome
	Elapsed  time.Duration
	Error    string // Partial failures, e.g. patterns that failed during the scan
}

// ErrorMsg reports a unit-side failure. An empty ID is not tied to a request.
type ErrorMsg struct {
	ID  string
	Err string
}

func (InitMsg) isMessage()       {}
func (RegisterMsg) isMessage()   {}
func (UnregisterMsg) isMessage() {}
func (ScanMsg) isMessage()       {}
func (StopMsg) isMessage()       {}
func (ReadyMsg) isMessage()      {}
func (ResultMsg) isMessage()     {}
func (ErrorMsg) isMessage()      {}
