package detect

import (
	"fmt"
	"time"
)

// MatchResult is the winning match of one scan.
type MatchResult struct {
	PatternID             string            `json:"patternId"`
	PatternTitle          string            `json:"patternTitle"`
	Kind                  Kind              `json:"kind,omitempty"`
	Response              Response          `json:"response"`
	MatchedText           string            `json:"matchedText"`
	FullMatchedContent    string            `json:"fullMatchedContent"`
	FirstLineNumber       int               `json:"firstLineNumber"`
	LastLineNumber        int               `json:"lastLineNumber"`
	BufferContent         string            `json:"bufferContent"`
	StrippedBufferContent string            `json:"strippedBufferContent"`
	ExtractedData         map[string]string `json:"extractedData,omitempty"`
	Notification          string            `json:"notification,omitempty"`
	Time                  time.Time         `json:"timestamp"`
}

// RenderNotification fills the notification template with extracted data.
// Returns "" when the pattern has no notification.
func (m *MatchResult) RenderNotification() string {
	if m.Notification == "" {
		return ""
	}
	return Render(m.Notification, m.ExtractedData)
}

// MatchError records a failure while evaluating one pattern during a scan.
type MatchError struct {
	PatternID string
	Err       error
	Excerpt   string // Truncated buffer content the pattern failed on
	Time      time.Time
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("pattern %q: %v", e.PatternID, e.Err)
}

func (e *MatchError) Unwrap() error {
	return e.Err
}

// Outcome is the per-pattern result of one scan, used for metrics.
type Outcome struct {
	PatternID string
	Matched   bool
	Duration  time.Duration
	Err       *MatchError
}
