// Package notify delivers notifications about matches and session events.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"promptpilot/internal/config"
	"promptpilot/internal/detect"
)

// snippetBytes caps the matched content carried in a notification.
const snippetBytes = 500

// Notification represents a message to be sent.
type Notification struct {
	Event     EventType
	Title     string            // Pattern title or event headline
	PatternID string            // Empty for session events
	Kind      string            // Pattern kind, if any
	Message   string            // Rendered notification template or a default
	Snippet   string            // Matched content, truncated
	Data      map[string]string // Extracted placeholder values
	Response  []string          // What was typed, if anything
	Time      time.Time
}

// Notifier is the interface for sending notifications.
type Notifier interface {
	// Send delivers a notification.
	Send(ctx context.Context, n *Notification) error

	// Name returns the notifier type name.
	Name() string
}

// FromMatch builds a notification for a match. typed is true when the
// response was sent to the wrapped program.
func FromMatch(m detect.MatchResult, typed bool) *Notification {
	n := &Notification{
		Event:     EventMatch,
		Title:     m.PatternTitle,
		PatternID: m.PatternID,
		Kind:      string(m.Kind),
		Message:   m.RenderNotification(),
		Snippet:   detect.Truncate(m.FullMatchedContent, snippetBytes),
		Data:      m.ExtractedData,
		Time:      m.Time,
	}
	if typed {
		n.Event = EventResponse
		n.Response = m.Response.Strings()
	}
	if n.Message == "" {
		n.Message = "Matched " + m.PatternTitle
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	return n
}

// NewIdleNotification reports that the wrapped program went quiet.
func NewIdleNotification(cpuPct float64) *Notification {
	msg := "No output for the idle period"
	if cpuPct >= 0 {
		msg = fmt.Sprintf("No output (CPU: %.1f%%)", cpuPct)
	}
	return &Notification{
		Event:   EventIdle,
		Title:   "Idle",
		Message: msg,
		Time:    time.Now(),
	}
}

// NewQuarantineNotification reports a disabled pattern.
func NewQuarantineNotification(patternID string, errors int) *Notification {
	return &Notification{
		Event:     EventQuarantine,
		Title:     "Pattern Disabled",
		PatternID: patternID,
		Message:   fmt.Sprintf("Pattern %q disabled after %d errors", patternID, errors),
		Time:      time.Now(),
	}
}

// NewFailureNotification reports that matching stopped for the session.
func NewFailureNotification(err error) *Notification {
	return &Notification{
		Event:   EventFailed,
		Title:   "Matching Stopped",
		Message: err.Error(),
		Time:    time.Now(),
	}
}

// NewExitNotification reports that the wrapped program exited.
func NewExitNotification(command string, code int) *Notification {
	return &Notification{
		Event:   EventExit,
		Title:   "Process Exited",
		Message: fmt.Sprintf("%s exited with status %d", command, code),
		Time:    time.Now(),
	}
}

// NewNotifier creates the notifier selected by cfg. Webhooks configured next
// to a stdout or none primary are added as secondary destinations.
func NewNotifier(cfg config.NotifyConfig, opts StdoutOptions, logger *zap.Logger) (Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var primary Notifier
	switch cfg.Type {
	case "stdout":
		primary = NewStdoutNotifier(opts)
	case "webhook":
		wh := NewWebhookNotifier(cfg.Webhooks)
		if wh.EndpointCount() == 0 {
			return nil, fmt.Errorf("webhook notifier needs at least one url")
		}
		return wh, nil
	case "none", "":
		primary = NopNotifier{}
	default:
		return nil, fmt.Errorf("unknown notification type: %s", cfg.Type)
	}

	if len(cfg.Webhooks) > 0 {
		if wh := NewWebhookNotifier(cfg.Webhooks); wh.EndpointCount() > 0 {
			return NewMultiNotifier(logger, primary, wh), nil
		}
	}
	return primary, nil
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Name() string { return "none" }

func (NopNotifier) Send(ctx context.Context, n *Notification) error { return nil }
