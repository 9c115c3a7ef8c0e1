package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// MultiNotifier sends notifications to a primary notifier and any number of
// best-effort secondary notifiers.
type MultiNotifier struct {
	primary   Notifier
	secondary []Notifier
	logger    *zap.Logger
}

// NewMultiNotifier creates a notifier that sends to multiple destinations.
func NewMultiNotifier(logger *zap.Logger, primary Notifier, secondary ...Notifier) *MultiNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiNotifier{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}
}

// Name returns the combined notifier names.
func (m *MultiNotifier) Name() string {
	names := []string{m.primary.Name()}
	for _, n := range m.secondary {
		names = append(names, n.Name())
	}
	return strings.Join(names, "+")
}

// Send delivers to the primary first, then to every secondary. Only a
// primary failure is returned.
func (m *MultiNotifier) Send(ctx context.Context, n *Notification) error {
	if err := m.primary.Send(ctx, n); err != nil {
		return fmt.Errorf("primary notifier (%s) failed: %w", m.primary.Name(), err)
	}

	for _, s := range m.secondary {
		if err := s.Send(ctx, n); err != nil {
			m.logger.Warn("Secondary notifier failed",
				zap.String("notifier", s.Name()),
				zap.String("event", string(n.Event)),
				zap.Error(err))
		}
	}
	return nil
}

// Primary returns the primary notifier.
func (m *MultiNotifier) Primary() Notifier {
	return m.primary
}

// Secondary returns the secondary notifiers.
func (m *MultiNotifier) Secondary() []Notifier {
	return m.secondary
}

// Close closes every notifier that has a Close method.
func (m *MultiNotifier) Close() error {
	var errs []error
	for _, n := range append([]Notifier{m.primary}, m.secondary...) {
		if closer, ok := n.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
