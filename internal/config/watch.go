package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDelay coalesces the burst of events an editor save produces.
const DefaultReloadDelay = 200 * time.Millisecond

// RulesetWatcher reloads the rules file whenever it changes on disk.
type RulesetWatcher struct {
	path   string
	fsw    *fsnotify.Watcher
	logger *zap.Logger
	delay  time.Duration
}

// NewRulesetWatcher watches the directory holding path, so that editors which
// replace the file instead of writing it in place are still noticed.
func NewRulesetWatcher(path string, logger *zap.Logger) (*RulesetWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ruleset path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &RulesetWatcher{
		path:   abs,
		fsw:    fsw,
		logger: logger,
		delay:  DefaultReloadDelay,
	}, nil
}

// SetDelay changes the reload debounce delay. Must be called before Run.
func (w *RulesetWatcher) SetDelay(d time.Duration) {
	if d > 0 {
		w.delay = d
	}
}

// Run delivers each successfully reloaded ruleset to onChange until ctx ends.
// A ruleset that fails to load is logged and the previous one stays in effect.
func (w *RulesetWatcher) Run(ctx context.Context, onChange func(*Ruleset)) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.delay)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Ruleset watch error", zap.Error(err))

		case <-timer.C:
			rs, err := LoadRuleset(w.path)
			if err != nil {
				w.logger.Warn("Ruleset reload failed, keeping previous rules",
					zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("Ruleset reloaded",
				zap.String("path", w.path), zap.Int("patterns", len(rs.Patterns)))
			onChange(rs)
		}
	}
}

// Close stops watching.
func (w *RulesetWatcher) Close() error {
	return w.fsw.Close()
}
