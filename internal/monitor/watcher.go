package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FollowerConfig controls which transcripts a Follower reads.
type FollowerConfig struct {
	MaxFiles      int           // Most recent files followed under a directory
	MaxDepth      int           // Directory levels searched below the base path
	FromBeginning bool          // Read existing content of files present at start
	PollInterval  time.Duration // Fallback read interval when events are missed
}

// DefaultFollowerConfig returns the settings used by the watch command.
func DefaultFollowerConfig() FollowerConfig {
	return FollowerConfig{
		MaxFiles:     5,
		MaxDepth:     2,
		PollInterval: time.Second,
	}
}

// Follower reads transcript files under a path as they grow, waking on
// fsnotify events and polling as a fallback.
type Follower struct {
	cfg    FollowerConfig
	mgr    *TailerManager
	fsw    *fsnotify.Watcher
	logger *zap.Logger
}

// NewFollower creates a Follower for path, a file or a directory.
func NewFollower(path string, cfg FollowerConfig, logger *zap.Logger) (*Follower, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	f := &Follower{
		cfg:    cfg,
		mgr:    NewTailerManager(path, cfg.MaxFiles, cfg.MaxDepth, cfg.FromBeginning),
		fsw:    fsw,
		logger: logger,
	}

	if err := f.addWatches(path, info.IsDir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return f, nil
}

// addWatches watches a directory tree down to MaxDepth, or the parent
// directory of a single file so replacement by rename is seen.
func (f *Follower) addWatches(path string, isDir bool) error {
	if !isDir {
		return f.fsw.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if depthBelow(path, p) > f.cfg.MaxDepth {
			return filepath.SkipDir
		}
		return f.fsw.Add(p)
	})
}

// Paths returns the files currently followed.
func (f *Follower) Paths() []string {
	return f.mgr.Paths()
}

// Run delivers new complete lines per file until ctx is cancelled.
// onLines is called from Run's goroutine only.
func (f *Follower) Run(ctx context.Context, onLines func(path string, lines []string)) error {
	f.mgr.ForceRefresh()
	f.drain(onLines)

	poll := time.NewTicker(f.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-f.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := f.fsw.Add(event.Name); err != nil {
						f.logger.Warn("Cannot watch directory", zap.String("dir", event.Name), zap.Error(err))
					}
				}
				f.mgr.ForceRefresh()
			} else {
				f.mgr.RefreshFiles()
			}
			f.drain(onLines)

		case err, ok := <-f.fsw.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("fsnotify error", zap.Error(err))

		case <-poll.C:
			f.mgr.RefreshFiles()
			f.drain(onLines)
		}
	}
}

func (f *Follower) drain(onLines func(path string, lines []string)) {
	for path, lines := range f.mgr.ReadAllNew() {
		onLines(path, lines)
	}
}

// Close stops watching and closes every followed file. Call it after Run returns.
func (f *Follower) Close() error {
	f.mgr.Close()
	return f.fsw.Close()
}
