package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"promptpilot/internal/detect"
	"promptpilot/internal/dispatch"
	"promptpilot/internal/monitor"
	"promptpilot/internal/notify"
	"promptpilot/internal/wrap"
)

// WatchCmd returns the watch command.
func WatchCmd(opts *rootOptions) *cobra.Command {
	fcfg := monitor.DefaultFollowerConfig()

	cmd := &cobra.Command{
		Use:   "watch PATH",
		Short: "Follow transcript files and report matching prompts",
		Long: `Follow a transcript file, or the most recently modified transcripts in a
directory, and report every pattern that matches the text they gain.
Nothing is typed: watch only notifies.

Examples:
  promptpilot watch session.log
  promptpilot watch --from-beginning ~/.local/state/agent/logs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl+C to stop)\n", args[0])
			err = watchPath(ctx, s, args[0], fcfg, cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&fcfg.FromBeginning, "from-beginning", false, "scan the existing content of the files too")
	cmd.Flags().IntVar(&fcfg.MaxFiles, "max-files", fcfg.MaxFiles, "most recent files followed in a directory")
	cmd.Flags().IntVar(&fcfg.MaxDepth, "depth", fcfg.MaxDepth, "directory levels searched for transcripts")
	return cmd
}

// watchPath follows path until ctx ends, scanning a rolling snapshot of each
// file after it grows. Matches are notified, printed to out by default.
func watchPath(ctx context.Context, s *session, path string, fcfg monitor.FollowerConfig, out io.Writer) error {
	cfg := s.cfg
	logger := s.logger

	patterns, err := loadPatterns(cfg)
	if err != nil {
		return err
	}

	notifier, err := notify.NewNotifier(cfg.Notify, notify.StdoutOptions{Writer: out}, logger.Named("notify"))
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}
	if c, ok := notifier.(io.Closer); ok {
		defer c.Close()
	}

	eng, err := newEngine(s, patterns, notifier)
	if err != nil {
		return err
	}
	defer eng.Close()
	defer eng.logReport()

	f, err := monitor.NewFollower(path, fcfg, logger.Named("follow"))
	if err != nil {
		return err
	}
	defer f.Close()

	screens := make(map[string]*wrap.Screen)
	return f.Run(ctx, func(file string, lines []string) {
		screen, ok := screens[file]
		if !ok {
			screen = wrap.NewScreen(cfg.Wrap.BufferLines)
			screens[file] = screen
			logger.Info("Following transcript", zap.String("file", file))
		}
		screen.Write([]byte(strings.Join(lines, "\n") + "\n"))

		matches, err := eng.disp.ScanAsync(ctx, screen.Snapshot(), detect.KindNone)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, dispatch.ErrClosed) {
				logger.Warn("Scan failed", zap.String("file", file), zap.Error(err))
			}
			return
		}
		for _, m := range matches {
			logger.Info("Pattern matched",
				zap.String("pattern", m.PatternID),
				zap.String("file", file),
				zap.Int("firstLine", m.FirstLineNumber),
				zap.Int("lastLine", m.LastLineNumber))
			send(logger, notifier, notify.FromMatch(m, false))
		}
	})
}
