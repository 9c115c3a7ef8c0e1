package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"promptpilot/internal/config"
	"promptpilot/internal/dispatch"
	"promptpilot/internal/notify"
	"promptpilot/internal/wrap"
)

// RunCmd returns the run command.
func RunCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun     bool
		mode       string
		notifyType string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARGS...]",
		Short: "Run a program and answer its prompts",
		Long: `Run a program under a pseudo-terminal. Its output is shown as usual and
scanned for the patterns of the ruleset; when one matches, the pattern's
response is typed into the program and a notification is sent.

The ruleset is reloaded when the file changes. The exit status of the
program becomes the exit status of promptpilot.

Examples:
  promptpilot run -- claude
  promptpilot run --dry-run -- npm init`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if mode != "" {
				if _, err := dispatch.ParseMode(mode); err != nil {
					return err
				}
				s.cfg.Dispatch.Mode = mode
			}
			if notifyType != "" {
				s.cfg.Notify.Type = notifyType
			}

			wopts := wrap.OptionsFromConfig(s.cfg, args)
			wopts.DryRun = dryRun
			wopts.Stdin = cmd.InOrStdin()
			wopts.Stdout = cmd.OutOrStdout()

			code, err := runProgram(cmd.Context(), s, wopts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "notify about matches without typing responses")
	cmd.Flags().StringVar(&mode, "mode", "", "dispatch mode: sync or concurrent (overrides the config)")
	cmd.Flags().StringVar(&notifyType, "notify", "", "notifier: stdout, webhook or none (overrides the config)")
	return cmd
}

// runProgram wraps the program described by wopts until it exits.
// Notifications printed to the terminal go to errOut.
func runProgram(ctx context.Context, s *session, wopts wrap.Options, errOut io.Writer) (int, error) {
	cfg := s.cfg
	logger := s.logger

	patterns, err := loadPatterns(cfg)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("Ruleset not found, starting without patterns", zap.String("path", cfg.RulesPath()))
	} else if err != nil {
		return 1, err
	}

	notifier, err := notify.NewNotifier(cfg.Notify, notify.StdoutOptions{Writer: errOut, Raw: true}, logger.Named("notify"))
	if err != nil {
		return 1, fmt.Errorf("failed to create notifier: %w", err)
	}
	if c, ok := notifier.(io.Closer); ok {
		defer c.Close()
	}

	eng, err := newEngine(s, patterns, notifier)
	if err != nil {
		return 1, err
	}
	defer eng.Close()
	defer eng.logReport()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if w, err := config.NewRulesetWatcher(cfg.RulesPath(), logger.Named("rules")); err != nil {
		logger.Warn("Ruleset hot reload disabled", zap.Error(err))
	} else {
		defer w.Close()
		go w.Run(ctx, func(rs *config.Ruleset) {
			syncRuleset(eng.disp, rs, logger)
		})
	}

	runner := wrap.NewRunner(wopts, eng.disp, notifier, logger.Named("wrap"))
	return runner.Run(ctx)
}

// syncRuleset applies a reloaded ruleset to a running dispatcher.
func syncRuleset(d *dispatch.Dispatcher, rs *config.Ruleset, logger *zap.Logger) {
	patterns, err := rs.ToPatterns()
	if err != nil {
		logger.Warn("Reloaded ruleset rejected", zap.Error(err))
		return
	}
	if _, err := d.SyncPatterns(patterns); err != nil {
		logger.Warn("Some reloaded patterns were skipped", zap.Error(err))
	}
}
