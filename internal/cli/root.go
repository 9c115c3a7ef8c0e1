// Package cli implements the promptpilot command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"promptpilot/internal/config"
	"promptpilot/internal/detect"
	"promptpilot/internal/logging"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	rulesPath  string
	logLevel   string
	logStderr  bool
}

// NewRootCmd builds the promptpilot command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "promptpilot",
		Short: "Answer the prompts of interactive terminal programs",
		Long: `promptpilot wraps an interactive program in a pseudo-terminal, watches its
output for the prompts described in a ruleset and types the configured
responses back.

Rules live in ~/.promptpilot/rules.yaml by default. Run 'promptpilot init'
to write a starting configuration.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default is ~/.promptpilot/config.yaml)")
	pf.StringVar(&opts.rulesPath, "rules", "", "ruleset file (overrides the config)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&opts.logStderr, "log-stderr", false, "log to stderr instead of the log directory")

	root.AddCommand(RunCmd(opts))
	root.AddCommand(ScanCmd(opts))
	root.AddCommand(CheckCmd(opts))
	root.AddCommand(WatchCmd(opts))
	root.AddCommand(InitCmd(opts))
	root.AddCommand(LogsCmd(opts))
	root.AddCommand(WebhookTestCmd(opts))
	root.AddCommand(VersionCmd())

	return root
}

// ExitError carries the exit status of a wrapped program out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("program exited with status %d", e.Code)
}

// Execute runs the command tree and returns the process exit status.
func Execute() int {
	err := NewRootCmd().Execute()
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Code < 0 {
			// Killed by a signal.
			return 1
		}
		return exit.Code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.rulesPath != "" {
		cfg.Rules = o.rulesPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is the config and logger a command runs with.
type session struct {
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error
}

// openSession loads the config and builds the logger. Dated log files older
// than the retention period are removed on the way.
func (o *rootOptions) openSession() (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(logging.Options{
		Dir:    cfg.LogPath(),
		Level:  cfg.LogLevel,
		Stderr: o.logStderr,
	})
	if err != nil {
		return nil, err
	}

	if !o.logStderr && cfg.LogRetentionDays > 0 {
		if n, err := logging.CleanupLogs(cfg.LogPath(), cfg.LogRetentionDays, logger); err != nil {
			logger.Warn("Log cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("Removed old log files", zap.Int("count", n))
		}
	}

	return &session{cfg: cfg, logger: logger, closeLog: closeLog}, nil
}

func (s *session) Close() {
	if err := s.closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing log: %v\n", err)
	}
}

// loadPatterns reads the ruleset named by the config. A missing file is
// reported with os.ErrNotExist in the chain.
func loadPatterns(cfg *config.Config) ([]detect.Pattern, error) {
	rs, err := config.LoadRuleset(cfg.RulesPath())
	if err != nil {
		return nil, err
	}
	return rs.ToPatterns()
}
