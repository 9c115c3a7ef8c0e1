package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"promptpilot/internal/logging"
	"promptpilot/internal/monitor"
)

// LogsCmd returns the logs command.
func LogsCmd(opts *rootOptions) *cobra.Command {
	var (
		tail   int
		follow bool
		list   bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the promptpilot log",
		Long: `Print the end of the newest log file, follow it as it grows, or list
every dated log file in the log directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			dir := cfg.LogPath()

			logs, err := logging.ListLogFiles(dir)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				return fmt.Errorf("no log files found in %s", dir)
			}

			if list {
				return listLogs(out, dir, logs)
			}

			if snippet := monitor.TailSnippet(logs[0].Path, tail, 0); snippet != "" {
				fmt.Fprintln(out, snippet)
			}
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = followLog(ctx, logs[0].Path, out)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&tail, "lines", "n", 50, "number of lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing lines as they are written")
	cmd.Flags().BoolVar(&list, "list", false, "list the log files instead")
	return cmd
}

func listLogs(w io.Writer, dir string, logs []logging.LogFileInfo) error {
	total, err := logging.TotalLogSize(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Logs:  %d file(s) in %s\n", len(logs), dir)
	fmt.Fprintf(w, "Size:  %s\n\n", monitor.HumanBytes(total))
	for _, l := range logs {
		fmt.Fprintf(w, "  %-32s %10s  %s\n", l.Name, monitor.HumanBytes(l.Size), formatAge(l.ModTime))
	}
	return nil
}

// followLog prints lines appended to path until ctx ends.
func followLog(ctx context.Context, path string, w io.Writer) error {
	f, err := monitor.NewFollower(path, monitor.FollowerConfig{PollInterval: 200 * time.Millisecond}, nil)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Run(ctx, func(_ string, lines []string) {
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	})
}

// formatAge formats a time as a human-readable age string.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown age"
	}
	since := time.Since(t)
	switch {
	case since < time.Minute:
		return "just now"
	case since < time.Hour:
		return fmt.Sprintf("%dm ago", int(since.Minutes()))
	case since < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(since.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(since.Hours()/24))
	}
}
