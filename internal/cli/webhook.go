package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"promptpilot/internal/notify"
)

// WebhookTestCmd returns the webhook-test command.
func WebhookTestCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "webhook-test [URL]",
		Short: "Send a test event to the configured webhooks",
		Long: `Post a test event to URL, or to every webhook in the configuration when no
URL is given, and report the result of each.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			type target struct {
				url     string
				headers map[string]string
				timeout time.Duration
			}
			var targets []target
			if len(args) == 1 {
				targets = append(targets, target{url: args[0], timeout: timeout})
			} else {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				for _, wh := range cfg.Notify.Webhooks {
					t := timeout
					if wh.Timeout > 0 {
						t = time.Duration(wh.Timeout) * time.Second
					}
					targets = append(targets, target{url: wh.URL, headers: wh.Headers, timeout: t})
				}
			}
			if len(targets) == 0 {
				return fmt.Errorf("no webhooks configured")
			}

			failed := 0
			for _, t := range targets {
				if err := notify.TestWebhook(cmd.Context(), t.url, t.headers, t.timeout); err != nil {
					failed++
					fmt.Fprintf(out, "✗ %s: %v\n", t.url, err)
					continue
				}
				fmt.Fprintf(out, "✓ %s\n", t.url)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d webhook(s) failed", failed, len(targets))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
