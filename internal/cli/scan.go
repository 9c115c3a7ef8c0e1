package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"promptpilot/internal/detect"
	"promptpilot/internal/notify"
)

// ScanCmd returns the scan command.
func ScanCmd(opts *rootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "scan [FILE|-]",
		Short: "Scan a terminal snapshot and print the match as JSON",
		Long: `Scan one terminal snapshot with the ruleset and print the winning match as
JSON. The snapshot is read from FILE, or from stdin when FILE is '-' or
omitted. Nothing is printed and the exit status is 1 when no pattern
matches.

Examples:
  promptpilot scan screen.txt
  tmux capture-pane -p | promptpilot scan --kind prompt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := detect.ParseKind(kind)
			if err != nil {
				return err
			}

			var input []byte
			if len(args) == 0 || args[0] == "-" {
				input, err = io.ReadAll(cmd.InOrStdin())
			} else {
				input, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read snapshot: %w", err)
			}

			s, err := opts.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			patterns, err := loadPatterns(s.cfg)
			if err != nil {
				return err
			}
			eng, err := newEngine(s, patterns, notify.NopNotifier{})
			if err != nil {
				return err
			}
			defer eng.Close()

			matches, err := eng.disp.ScanAsync(cmd.Context(), string(input), k)
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				return &ExitError{Code: 1}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(matches[0])
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only evaluate patterns of this kind: prompt, confirmation or completion")
	return cmd
}
