package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"promptpilot/internal/config"
	"promptpilot/internal/detect"
)

// CheckCmd returns the check command.
func CheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and list the patterns",
		Long: `Load the configuration and the ruleset, report any validation error and
list every pattern with its kind, placeholders and response.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			configPath := opts.configPath
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			if _, err := os.Stat(configPath); err == nil {
				fmt.Fprintf(out, "Config:  %s\n", configPath)
			} else {
				fmt.Fprintf(out, "Config:  defaults (no file at %s)\n", configPath)
			}
			fmt.Fprintf(out, "Rules:   %s\n", cfg.RulesPath())
			fmt.Fprintf(out, "Mode:    %s\n", cfg.Dispatch.Mode)
			fmt.Fprintf(out, "Notify:  %s\n", cfg.Notify.Type)
			fmt.Fprintln(out)

			rs, err := config.LoadRuleset(cfg.RulesPath())
			if err != nil {
				return err
			}

			enabled := 0
			for _, rule := range rs.Patterns {
				if !rule.Disabled {
					enabled++
				}
				printRule(out, rule)
			}
			fmt.Fprintf(out, "%d pattern(s), %d enabled\n", len(rs.Patterns), enabled)
			return nil
		},
	}
}

// printRule writes one pattern as a short block.
func printRule(w io.Writer, rule config.Rule) {
	id := color.New(color.FgCyan, color.Bold).Sprint(rule.ID)
	kind := rule.Kind
	if kind == "" {
		kind = "any"
	}
	status := ""
	if rule.Disabled {
		status = color.New(color.FgHiBlack).Sprint(" [disabled]")
	}
	fmt.Fprintf(w, "%s %s %s%s\n", id, color.New(color.FgYellow).Sprintf("[%s]", kind), rule.Title, status)

	var names []string
	for _, line := range rule.Sequence {
		fmt.Fprintf(w, "  | %s\n", line)
		for _, ph := range detect.ParsePlaceholders(line) {
			name := ph.Name
			if ph.Kind == detect.PlaceholderMultiline {
				name += " (multiline)"
			}
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		fmt.Fprintf(w, "  captures: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(w, "  response: %s\n", describeResponse(rule.Response))
	if rule.Notification != "" {
		fmt.Fprintf(w, "  notify:   %s\n", rule.Notification)
	}
	fmt.Fprintln(w)
}

func describeResponse(r config.ResponseSpec) string {
	switch {
	case r.Env != "":
		return "$" + r.Env
	case r.IsZero():
		return color.New(color.FgHiBlack).Sprint("(none)")
	case r.List != nil:
		return fmt.Sprintf("%q", r.List)
	default:
		return fmt.Sprintf("%q", *r.Literal)
	}
}
