package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"promptpilot/internal/config"
)

// InitCmd returns the init command.
func InitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration and a sample ruleset",
		Long: `Write the default configuration to ~/.promptpilot/config.yaml (or --config)
and a commented sample ruleset to the rules path. Existing files are kept
unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			configPath := opts.configPath
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			if configPath == "" {
				return fmt.Errorf("cannot determine the config path; pass --config")
			}

			cfg := config.DefaultConfig()
			if opts.rulesPath != "" {
				cfg.Rules = opts.rulesPath
			}

			if exists(configPath) && !force {
				fmt.Fprintf(out, "Config exists:  %s\n", configPath)
			} else {
				if err := config.Save(cfg, configPath); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Config written to %s\n", configPath)
			}

			rulesPath := cfg.RulesPath()
			if exists(rulesPath) && !force {
				fmt.Fprintf(out, "Rules exist:    %s\n", rulesPath)
			} else {
				if err := os.MkdirAll(filepath.Dir(rulesPath), 0755); err != nil {
					return fmt.Errorf("failed to create rules directory: %w", err)
				}
				if err := os.WriteFile(rulesPath, []byte(config.SampleRuleset), 0644); err != nil {
					return fmt.Errorf("failed to write rules: %w", err)
				}
				fmt.Fprintf(out, "✓ Sample rules written to %s\n", rulesPath)
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintln(out, "  promptpilot check")
			fmt.Fprintln(out, "  promptpilot run -- <command>")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
