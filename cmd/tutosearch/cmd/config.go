package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/tutosearch/configs"
	"github.com/Aman-CERP/tutosearch/internal/config"
	"github.com/Aman-CERP/tutosearch/internal/output"
)

// redacted replaces secrets in displayed configuration.
const redacted = "********"

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage tutosearch configuration.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/tutosearch/config.yaml)
  3. Project config (.tutosearch.yaml) or --config
  4. Environment variables (TUTOSEARCH_*)`,
		Example: `  # Create the user config from the template
  tutosearch config init

  # Show the effective configuration
  tutosearch config show`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		project bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file from the template",
		Long: `Create a commented configuration file.

By default the user configuration is created at ~/.config/tutosearch/config.yaml
(or $XDG_CONFIG_HOME/tutosearch/config.yaml). With --project it is created as
.tutosearch.yaml in the working directory. An existing file is kept unless
--force is given, in which case it is backed up first.`,
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.GetUserConfigPath()
			if project {
				path = ".tutosearch.yaml"
			}
			return runConfigInit(cmd, path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file (a backup is kept)")
	cmd.Flags().BoolVar(&project, "project", false, "Create .tutosearch.yaml in the working directory")

	return cmd
}

func runConfigInit(cmd *cobra.Command, path string, force bool) error {
	out := output.New(cmd.OutOrStdout())

	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warning("Configuration already exists")
			out.Statusf("📁", "Location: %s", path)
			out.Status("💡", "Use --force to replace it (a backup is kept)")
			return nil
		}
		backup, err := config.Backup(path)
		if err != nil {
			return err
		}
		out.Statusf("💾", "Backup: %s", backup)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out.Success("Created configuration")
	out.Statusf("📁", "Location: %s", path)
	out.Status("💡", "Run 'tutosearch config show' to verify")
	return nil
}

func newConfigShowCmd(a *app) *cobra.Command {
	var (
		jsonOutput bool
		defaults   bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Show the configuration after merging defaults, files and environment.
Secrets are redacted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if defaults {
				cfg = config.NewConfig()
			}
			return runConfigShow(cmd, cfg, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Show the built-in defaults only")

	return cmd
}

func runConfigShow(cmd *cobra.Command, cfg *config.Config, jsonOutput bool) error {
	out := output.New(cmd.OutOrStdout())
	shown := redact(cfg)

	if jsonOutput {
		return out.JSON(shown)
	}

	data, err := yaml.Marshal(shown)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// redact returns a copy of cfg with credentials masked.
func redact(cfg *config.Config) *config.Config {
	cp := *cfg
	if cp.Backend.External.APIKey != "" {
		cp.Backend.External.APIKey = redacted
	}
	if cp.Content.DatabaseURL != "" {
		cp.Content.DatabaseURL = redacted
	}
	if cp.Events.RedisURL != "" {
		cp.Events.RedisURL = redacted
	}
	return &cp
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the user config file path",
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}
