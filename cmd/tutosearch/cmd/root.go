// Package cmd provides the CLI commands for tutosearch.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tutosearch/internal/config"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/logging"
	"github.com/Aman-CERP/tutosearch/pkg/version"
)

// Command annotations read by the root pre-run hook.
const (
	// annotationNoConfig skips loading the configuration.
	annotationNoConfig = "tutosearch/no-config"
	// annotationDaemon keeps the configured log level; short-lived commands
	// only log warnings unless --debug is set.
	annotationDaemon = "tutosearch/daemon"
)

// app carries state shared by every subcommand of one root command.
type app struct {
	configPath string
	debug      bool

	cfg     *config.Config
	logger  *slog.Logger
	cleanup func()
}

// NewRootCmd creates the root command for the tutosearch CLI.
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "tutosearch",
		Short: "Search indexing and query service for the tutorial portal",
		Long: `tutosearch keeps a full-text index of published tutorials in sync with
the portal and answers search queries against it.

The index lives in one of three backends (embedded bleve, SQLite FTS5 or
Meilisearch). A daemon consumes lifecycle events, serves queries and runs
full rebuilds; the other commands talk to it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("tutosearch version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Configuration file (default: .tutosearch.yaml in the working directory)")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging to ~/.tutosearch/logs/")

	cmd.PersistentPreRunE = a.setup
	cmd.PersistentPostRunE = a.teardown

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newReindexCmd(a))
	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newEmitCmd(a))
	cmd.AddCommand(newLogsCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setup loads the configuration and installs the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[annotationNoConfig] == "true" {
		return nil
	}

	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	cfg, err := config.Load(dir, a.configPath)
	if err != nil {
		return tserrors.ConfigError(err.Error(), err)
	}
	a.cfg = cfg

	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.File,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: true,
	}
	switch {
	case a.debug:
		logCfg.Level = "debug"
		if logCfg.FilePath == "" {
			logCfg.FilePath = logging.DefaultLogPath()
		}
	case cmd.Annotations[annotationDaemon] != "true":
		logCfg.Level = "warn"
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	a.logger = logger
	a.cleanup = cleanup

	if a.debug {
		logger.Debug("debug_logging_enabled",
			slog.String("log_file", logCfg.FilePath),
			slog.String("version", version.Version))
	}
	return nil
}

// teardown flushes the log file.
func (a *app) teardown(_ *cobra.Command, _ []string) error {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
	return nil
}

// log returns the configured logger, or the default one before setup ran.
func (a *app) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return slog.Default()
}

// Execute runs the root command and prints failures in CLI form.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil && !errors.Is(err, errReported) {
		fmt.Fprint(os.Stderr, tserrors.FormatForCLI(err))
	}
	return err
}
