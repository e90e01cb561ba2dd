package cli

import (
	"fmt"
	"log/slog"

	"github.com/me/dammer/internal/config"
	"github.com/me/dammer/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagLogFile   string

	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
)

// NewRootCmd creates the root cobra command for the dammer CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dammer",
		Short: "dammer orchestrates DamID pipelines on a batch cluster",
		Long: `dammer submits dependent pipeline stages to a batch scheduler, waits on
filesystem barriers between them, and aggregates replicate peak files into
threshold-swept reproducibility tracks.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(flagConfig)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("log-level") {
				cfg.Log.Level = flagLogLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = flagLogFormat
			}
			if flags.Changed("log-file") {
				cfg.Log.File = flagLogFile
			}
			if flagDebug {
				cfg.Log.Level = "debug"
			}
			logger, closeLog, err = logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			})
			if err != nil {
				return fmt.Errorf("set up logging: %w", err)
			}
			logger.Debug("configuration loaded", "config", flagConfig, "scheduler", cfg.Scheduler, "store", cfg.Store.Path)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if closeLog == nil {
				return nil
			}
			return closeLog()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (YAML, TOML or JSON); DAMMER_* env vars override it")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Also write the log to this file")

	root.AddCommand(
		newPlanCmd(),
		newRunCmd(),
		newPipelineCmd(),
		newAggregateCmd(),
		newStatusCmd(),
		newServeCmd(),
		newToolCmd(),
	)

	return root
}
