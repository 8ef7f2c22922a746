package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vincentbai/domspy-agent/internal/config"
	"github.com/vincentbai/domspy-agent/internal/database"
	"github.com/vincentbai/domspy-agent/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "domspy-agent",
	Short: "DOMSpy capture and correlation agent",
	Long: `domspy-agent records page interactions, network traffic and DOM
mutations for a consenting session, correlates them, and serves the
results over a local HTTP control surface.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or the app data dir)")
	rootCmd.AddCommand(serveCmd, replayCmd, snapshotsCmd, configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cfg.Dump(cmd.OutOrStdout())
	},
}

// openDatabase opens the snapshot store, creating its directory.
func openDatabase() (*database.Database, error) {
	if err := ensureDir(cfg.Snapshots.Path); err != nil {
		return nil, err
	}
	return database.NewDatabase(cfg.Snapshots.Path)
}
