// Package cli implements the toolgate command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolgate/daemon"
)

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "toolgate",
		Short: "Tool gateway for BIM automation backends",
		Long:  "toolgate dispatches validated tool calls to a remote Revit peer, the pyRevit CLI, Dynamo graphs, and composed workflows.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to toolgate.yaml (default: ./toolgate.yaml, then ~/.toolgate/config.yaml)")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("toolgate version %s\n", version))

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewToolsCmd())
	root.AddCommand(NewCallCmd())
	root.AddCommand(NewHistoryCmd())
	return root
}

// loadConfig discovers and loads the configuration named by --config.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := daemon.DiscoverConfigPath(explicit)
	if err != nil {
		if explicit != "" {
			return daemon.Config{}, exitError(exitFileNotFound, "%v", err)
		}
		return daemon.Config{}, exitError(exitRuntime, "%v", err)
	}
	if !found {
		path = ""
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return daemon.Config{}, exitError(exitValidation, "%v", err)
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		cfg.Log.Level = "error"
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg daemon.Config) *slog.Logger {
	return daemon.NewLogger(cfg.Log, cmd.ErrOrStderr())
}
