package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolgate/daemon"
	gateotel "github.com/petal-labs/toolgate/otel"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway: remote pipe listener and HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("pipe-network", "", "Remote pipe network: unix | tcp")
	cmd.Flags().String("pipe-address", "", "Remote pipe socket path or host:port")
	cmd.Flags().String("http-addr", "", "HTTP API listen address (empty string disables)")
	cmd.Flags().String("tools-dir", "", "Directory of tool definitions")
	cmd.Flags().String("journal", "", "Path to the SQLite call journal")
	cmd.Flags().Bool("no-watch", false, "Disable tool definition hot reload")

	return cmd
}

// applyServeFlags overrides cfg with flags the user set explicitly.
func applyServeFlags(cmd *cobra.Command, cfg *daemon.Config) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("pipe-network", &cfg.Pipe.Network)
	str("pipe-address", &cfg.Pipe.Address)
	str("http-addr", &cfg.HTTP.Addr)
	str("tools-dir", &cfg.Tools.Dir)
	str("journal", &cfg.Journal.Path)
	if noWatch, _ := flags.GetBool("no-watch"); noWatch {
		cfg.Tools.Watch = false
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return exitError(exitValidation, "%v", err)
	}
	logger := newLogger(cmd, cfg)

	shutdownTracing, err := gateotel.SetupTracing(cmd.Context(), gateotel.ProviderConfig{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return exitError(exitRuntime, "initializing tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("cli: trace shutdown failed", "error", err)
		}
	}()

	app, err := daemon.NewApp(cfg, daemon.AppOptions{Logger: logger})
	if err != nil {
		return exitError(exitRuntime, "starting gateway: %v", err)
	}
	defer func() { _ = app.Close() }()

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "toolgate serving %d tool(s); pipe %s %s", app.Registry().Len(), cfg.Pipe.Network, cfg.Pipe.Address)
	if cfg.HTTP.Addr != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "; http %s", cfg.HTTP.Addr)
	}
	fmt.Fprintln(cmd.OutOrStdout())

	if err := app.Run(ctx); err != nil {
		return exitError(exitRuntime, "server error: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	return nil
}
