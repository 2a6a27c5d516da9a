// Package main is the entry point for the vivado-bridge binary.
// It serves the toolchain operations over MCP and exposes the same
// operations as one-shot CLI commands.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/vivado-bridge/pkg/config"
	"github.com/polisai/vivado-bridge/pkg/logging"
	"github.com/polisai/vivado-bridge/pkg/service"
	"github.com/polisai/vivado-bridge/pkg/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath    string
	logLevel      string
	pretty        bool
	jsonOutput    bool
	vivadoVersion string
	installPath   string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for vivado-bridge
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "vivado-bridge",
		Short: "Toolchain bridge for Vivado builds and Tcl sessions",
		Long: `Runs Vivado batch builds and interactive Tcl sessions on behalf of an
agent or a terminal user.

"serve" exposes the operations as MCP tools over stdio. The remaining
commands run one operation and exit.

Example:
  vivado-bridge build ./top.xpr bitstream --vivado-version 2023.2`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML, JSON or TOML)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.pretty, "pretty", false, "Human readable log output")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")
	flags.StringVar(&opts.vivadoVersion, "vivado-version", "", "Toolchain version to use, e.g. 2023.2")
	flags.StringVar(&opts.installPath, "install-path", "", "Explicit toolchain installation root")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newDetectCmd(opts),
		newBuildCmd(opts),
		newStatusCmd(opts),
		newCleanCmd(opts),
		newShellCmd(opts),
	)
	return rootCmd
}

// loadConfig loads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	// CLI flags override config file values
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("pretty") {
		cfg.Logging.Pretty = opts.pretty
	}
	if flags.Changed("vivado-version") {
		cfg.Toolchain.Version = opts.vivadoVersion
	}
	if flags.Changed("install-path") {
		cfg.Toolchain.InstallPath = opts.installPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// app bundles what a subcommand needs once configuration is loaded.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracing *telemetry.TracingManager
	svc     *service.Service

	shutdownTracing func(context.Context) error
}

// newApp loads configuration and wires the service. Logs go to logOut so
// stdout stays free for results and protocol frames.
func newApp(ctx context.Context, cmd *cobra.Command, opts *globalOptions, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: logOut,
	})
	slog.SetDefault(logger)
	if cfg.Source != "" {
		logger.Debug("Loaded configuration", "path", cfg.Source)
	}

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	a := &app{
		cfg:             cfg,
		logger:          logger,
		metrics:         telemetry.NewMetrics(),
		tracing:         telemetry.NewTracingManager(cfg.Telemetry.OTLPEndpoint != ""),
		shutdownTracing: shutdown,
	}

	a.svc, err = service.New(ctx, cfg, service.Options{
		Logger:  logger,
		Metrics: a.metrics,
		Tracing: a.tracing,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return a, nil
}

// close closes every session and flushes buffered spans.
func (a *app) close(ctx context.Context) {
	if err := a.svc.Close(ctx); err != nil {
		a.logger.Error("Failed to close sessions", "error", err)
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn("Failed to flush traces", "error", err)
	}
}
