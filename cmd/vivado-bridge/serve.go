package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/vivado-bridge/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the toolchain operations as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics endpoint, e.g. :9464")
	return cmd
}

// stdio joins the command's input and output into one stream. Closing it
// leaves the process's descriptors open.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

func runServe(cmd *cobra.Command, opts *globalOptions, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(shutdownCtx)
	}()

	if cmd.Flags().Changed("metrics-addr") {
		a.cfg.Server.MetricsAddress = metricsAddr
	}
	if addr := a.cfg.Server.MetricsAddress; addr != "" {
		srv, err := startMetricsServer(a, addr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	server := mcp.NewServer(a.svc, version, a.logger)
	server.SetMetrics(a.metrics)
	server.SetTracing(a.tracing)

	a.logger.Info("Starting vivado-bridge",
		"version", version,
		"tools", len(server.Tools()),
		"metrics_address", a.cfg.Server.MetricsAddress,
	)

	err = server.Serve(ctx, stdio{Reader: cmd.InOrStdin(), Writer: cmd.OutOrStdout()})
	if mcp.IsClosed(err) {
		a.logger.Info("Bridge stopped")
		return nil
	}
	return err
}

// startMetricsServer serves /metrics and /healthz on addr in the background.
func startMetricsServer(a *app, addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(a.metrics.Handler(), "metrics"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server error", "error", err)
		}
	}()
	a.logger.Info("Metrics endpoint listening", "address", ln.Addr().String())
	return srv, nil
}
