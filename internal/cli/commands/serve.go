package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapfuse/internal/cli/config"
	"github.com/leapstack-labs/leapfuse/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execute service",
		Long: `Serve the execute protocol over HTTP against the configured target.

Endpoints:
  POST /execute   run one page of a query
  GET  /healthz   liveness
  GET  /metrics   Prometheus metrics`,
		Example: `  # Serve the local DuckDB database
  leapfuse serve --database warehouse.duckdb

  # Listen on all interfaces
  leapfuse serve --addr :8787`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from server.addr)")

	return cmd
}

func runServe(cmd *cobra.Command, addr string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := getConfig()
	logger := config.GetLogger(ctx)
	if addr == "" {
		addr = cfg.Server.Addr
	}

	exec, db, err := createExecutor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(server.Config{
		Executor:     exec,
		Addr:         addr,
		DefaultLimit: cfg.Preview.DefaultLimit,
		Registry:     reg,
		Logger:       logger,
	})
	return srv.Serve(ctx)
}
