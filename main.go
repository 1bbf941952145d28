package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/philpearl/bulkload/config"
	"github.com/philpearl/bulkload/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/philpearl/bulkload"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulkload",
		Short: "bulkload batches rows and loads them into a warehouse in bulk.",
		Long: `bulkload accepts rows over TCP, batches them per table and loads each batch
with a single multi-row INSERT or a staged COPY.

Configuration is read from the YAML file given with --config. Any value can be
overridden with an environment variable, e.g. BULKLOAD_LOADER_THRESHOLD.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "Path to the YAML configuration file.")

	cmd.AddCommand(
		serveCmd(),
		replayCmd(),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.Log.NewLogger(os.Stderr), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest server until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	meter, shutdownMetrics, err := startMetrics(ctx, cfg.Server.MetricsAddr, log)
	if err != nil {
		return err
	}
	defer shutdownMetrics()

	svc, err := newService(ctx, cfg, log, meter)
	if err != nil {
		return err
	}

	s, err := server.New(cfg.Server.Addr, log, meter, svc.set)
	if err != nil {
		svc.shutdown()
		return fmt.Errorf("creating server: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		svc.shutdown()
		return fmt.Errorf("starting server: %w", err)
	}
	log.LogAttrs(ctx, slog.LevelInfo, "serving", slog.Any("addr", s.Addr()))

	<-ctx.Done()
	log.LogAttrs(context.Background(), slog.LevelInfo, "shutting down")

	// Stop taking rows, then flush what we have. Batches still waiting to be
	// retried are spilled if spilling is configured.
	var result *multierror.Error
	if err := s.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stopping server: %w", err))
	}
	if err := svc.shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// startMetrics sets up an otel meter that exports to prometheus. If addr is
// not empty, /metrics is served there.
func startMetrics(ctx context.Context, addr string, log *slog.Logger) (metric.Meter, func(), error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	var srv *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.LogAttrs(ctx, slog.LevelError, "metrics server", slog.Any("error", err))
			}
		}()
	}

	return meter, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				log.LogAttrs(ctx, slog.LevelError, "stopping metrics server", slog.Any("error", err))
			}
		}
		if err := provider.Shutdown(ctx); err != nil {
			log.LogAttrs(ctx, slog.LevelError, "stopping meter provider", slog.Any("error", err))
		}
	}, nil
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Load the batches spilled for a table, then exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			table, err := cmd.Flags().GetString("table")
			if err != nil {
				return err
			}
			fields, err := cmd.Flags().GetStringSlice("fields")
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				fields = nil
			}
			if cfg.Spill.Dir == "" {
				return errors.New("spill.dir is not configured")
			}
			return replay(cmd.Context(), cfg, log, table, fields)
		},
	}
	cmd.Flags().String("table", "", "Table whose spilled batches are loaded.")
	cmd.Flags().StringSlice("fields", nil, "Column list the batches were spilled for.")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func replay(ctx context.Context, cfg *config.Config, log *slog.Logger, table string, fields []string) error {
	// Only the explicit replay below runs.
	cfg.Spill.Replay = false
	svc, err := newService(ctx, cfg, log, noop.Meter{})
	if err != nil {
		return err
	}
	l, err := svc.set.Get(ctx, table, fields)
	if err != nil {
		svc.shutdown()
		return err
	}
	n, err := svc.spiller.Replay(ctx, l)
	if err != nil {
		svc.shutdown()
		return fmt.Errorf("replaying: %w", err)
	}
	log.LogAttrs(ctx, slog.LevelInfo, "replay started", slog.String("table", table), slog.Int("batches", n))
	return svc.shutdown()
}
