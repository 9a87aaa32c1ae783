// Package main provides the reconciler entry point.
// Reconciles pathway enactments in the decision engine with the clinical repository.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/api/handlers"
	"github.com/drfirst/go-pathsync/internal/api/middleware"
	"github.com/drfirst/go-pathsync/internal/config"
	"github.com/drfirst/go-pathsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pathsync/internal/observability/logging"
	"github.com/drfirst/go-pathsync/internal/observability/metrics"
	"github.com/drfirst/go-pathsync/internal/reconcile"
	"github.com/drfirst/go-pathsync/pkg/workerpool"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "reconciler",
		Short:        "Drives patient pathway enactments from clinical repository data",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (default $CONFIG_FILE or ./conf.yaml)")

	load := func() (config.Config, error) {
		if configFile != "" {
			return config.LoadFile(configFile)
		}
		return config.Load()
	}

	root.AddCommand(
		newServeCmd(load),
		newRunOnceCmd(load),
		newEnsureTopicsCmd(load),
	)
	return root
}

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the admin API and the request consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	logger := a.logger

	if cfg.Kafka.Consume {
		consumer, err := a.newConsumer(ctx)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		consumer.Start()
		a.onClose(func(context.Context) error { return consumer.Stop() })
	}

	server := &http.Server{
		Addr:         cfg.Admin.Addr,
		Handler:      a.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting admin API", zap.String("addr", cfg.Admin.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	a.scheduler.Start(ctx)
	logger.Info("reconciler started", zap.Duration("interval", cfg.Scheduler.Interval))

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("admin API failed", zap.Error(err))
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(a.cfg.Admin.CORSOrigins))
	r.Use(middleware.Recover(a.logger))
	r.Use(middleware.Logger(a.logger.Named("http")))
	r.Use(middleware.Tracing(a.cfg.Service.Name))

	// no auth
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": a.cfg.Service.Name,
			"version": a.cfg.Service.Version,
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := a.checkReady(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if !a.scheduler.IsHealthy() {
			http.Error(w, "worker queue backed up", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	h := handlers.NewReconcileHandler(a.scheduler, a.de, a.breakers, a.ledger, a.logger.Named("admin"))
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(a.cfg.Admin.APIKeys))
		r.Mount("/", h.Routes())
	})
	return r
}

func newRunOnceCmd(load func() (config.Config, error)) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run one tick, wait for its patients and print the tick report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			report, err := a.scheduler.RunOnce(ctx)
			if err != nil {
				return err
			}
			// patients whose lease was held are claimed already; retry them until the timeout
			for a.scheduler.Carried() > 0 {
				select {
				case <-ctx.Done():
					a.logger.Warn("run ended with pending patients", zap.Int("pending", a.scheduler.Carried()))
				case <-time.After(cfg.Scheduler.Interval):
					if _, err := a.scheduler.RunOnce(ctx); err != nil {
						return err
					}
					continue
				}
				break
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runOnceReport{
				TickReport: report,
				Pending:    a.scheduler.Carried(),
				Workers:    a.scheduler.Stats(),
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "upper bound for the whole run")
	return cmd
}

type runOnceReport struct {
	reconcile.TickReport
	// Pending patients were claimed but never worked on before the timeout
	Pending int              `json:"pending"`
	Workers workerpool.Stats `json:"workers"`
}

func newEnsureTopicsCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-topics",
		Short: "Create the event and request topics and report consumer lag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging, cfg.Service)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			if err := redpanda.HealthCheck(ctx, cfg.Kafka.Brokers); err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			if err := admin.CreateTopics(ctx, redpanda.DefaultTopicConfigs(cfg.Kafka.EventTopic, cfg.Kafka.RequestTopic)); err != nil {
				return err
			}
			topics, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			lag, err := admin.GetConsumerGroupLag(ctx, cfg.Kafka.GroupID)
			if err != nil {
				logger.Warn("consumer group lag unavailable", zap.String("group", cfg.Kafka.GroupID), zap.Error(err))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{"topics": topics, "lag": lag})
		},
	}
}
