package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/datacarousel/carousel/pkg/agent"
	"github.com/datacarousel/carousel/pkg/config"
	"github.com/datacarousel/carousel/pkg/database"
	"github.com/datacarousel/carousel/pkg/dataservice"
	"github.com/datacarousel/carousel/pkg/log"
	"github.com/datacarousel/carousel/pkg/metrics"
)

var transformAgentCmd = &cobra.Command{
	Use:   "transform-agent",
	Short: "Run the transform agent",
	Long: `Run the transform polling loop: claim due transforms, discover and
map inputs, create and submit processings, roll up status. Runs until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(func(cfg config.Config, db *database.DB, svc dataservice.DataService) (agent.Agent, config.Agent) {
			return agent.NewTransformAgent(db, svc, cfg.TransformAgent), cfg.TransformAgent
		})
	},
}

var processingAgentCmd = &cobra.Command{
	Use:   "processing-agent",
	Short: "Run the processing agent",
	Long: `Run the processing polling loop: claim due processings, poll their
replication rules, reconcile per-file progress. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(func(cfg config.Config, db *database.DB, svc dataservice.DataService) (agent.Agent, config.Agent) {
			return agent.NewProcessingAgent(db, svc, cfg.ProcessingAgent), cfg.ProcessingAgent
		})
	},
}

// runAgent wires the shared agent-process skeleton: config, database,
// data service client with breaker, metrics/health HTTP, janitor, signal
// handling.
func runAgent(build func(config.Config, *database.DB, dataservice.DataService) (agent.Agent, config.Agent)) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	svc := dataservice.NewBreaker(dataservice.NewClient(cfg.DataService.Endpoint, cfg.DataService.Account))
	a, agentCfg := build(cfg, db, svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(ctx, cfg.MetricsListen)
	go func() {
		_ = agent.Run(ctx, agent.NewJanitor(db, cfg.Janitor.LockLifetime.Std()), cfg.Janitor.Interval.Std())
	}()

	err = agent.Run(ctx, a, agentCfg.PollPeriod.Std())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMetrics exposes prometheus metrics and a liveness endpoint.
func serveMetrics(ctx context.Context, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger := log.WithComponent("metrics")
		logger.Error().Err(err).Msg("metrics server failed")
	}
}
