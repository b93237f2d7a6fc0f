/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/dispatch/pkg/advisor"
	"github.com/fleetops/dispatch/pkg/assignment"
	"github.com/fleetops/dispatch/pkg/batching"
	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/engines"
	"github.com/fleetops/dispatch/pkg/escalation"
	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/httpapi"
	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/routing"
	"github.com/fleetops/dispatch/pkg/store"
	"github.com/fleetops/dispatch/pkg/targets"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "fleet-optimization control plane for last-mile delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	root.AddCommand(
		newServeCommand(&configPath),
		newMigrateCommand(&configPath),
	)
	return root
}

func loadConfig(path string) (config.Config, error) {
	// A missing .env file is fine; it only exists in dev setups.
	_ = godotenv.Load()
	return config.Load(path)
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the engines and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("building logger, %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger.Sugar())
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := store.New(cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if cfg.Redis.Addr != "" {
		liveness := store.NewLiveness(cfg.Redis.Addr, log)
		if err := liveness.Ping(ctx); err != nil {
			return err
		}
		defer func() { _ = liveness.Close() }()
		st = st.WithLiveness(liveness)
	}
	if err := st.WaitReady(ctx); err != nil {
		return err
	}

	publisher := events.NewPublisher(cfg.Kafka, log)
	defer func() { _ = publisher.Close() }()

	assigner := assignment.NewEngine(st, cfg.Scorer, publisher, log)
	planner := routing.NewEngine(st, cfg.Optimizer, log)
	batcher := batching.NewEngine(st, cfg.Batching, log)
	monitor := escalation.NewMonitor(st, publisher, log)
	tracker := targets.NewTracker(st, cfg, log)

	orchestrator := engines.NewOrchestrator(engines.Tickers{
		Dispatch:   assigner,
		Routes:     planner,
		Batching:   batcher,
		Escalation: monitor,
	}, cfg.Cycle, log)
	for _, outcome := range orchestrator.StartAll() {
		if outcome.Error != "" {
			return fmt.Errorf("starting engine %s, %s", outcome.Name, outcome.Error)
		}
		log.Infof("engine %s started", outcome.Name)
	}

	server := httpapi.NewServer(st, assigner, planner, tracker, orchestrator, advisor.RuleBased{}, registry, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Infof("listening on %s", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http, %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")
		for _, outcome := range orchestrator.StopAll() {
			if outcome.Error != "" {
				log.Errorf("stopping engine %s, %s", outcome.Name, outcome.Error)
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("building logger, %w", err)
			}
			defer func() { _ = logger.Sync() }()
			log := logger.Sugar()

			st, err := store.New(cfg.Store, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}
