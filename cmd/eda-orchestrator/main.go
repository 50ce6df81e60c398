/*
Copyright 2024 The EDA Server Authors.

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

// The eda-orchestrator daemon runs one worker queue: it drains lifecycle
// requests, sweeps the monitor loop and terminates the rulebook worker
// websocket sessions. Multiple daemons with distinct queue names can share
// one database.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	k8sclient "k8s.io/client-go/kubernetes"

	"github.com/ansible/eda-server-sub000/pkg/activation"
	"github.com/ansible/eda-server-sub000/pkg/config"
	"github.com/ansible/eda-server-sub000/pkg/containerengine"
	enginetypes "github.com/ansible/eda-server-sub000/pkg/containerengine/types"
	"github.com/ansible/eda-server-sub000/pkg/health"
	"github.com/ansible/eda-server-sub000/pkg/monitor"
	"github.com/ansible/eda-server-sub000/pkg/orchestrator"
	"github.com/ansible/eda-server-sub000/pkg/statusmanager"
	"github.com/ansible/eda-server-sub000/pkg/store"
	"github.com/ansible/eda-server-sub000/pkg/version"
	"github.com/ansible/eda-server-sub000/pkg/ws"
)

func main() {
	var (
		debug          bool
		skipMigrations bool
		listenAddress  string
		metricsAddress string
		workerQueue    string
	)
	flag.BoolVar(&debug, "debug", false, "Enable debug logging.")
	flag.BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply schema migrations on startup.")
	flag.StringVar(&listenAddress, "listen-address", "", "Address the websocket server listens on. Overrides EDA_LISTEN_ADDRESS.")
	flag.StringVar(&metricsAddress, "internal-listen-address", "", "Address serving /metrics, /live and /ready. Overrides EDA_METRICS_ADDRESS.")
	flag.StringVar(&workerQueue, "worker-queue", "", "Name of the worker queue this daemon drains. Overrides EDA_WORKER_QUEUE.")
	flag.Parse()

	logger := buildLogger(debug)
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	log.Infow("starting eda-orchestrator", "version", version.Get().String())

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalw("invalid configuration", zap.Error(err))
	}
	if listenAddress != "" {
		cfg.ListenAddress = listenAddress
	}
	if metricsAddress != "" {
		cfg.MetricsListenAddress = metricsAddress
	}
	if workerQueue != "" {
		cfg.WorkerQueueName = workerQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatalw("failed to open record store", zap.Error(err))
	}
	defer st.Close() //nolint:errcheck
	if !skipMigrations {
		if err := st.Migrate(); err != nil {
			log.Fatalw("failed to migrate schema", zap.Error(err))
		}
	}

	engine, err := containerengine.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to build container engine", "deployment_type", cfg.DeploymentType, zap.Error(err))
	}

	prometheus.MustRegister(
		statusmanager.InvalidTransitions,
		orchestrator.RequestsDispatched,
		orchestrator.RequestFailures,
		activation.RestartsScheduled,
		monitor.SweepErrors,
	)

	orch := orchestrator.New(cfg, st, log)
	worker := orchestrator.NewWorker(cfg, st, engine, log)
	mon := monitor.New(cfg, st, orch, log)
	wsHandler := ws.New(cfg, st, orch, log)

	var g run.Group
	{
		mux := http.NewServeMux()
		wsHandler.Register(mux)
		s := &http.Server{Addr: cfg.ListenAddress, Handler: mux}
		g.Add(func() error {
			log.Infow("websocket server listening", "address", cfg.ListenAddress)
			return s.ListenAndServe()
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				log.Errorw("failed to shutdown websocket server", zap.Error(err))
			}
		})
	}
	{
		s := utilHTTPServer(cfg, st, engine)
		g.Add(func() error {
			log.Infow("internal server listening", "address", cfg.MetricsListenAddress)
			return s.ListenAndServe()
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				log.Errorw("failed to shutdown internal server", zap.Error(err))
			}
		})
	}
	{
		g.Add(func() error {
			return worker.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			return mon.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		log.Infow("shutting down", "signal", sigErr.Signal.String())
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalw("daemon exited", zap.Error(err))
	}
}

func utilHTTPServer(cfg *config.Config, st *store.Store, engine enginetypes.Engine) *http.Server {
	h := healthcheck.NewHandler()
	h.AddReadinessCheck("database", health.DatabaseReachable(st.DB().DB))
	if c, ok := engine.(interface{ Client() k8sclient.Interface }); ok {
		h.AddReadinessCheck("kubernetes-apiserver", health.ApiserverReachable(c.Client()))
	}
	m := http.NewServeMux()
	m.HandleFunc("/live", h.LiveEndpoint)
	m.HandleFunc("/ready", h.ReadyEndpoint)
	m.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: cfg.MetricsListenAddress, Handler: m}
}

func buildLogger(debug bool) *zap.Logger {
	if debug {
		l, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l
}
