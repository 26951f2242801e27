/*
Copyright 2025 the dstack-verifier authors.

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

// Command dstack-verifier runs the verification service: the HTTP API, the
// queue workers, the upstream sync schedule and the reaper.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dstack-tee/dstack-verifier/internal/config"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/appinfo"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/domain"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/nvidia"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/onchain"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/tdx"
	"github.com/dstack-tee/dstack-verifier/pkg/blob"
	"github.com/dstack-tee/dstack-verifier/pkg/obsmetrics"
	"github.com/dstack-tee/dstack-verifier/pkg/queue"
	"github.com/dstack-tee/dstack-verifier/pkg/server"
	"github.com/dstack-tee/dstack-verifier/pkg/store"
	"github.com/dstack-tee/dstack-verifier/pkg/upstream"
	"github.com/dstack-tee/dstack-verifier/pkg/verification"
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 configuration error,
// 3 dependency setup error. 4 is reserved for authorisation rejections.
const (
	exitRuntime = 1
	exitConfig  = 2
	exitSetup   = 3
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	zl, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "initialising logger:", err)
		return exitRuntime
	}
	defer zl.Sync()
	logger := zapr.NewLogger(zl)

	cfg, err := config.Load()
	if err != nil {
		logger.Error(err, "configuration invalid")
		return exitConfig
	}

	ctx := context.Background()
	setupCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	db, err := store.Open(setupCtx, cfg.Database.URL, logger)
	if err != nil {
		logger.Error(err, "connecting to postgres")
		return exitSetup
	}
	defer db.Close()
	if err := db.Migrate(setupCtx); err != nil {
		logger.Error(err, "migrating database")
		return exitSetup
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error(err, "parsing redis url")
		return exitConfig
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(setupCtx).Err(); err != nil {
		logger.Error(err, "pinging redis")
		return exitSetup
	}

	reports, err := blob.New(setupCtx, blob.Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		AccessKey: cfg.S3.AccessKeyID,
		SecretKey: cfg.S3.SecretAccessKey,
		Bucket:    cfg.S3.Bucket,
	}, logger)
	if err != nil {
		logger.Error(err, "configuring blob storage")
		return exitSetup
	}

	rpcURLs, err := cfg.RPCURLMap()
	if err != nil {
		logger.Error(err, "parsing chain rpc urls")
		return exitConfig
	}
	registry, err := onchain.NewRegistry(rpcURLs, logger)
	if err != nil {
		logger.Error(err, "configuring chain registry")
		return exitSetup
	}
	defer registry.Close()

	svc := verification.NewService(verification.Config{
		Discoverer: appinfo.NewDiscovery(
			cfg.Discovery.ModelURLTemplate,
			cfg.Discovery.DomainURLTemplate,
			cfg.Discovery.Timeout,
			logger),
		Quotes:      tdx.NewTool(cfg.Quote.ToolPath, cfg.Quote.MaxProcs, logger),
		GPU:         nvidia.NewClient(cfg.NVIDIA.AttestURL, cfg.Discovery.Timeout, logger),
		Registry:    registry,
		Info:        appinfo.NewClient(cfg.Discovery.Timeout, logger),
		Prober:      domain.NewProber(cfg.Domain.Resolver, cfg.Domain.CTLogURL, cfg.Discovery.Timeout, logger),
		CTRetention: cfg.Domain.CTRetention,
		Logger:      logger,
	})

	metrics := obsmetrics.New()

	jobs := queue.New(rdb, queue.Options{
		Prefix:       "verifier:" + cfg.Queue.Name + ":",
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffDelay: cfg.Queue.BackoffDelay,
	}, logger)
	runner := queue.NewRunner(db, reports, svc, cfg.Queue.TaskTimeout, logger)
	runner.SetMetrics(metrics)
	jobs.OnFailed(runner.OnExhausted)

	var syncer *upstream.Syncer
	if cfg.SyncEnabled() {
		syncer = upstream.NewSyncer(
			upstream.NewMetabaseClient(upstream.MetabaseConfig{
				AppQueryURL:     cfg.Metabase.AppQuery,
				ProfileQueryURL: cfg.Metabase.ProfileQuery,
				APIKey:          cfg.Metabase.APIKey,
			}, logger),
			db, jobs, rdb,
			upstream.SyncerConfig{
				LeaseTTL:         cfg.Sync.LeaseTTL,
				VersionAllowlist: cfg.Sync.VersionAllowlist,
			}, logger)
	}

	var syncTrigger server.SyncTrigger
	if syncer != nil {
		syncTrigger = syncer
	}
	srv := server.New(server.Config{
		Tasks:          db,
		Queue:          jobs,
		Reports:        reports,
		Sync:           syncTrigger,
		Metrics:        metrics,
		CronAPIKey:     cfg.CronAPIKey,
		DefaultFlags:   cfg.Verification.Flags,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	return serve(ctx, cfg, logger, srv, jobs, runner, syncer, metrics)
}

func serve(ctx context.Context, cfg *config.Config, logger logr.Logger,
	srv *server.Server, jobs *queue.Queue, runner *queue.Runner,
	syncer *upstream.Syncer, metrics *obsmetrics.Metrics) int {

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Add(func() error {
		logger.Info("http server listening", "addr", addr)
		return httpSrv.ListenAndServe()
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	})

	workCtx, workCancel := context.WithCancel(ctx)
	g.Add(func() error {
		logger.Info("queue workers starting", "concurrency", cfg.Queue.Concurrency)
		return jobs.Run(workCtx, cfg.Queue.Concurrency, runner.Handle)
	}, func(error) {
		workCancel()
	})

	cronCtx, cronCancel := context.WithCancel(ctx)
	defer cronCancel()
	sched := cron.New()
	sched.Schedule(cron.Every(time.Minute), cron.FuncJob(func() {
		if _, err := jobs.ReapAbandoned(cronCtx, 2*runner.Deadline()); err != nil {
			logger.Error(err, "reaping abandoned jobs")
		}
		if _, err := runner.ReapStaleTasks(cronCtx, jobs); err != nil {
			logger.Error(err, "reaping stale tasks")
		}
		if _, err := runner.SweepPendingTasks(cronCtx, jobs); err != nil {
			logger.Error(err, "sweeping orphaned pending tasks")
		}
		if wait, active, delayed, err := jobs.Counts(cronCtx); err == nil {
			metrics.ObserveQueue(wait, active, delayed)
		}
	}))
	if syncer != nil {
		if _, err := sched.AddFunc(cfg.TasksCronPattern, func() {
			result := "ok"
			if err := syncer.SyncApps(cronCtx); err != nil {
				result = "error"
				logger.Error(err, "scheduled app sync")
			}
			metrics.SyncRuns.WithLabelValues("apps", result).Inc()
		}); err != nil {
			logger.Error(err, "invalid app sync schedule")
			return exitConfig
		}
		if _, err := sched.AddFunc(cfg.ProfileCronPattern, func() {
			result := "ok"
			if err := syncer.SyncProfiles(cronCtx); err != nil {
				result = "error"
				logger.Error(err, "scheduled profile sync")
			}
			metrics.SyncRuns.WithLabelValues("profiles", result).Inc()
		}); err != nil {
			logger.Error(err, "invalid profile sync schedule")
			return exitConfig
		}
	}
	g.Add(func() error {
		sched.Run()
		return nil
	}, func(error) {
		cronCancel()
		sched.Stop()
	})

	err := g.Run()
	var sig run.SignalError
	if err == nil || errors.As(err, &sig) || errors.Is(err, http.ErrServerClosed) {
		logger.Info("shut down cleanly")
		return 0
	}
	logger.Error(err, "runtime failure")
	return exitRuntime
}
