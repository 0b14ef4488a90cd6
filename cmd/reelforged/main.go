// Command reelforged is the pipeline core's long-running process: it
// wires the repository, orchestrator, collaborator adapters, and worker
// scheduler together, and serves the thin operational HTTP surface
// (spec §1.1). Grounded on the teacher's main.go wiring/shutdown pattern.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reelforge/core/internal/cache"
	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/config"
	"github.com/reelforge/core/internal/httpapi"
	"github.com/reelforge/core/internal/library"
	"github.com/reelforge/core/internal/logging"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/orchestrator"
	"github.com/reelforge/core/internal/repository"
	"github.com/reelforge/core/internal/retrypolicy"
	"github.com/reelforge/core/internal/scheduler"
	"github.com/reelforge/core/internal/transport"
	"github.com/reelforge/core/internal/workers"
)

func main() {
	logger := logging.New()
	cfg := config.Load()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	repo, err := repository.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database connection")
	}
	defer repo.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := repo.Ping(pingCtx); err != nil {
		logger.WithError(err).Warn("database not reachable at startup; will retry on requests")
	} else {
		logger.Info("database connection established")
	}
	pingCancel()

	requestCache, err := cache.NewRequestCache(cfg.RedisURL, logger)
	if err != nil {
		logger.WithError(err).Warn("redis not reachable at startup; aggregate cache disabled")
		requestCache = nil
	} else {
		logger.Info("redis connection established")
	}

	retry := retrypolicy.New()
	orch := orchestrator.New(repo, retry, requestCache, logger)

	// Collaborator adapters. The indexer/torrent-client/encoder-dispatcher
	// are operated as separate services reachable over HTTP in production;
	// this process only needs their interface, supplied by the caller's
	// deployment (ENV-pointed at real implementations out of this
	// module's scope, spec §1 non-goals).
	var indexer collaborators.Indexer
	var torrentClient collaborators.TorrentClient
	var encoderDispatch collaborators.EncoderDispatcher
	var archive collaborators.Archive

	transports := map[model.TransportKind]collaborators.DeliveryTransport{
		model.TransportLocal: transport.NewLocal(),
		model.TransportS3:    transport.NewS3(),
		model.TransportMinio: transport.NewMinio(),
	}

	sched := scheduler.New(logger)

	if indexer != nil && torrentClient != nil {
		searchWorker := workers.NewSearch(orch, repo, indexer, torrentClient, cfg.Pipeline, logger, cfg.WorkerConcurrency)
		sched.Register(scheduler.Registration{
			TaskID: "search", Label: "search", Interval: cfg.PollInterval,
			Fn: searchWorker.Tick,
		})
	}

	if torrentClient != nil && archive != nil {
		downloadWorker := workers.NewDownload(orch, torrentClient, archive, cfg, logger, cfg.WorkerConcurrency)
		sched.Register(scheduler.Registration{
			TaskID: "download", Label: "download", Interval: cfg.PollInterval,
			Fn: downloadWorker.Tick,
		})

		recoveryWorker := workers.NewRecovery(orch, repo, torrentClient, logger)
		sched.Register(scheduler.Registration{
			TaskID: "recovery", Label: "recovery", Interval: cfg.PollInterval,
			Fn: recoveryWorker.Tick,
		})
	}

	if encoderDispatch != nil {
		encodeWorker := workers.NewEncode(orch, repo, encoderDispatch, cfg, os.TempDir(), logger, cfg.WorkerConcurrency)
		sched.Register(scheduler.Registration{
			TaskID: "encode", Label: "encode", Interval: cfg.PollInterval,
			Fn: encodeWorker.Tick,
		})
	}

	var libraryIndex collaborators.LibraryIndex
	if cfg.LibraryIndexURL != "" {
		libraryIndex = library.NewMeiliIndex(cfg.LibraryIndexURL, cfg.LibraryIndexKey)
	}
	if libraryIndex != nil {
		deliverWorker := workers.NewDeliver(orch, repo, transports, libraryIndex, cfg.CleanupSourceAfterDelivery, logger)
		sched.Register(scheduler.Registration{
			TaskID: "deliver", Label: "deliver", Interval: cfg.PollInterval,
			Fn: deliverWorker.Tick,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	var cachePinger httpapi.Pinger
	if requestCache != nil {
		cachePinger = requestCache
	}
	router := httpapi.Router(sched, repo, cachePinger, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.HTTPPort).Info("reelforged starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down reelforged...")
	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	if requestCache != nil {
		_ = requestCache.Close()
	}

	logger.Info("reelforged stopped")
}
