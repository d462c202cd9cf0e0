package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediafetchd/api"
	"mediafetchd/artifact"
	"mediafetchd/config"
	"mediafetchd/fetch"
	"mediafetchd/journal"
	"mediafetchd/progress"
	"mediafetchd/task"
	"mediafetchd/ytdlp"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown LOG_LEVEL %q, using info", cfg.LogLevel)
	}
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.OutputDir == "" {
		dir, err := os.MkdirTemp("", "mediafetchd_")
		if err != nil {
			logger.Fatalf("Failed to create output directory: %v", err)
		}
		cfg.OutputDir = dir
	}
	store, err := artifact.NewStore(afero.NewOsFs(), cfg.OutputDir)
	if err != nil {
		logger.Fatalf("Failed to open output directory: %v", err)
	}
	logger.Infof("downloads go to %s", store.Dir())

	controller, err := fetch.NewController(cfg, store, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize fetch controller: %v", err)
	}
	prober, err := ytdlp.NewProber(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize prober: %v", err)
	}

	taskManager, err := task.NewManager(cfg, controller, prober, progress.NewEstimator(store), logger)
	if err != nil {
		logger.Fatalf("Failed to initialize task manager: %v", err)
	}

	var events api.EventLog
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Fatalf("Failed to open journal: %v", err)
		}
		defer j.Close()
		if err := j.Init(context.Background()); err != nil {
			logger.Fatalf("Failed to initialize journal: %v", err)
		}
		taskManager.SetRecorder(j)
		events = j
		logger.Infof("journaling task transitions to %s", cfg.JournalPath)
	}

	router := api.SetupRouter(api.NewHandler(taskManager, prober, events, cfg, logger), cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskManager.Start(ctx)

	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %s", err)
		}
	}()

	<-ctx.Done()

	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	// running downloads are stopped, not canceled; their .part files stay
	taskManager.Shutdown()

	logger.Info("Server exiting")
}
