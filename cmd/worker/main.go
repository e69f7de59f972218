package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"beatsync/internal/config"
	"beatsync/internal/engine"
	"beatsync/internal/media"
	"beatsync/internal/status"
	"beatsync/internal/store"
	"beatsync/internal/telemetry"
	"beatsync/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", slog.Any("error", err))
		os.Exit(1)
	}

	blobs, err := media.New(ctx, media.Options{
		Bucket:     cfg.S3Bucket,
		Region:     cfg.S3Region,
		Endpoint:   cfg.S3Endpoint,
		PathStyle:  cfg.S3PathStyle,
		PresignTTL: cfg.PresignTTL,
	})
	if err != nil {
		logger.Error("init object storage", slog.Any("error", err))
		os.Exit(1)
	}

	engines, err := buildEngines(cfg)
	if err != nil {
		logger.Error("init engines", slog.Any("error", err))
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	pub := status.New(st, cfg.StaleAfter, logger)
	dispatcher := worker.NewDispatcher(cfg, st, blobs, pub, engines, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
		logger.Warn("worker stopped", slog.Any("error", err))
	}
}

func buildEngines(cfg config.Config) (worker.Engines, error) {
	motion, err := engine.NewRunner("motion", cfg.MotionEngineCmd)
	if err != nil {
		return worker.Engines{}, err
	}
	object, err := engine.NewRunner("object", cfg.ObjectEngineCmd)
	if err != nil {
		return worker.Engines{}, err
	}
	music, err := engine.NewRunner("music", cfg.MusicEngineCmd)
	if err != nil {
		return worker.Engines{}, err
	}
	return worker.Engines{
		Motion: motion.Run,
		Object: object.Run,
		Music:  music.Run,
	}, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}
