package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/john/chatwatch/internal/alert"
	"github.com/john/chatwatch/internal/archive"
	"github.com/john/chatwatch/internal/config"
	"github.com/john/chatwatch/internal/health"
	"github.com/john/chatwatch/internal/twitch"
	"github.com/john/chatwatch/internal/watcher"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", slog.Any("err", err))
	}
	slog.Info("chatwatch starting")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("failed to load config", err)
	}

	state, err := config.LoadState(cfg.StateFile)
	if err != nil {
		fatal("failed to load state", err)
	}
	if n := state.Seed(cfg.Twitch.Channels); n > 0 {
		slog.Info("added configured channels", slog.Int("count", n))
	}

	opts := watcher.Options{
		Connect: watcher.TwitchConnector(twitch.Config{
			Login:  cfg.Twitch.Login,
			Addr:   cfg.Twitch.Addr,
			Logger: logger,
		}),
		Logger: logger,
	}
	var alerts *alert.Debouncer
	if cfg.Alert.Enabled {
		alerts = alert.New(alert.BeepPlayer{
			Frequency: cfg.Alert.Frequency,
			Duration:  time.Duration(cfg.Alert.DurationMS) * time.Millisecond,
		}, alert.WithLogger(logger))
		opts.Alerts = alerts
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	w, err := watcher.FromState(connectCtx, state, cfg.Twitch.OAuth, opts)
	connectCancel()
	if err != nil {
		fatal("failed to connect to chat", err)
	}
	slog.Info("watching channels", slog.Int("count", len(state.Channels)), slog.Bool("anonymous", w.Anonymous()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	healthServer := health.New(cfg.HealthAddr, w, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.Start(); err != nil {
			slog.Error("health server error", slog.Any("err", err))
		}
	}()

	if cfg.Archive.Enabled() {
		uploader, err := archive.New(ctx, cfg.Archive, logger)
		if err != nil {
			fatal("failed to create archive uploader", err)
		}
		interval := time.Duration(cfg.Archive.IntervalMinutes) * time.Minute
		slog.Info("archiving transcripts", slog.String("bucket", cfg.Archive.Bucket), slog.Duration("interval", interval))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := uploader.Run(ctx, interval, transcripts(w)); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("archive error", slog.Any("err", err))
			}
		}()
	}

	slog.Info("all components started")

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-w.Fatal():
		slog.Error("chat connection stopped", slog.Any("err", w.Err()))
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error shutting down health server", slog.Any("err", err))
	}
	w.Close()
	if err := config.SaveState(cfg.StateFile, w.State()); err != nil {
		slog.Error("failed to save state", slog.Any("err", err))
		exitCode = 1
	}

	// Stops the archive after its final pass.
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout exceeded, forcing exit")
	}
	if alerts != nil {
		alerts.Close()
	}

	slog.Info("chatwatch stopped")
	os.Exit(exitCode)
}

func transcripts(w *watcher.Watcher) archive.Source {
	return func() []archive.File {
		var files []archive.File
		for _, t := range w.Transcripts() {
			files = append(files, archive.File{Channel: t.Channel, Path: t.Path})
		}
		return files
	}
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.Any("err", err))
	os.Exit(1)
}
