package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/harunnryd/haven/pkg/logging"
	"github.com/harunnryd/haven/pkg/metrics"
	"github.com/harunnryd/haven/pkg/observers"
	"github.com/harunnryd/haven/pkg/redact"
	"github.com/harunnryd/haven/pkg/safety"
	"github.com/harunnryd/haven/pkg/transports"
	"github.com/harunnryd/haven/pkg/transports/livekit"
	"github.com/harunnryd/haven/pkg/worker"
)

// app is the process-wide state shared by every command.
type app struct {
	cfg   safety.Config
	log   *slog.Logger
	obs   metrics.Observer
	async *metrics.AsyncObserver
	jsonl *metrics.JSONLObserver

	timeline *observers.TimelineObserver
}

func newApp(configPath string) (*app, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	cfg, err := safety.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.InitLogger(logging.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	redact.SetEnabled(cfg.Privacy.RedactPII)

	a := &app{cfg: cfg, log: log}
	sinks := []metrics.Observer{
		metrics.NewLoggerObserver(logging.NewComponentLogger(log, "metrics")),
		observers.NewLatencyObserver(logging.NewComponentLogger(log, "latency")),
	}
	if path := cfg.Observability.EventsPath; path != "" {
		a.jsonl, err = metrics.OpenJSONLFile(path)
		if err != nil {
			return nil, fmt.Errorf("open events file: %w", err)
		}
		sinks = append(sinks, a.jsonl)
	}
	if dir := cfg.Observability.TimelineDir; dir != "" {
		a.timeline = observers.NewTimelineObserver(dir)
		if days := cfg.Observability.RetentionDays; days > 0 {
			rooms, err := a.timeline.Purge(time.Duration(days) * 24 * time.Hour)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("timeline purge failed", "dir", dir, "error", err)
			}
			if len(rooms) > 0 {
				log.Info("purged old timelines", "dir", dir, "count", len(rooms))
			}
		}
		sinks = append(sinks, a.timeline)
	}
	a.async = metrics.NewAsyncObserver(metrics.NewMultiObserver(sinks...), 1024)
	a.obs = a.async
	log.Info("config loaded", "environment", cfg.Environment, "config", configPath,
		"vad", cfg.Vendors.VAD.Provider, "stt", cfg.Vendors.STT.Provider,
		"llm", cfg.Vendors.LLM.Provider, "tts", cfg.Vendors.TTS.Provider)
	return a, nil
}

func (a *app) close() {
	if a.async != nil {
		a.async.Close()
		if n := a.async.Dropped(); n > 0 {
			for room, count := range a.async.DroppedByRoom() {
				a.log.Warn("metrics events dropped", "room", room, "count", count)
			}
		}
	}
	if a.timeline != nil {
		if err := a.timeline.Close(); err != nil {
			a.log.Warn("close timelines", "error", err)
		}
	}
	if a.jsonl != nil {
		if err := a.jsonl.Close(); err != nil {
			a.log.Warn("close events file", "error", err)
		}
	}
}

func (a *app) entrypoint() safety.Entrypoint {
	reg := safety.NewProviderRegistry()
	safety.RegisterBuiltins(reg)
	return safety.Entrypoint{
		Plugins:  safety.NewPlugins(reg, a.cfg, a.obs, a.log),
		Agent:    a.cfg.Agent,
		Turn:     a.cfg.Turn,
		Observer: a.obs,
		Logger:   a.log,
	}
}

func (a *app) livekitClient() (*livekit.Client, error) {
	lk := a.cfg.LiveKitClientConfig()
	lk.Logger = a.log
	return livekit.NewClient(lk)
}

// runWorker blocks until ctx ends and the worker has drained.
func (a *app) runWorker(ctx context.Context, dispatchers []worker.Dispatcher) error {
	w, err := worker.New(worker.Options{
		Entry:        a.entrypoint(),
		Dispatchers:  dispatchers,
		Observer:     a.obs,
		Logger:       a.log,
		DrainTimeout: a.cfg.DrainTimeout(),
		BannerOut:    os.Stdout,
		Version:      version,
	})
	if err != nil {
		return err
	}
	for _, d := range dispatchers {
		if rr, ok := d.(transports.ReadyReporter); ok {
			fields := []any{"dispatcher", d.Name()}
			for k, v := range rr.ReadyFields() {
				fields = append(fields, k, v)
			}
			a.log.Info("dispatcher ready", fields...)
		}
	}
	err = w.Run(ctx)
	if errors.Is(err, worker.ErrDrainTimeout) {
		a.log.Warn("jobs were still running at shutdown")
		return nil
	}
	return err
}
