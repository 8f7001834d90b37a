package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hearline/backend/internal/alert"
	"github.com/hearline/backend/internal/asr"
	"github.com/hearline/backend/internal/config"
	"github.com/hearline/backend/internal/dispatch"
	"github.com/hearline/backend/internal/endpoint"
	"github.com/hearline/backend/internal/gateway"
	"github.com/hearline/backend/internal/kv"
	"github.com/hearline/backend/internal/session"
)

func main() {
	mockMode := flag.Bool("mock", false, "Demo mode: scripted recognizer and in-memory store")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	storeDir := flag.String("store", "", "Override receiver store directory")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *storeDir != "" {
		cfg.Store.Dir = *storeDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *mockMode {
		cfg.ASR.Engine = "scripted"
		cfg.Store.InMemory = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	kvs, err := kv.NewBadger(kv.BadgerOptions{
		Dir:      cfg.Store.Dir,
		InMemory: cfg.Store.InMemory,
		Logger:   logger.With("component", "badger"),
	})
	if err != nil {
		logger.Error("store open failed", "dir", cfg.Store.Dir, "error", err)
		os.Exit(1)
	}

	endpoints, err := endpoint.NewStore(kvs, logger.With("component", "endpoint"))
	if err != nil {
		logger.Error("receiver store init failed", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := dispatch.NewMetrics(registry)

	dispatchLog := logger.With("component", "dispatch")
	pool := dispatch.NewPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, metrics, dispatchLog)
	pool.Start()

	disp := dispatch.NewDispatcher(dispatch.Options{
		Timeout:       cfg.Dispatch.Timeout,
		RetryCount:    cfg.Dispatch.RetryCount,
		Backoff:       cfg.Dispatch.Backoff,
		RetryStatuses: cfg.Dispatch.RetryStatusSet(),
	}, metrics, dispatchLog)
	fanout := dispatch.NewFanout(disp, pool, cfg.Dispatch.Timeout, cfg.Dispatch.Grace, dispatchLog)
	alerts := alert.NewService(endpoints, fanout, disp, cfg.Alert.Note, logger.With("component", "alert"))

	factory, err := buildRecognizer(cfg)
	if err != nil {
		logger.Error("recognizer init failed", "engine", cfg.ASR.Engine, "error", err)
		os.Exit(1)
	}

	manager := session.NewManager(
		factory,
		asr.NewKeywords(cfg.Alert.Keywords),
		alerts,
		asr.Config{
			Language:   cfg.ASR.DefaultLanguage,
			SampleRate: cfg.ASR.DefaultSampleRate,
		},
		logger.With("component", "session"),
	)

	gw := gateway.NewServer(cfg, manager, alerts, endpoints, metrics, pool, registry, logger.With("component", "gateway"))
	mux := http.NewServeMux()
	gw.SetupRoutes(mux)

	httpSrv := &http.Server{Addr: gw.Addr(), Handler: mux}
	go func() {
		logger.Info("server listening", "addr", httpSrv.Addr, "engine", cfg.ASR.Engine)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Stop sessions first so in-flight alerts reach the dispatch pool, then
	// drain the pool before the store goes away.
	manager.StopAll()
	if err := pool.Stop(cfg.Dispatch.Timeout + cfg.Dispatch.Grace); err != nil {
		logger.Warn("dispatch drain incomplete", "error", err)
	}
	if err := kvs.Close(); err != nil {
		logger.Warn("store close failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func buildRecognizer(cfg *config.Config) (asr.Factory, error) {
	switch cfg.ASR.Engine {
	case "", "scripted":
		return asr.ScriptedFactory(asr.DemoScript()), nil
	default:
		return nil, fmt.Errorf("unknown asr engine %q", cfg.ASR.Engine)
	}
}
