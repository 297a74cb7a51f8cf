package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brunobiangulo/storyline"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON or YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	envFile := flag.String("env", ".env", "Optional dotenv file")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("loading env file", "path", *envFile, "error", err)
	}

	cfg := storyline.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = storyline.LoadConfig(*configPath); err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
	}
	// Override from environment variables.
	cfg.ApplyEnv()

	apiKey := os.Getenv("STORYLINE_API_KEY")
	corsOrigins := os.Getenv("STORYLINE_CORS_ORIGINS")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := storyline.New(cfg, storyline.WithRegisterer(reg))
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	runCtx, cancelRuns := context.WithCancel(context.Background())
	h := newHandler(runCtx, engine)
	handler := newServer(h, reg, apiKey, corsOrigins)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket streams outlive any fixed deadline
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	// In-flight runs keep scanning, but every remaining chunk and batch
	// fails fast and is recorded in the run stats.
	cancelRuns()
	h.wait()

	slog.Info("server stopped")
}

// newServer builds the route table and the middleware chain.
func newServer(h *handler, gatherer prometheus.Gatherer, apiKey, corsOrigins string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs", h.handleStartRun)
	mux.HandleFunc("GET /runs", h.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", h.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/log", h.handleRunLog)
	mux.HandleFunc("GET /runs/{id}/stream", h.handleStream)
	mux.HandleFunc("GET /novels/{name}/events", h.handleEvents)
	mux.HandleFunc("GET /novels/{name}/relationships", h.handleRelationships)
	mux.HandleFunc("DELETE /novels/{name}", h.handleDeleteNovel)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", h.handleHealth)

	return chain(mux,
		withRecovery(),
		withCORS(corsOrigins),
		withAuth(apiKey),
		withRequestLog(),
	)
}
