package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aryan0dhankhar/clinicore/internal/handler"
	"github.com/aryan0dhankhar/clinicore/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/clinicore/internal/observability/tracing"
	"github.com/aryan0dhankhar/clinicore/internal/security/audit"
	"github.com/aryan0dhankhar/clinicore/internal/service"
	"github.com/aryan0dhankhar/clinicore/pkg/config"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Info("starting clinicore", slog.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	shutdownTracing, err := tracing.Init(ctx, log, "clinicore", cfg.Environment)
	if err != nil {
		log.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Database, pool, stores
	core, err := service.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize core", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Bring the schema up to date before taking traffic
	res, err := core.Migrate(ctx)
	if err != nil {
		log.Error("migration failed", slog.String("error", err.Error()))
		core.Close()
		os.Exit(1)
	}
	log.Info("schema ready", slog.Int("applied", len(res.Applied)))

	if err := core.Start(ctx); err != nil {
		log.Warn("pool warm-up incomplete", slog.String("error", err.Error()))
	}

	// 6. Operational endpoints
	health := handler.NewHealthHandler(core, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Health)
	mux.HandleFunc("/readyz", health.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      withRequestID(mux, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.MetricsPort),
		slog.Int("pool_max", cfg.Pool.Max),
		slog.String("db_driver", cfg.Database.Driver),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	cancel()
	if err := core.Close(); err != nil {
		log.Error("failed to close core", slog.String("error", err.Error()))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("failed to flush traces", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
}

// withRequestID attaches a request ID to the context and response headers for traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)

		ctx := audit.WithRequestID(r.Context(), reqID)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Debug("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration_ms", time.Since(start)),
		)
	})
}

func generateRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}
