// Command defmt-collectd is the defmt collector daemon. It loads a YAML
// configuration file, opens a PostgreSQL connection pool, starts the frame
// ingestion HTTP endpoint gateways POST to, serves the query REST API and
// the live WebSocket feed, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/defmtd/defmt/internal/collector/ingest"
	"github.com/defmtd/defmt/internal/collector/live"
	"github.com/defmtd/defmt/internal/collector/rest"
	"github.com/defmtd/defmt/internal/collector/storage"
	"github.com/defmtd/defmt/internal/config"
)

func main() {
	configPath := flag.String("config", "/etc/defmt/collector.yaml", "path to the collector YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadCollectorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "defmt-collectd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("defmt collector starting",
		slog.String("ingest_addr", cfg.IngestAddr),
		slog.String("rest_addr", cfg.RESTAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL storage ────────────────────────────────────────────────────
	store, err := storage.New(ctx, cfg.DatabaseURL, cfg.BatchSize, cfg.FlushInterval)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close(context.Background())
	logger.Info("PostgreSQL storage connected")

	// ── JWT verification key ──────────────────────────────────────────────────
	var pubKey *rsa.PublicKey
	pemBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		logger.Error("failed to read JWT public key", slog.Any("error", err))
		os.Exit(1)
	}
	pubKey, err = rest.ParseRSAPublicKey(pemBytes)
	if err != nil {
		logger.Error("failed to parse JWT public key", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("JWT validation enabled")

	// ── Live WebSocket broadcaster ────────────────────────────────────────────
	broadcaster := live.NewBroadcaster(logger, cfg.LiveBufferSize)
	defer broadcaster.Close()
	liveHandler := live.NewHandler(broadcaster, logger, 0)

	// ── Ingest server ─────────────────────────────────────────────────────────
	ingestHandler := ingest.NewHandler(store, broadcaster, logger)
	ingestServer := &http.Server{
		Addr:         cfg.IngestAddr,
		Handler:      ingest.NewRouter(ingestHandler, pubKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── REST API + live feed server ───────────────────────────────────────────
	restSrv := rest.NewServer(store)
	mux := http.NewServeMux()
	mux.Handle("/", rest.NewRouter(restSrv, pubKey))
	// The live feed shares the REST listener. WebSocket upgrades from a
	// browser cannot carry an Authorization header, so the JWT rides a
	// ?token= query parameter that is lifted into the header before the
	// standard middleware runs.
	mux.Handle("/api/v1/live", tokenParamToHeader(rest.JWTMiddleware(pubKey)(liveHandler)))

	restServer := &http.Server{
		Addr:        cfg.RESTAddr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived WebSocket connections.
		IdleTimeout: 60 * time.Second,
	}

	// ── Start servers ─────────────────────────────────────────────────────────
	ingestErrCh := make(chan error, 1)
	go func() {
		logger.Info("ingest server listening", slog.String("addr", cfg.IngestAddr))
		if err := ingestServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ingestErrCh <- fmt.Errorf("ingest server: %w", err)
		}
		close(ingestErrCh)
	}()

	restErrCh := make(chan error, 1)
	go func() {
		logger.Info("REST server listening", slog.String("addr", cfg.RESTAddr))
		if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			restErrCh <- fmt.Errorf("REST server: %w", err)
		}
		close(restErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-ingestErrCh:
		if err != nil {
			logger.Error("ingest server error", slog.Any("error", err))
		}
	case err := <-restErrCh:
		if err != nil {
			logger.Error("REST server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down servers")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the ingest listener first so no new frames arrive while the
	// store flushes its final batch.
	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ingest server shutdown error", slog.Any("error", err))
	}
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("REST server shutdown error", slog.Any("error", err))
	}
	if err := store.Flush(shutdownCtx); err != nil {
		logger.Warn("final storage flush error", slog.Any("error", err))
	}

	logger.Info("defmt collector exited cleanly")
}

// tokenParamToHeader copies a ?token= query parameter into the
// Authorization header so WebSocket clients can authenticate through the
// same JWT middleware as plain REST requests.
func tokenParamToHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := r.URL.Query().Get("token"); tok != "" && r.Header.Get("Authorization") == "" {
			r.Header.Set("Authorization", "Bearer "+tok)
		}
		next.ServeHTTP(w, r)
	})
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
