// Command defmt-gatewayd is the defmt gateway daemon. It loads a YAML
// configuration file, parses the target firmware's ELF image to build the
// interned-string table, connects to the byte-stream bridge, decodes and
// renders every frame, buffers rendered frames in a local SQLite queue,
// forwards them to the collector, exposes a /healthz liveness endpoint, and
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/defmtd/defmt/internal/config"
	defmtelf "github.com/defmtd/defmt/internal/elf"
	"github.com/defmtd/defmt/internal/forwarder"
	"github.com/defmtd/defmt/internal/framequeue"
	"github.com/defmtd/defmt/internal/gateway"
	"github.com/defmtd/defmt/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/defmt/gateway.yaml", "path to the gateway YAML configuration file")
	ignoreVersion := flag.Bool("ignore-version", false, "skip the wire-format version check against the ELF")
	flag.Parse()

	// Load and validate configuration.
	cfg, err := config.LoadGatewayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "defmt-gatewayd: %v\n", err)
		os.Exit(1)
	}

	// Initialise structured slog logger from config log level.
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("gateway_id", cfg.ID),
		slog.String("elf_path", cfg.ElfPath),
		slog.String("transport_addr", cfg.TransportAddr),
		slog.String("ingest_url", cfg.IngestURL),
	)

	// Build the interned-string table from the firmware image. The table is
	// immutable for the process lifetime; redeploying new firmware means
	// restarting the gateway with the matching ELF.
	elfData, err := os.ReadFile(cfg.ElfPath)
	if err != nil {
		logger.Error("failed to read ELF image", slog.String("path", cfg.ElfPath), slog.Any("error", err))
		os.Exit(1)
	}
	tb, err := defmtelf.Parse(elfData, !*ignoreVersion)
	if err != nil {
		logger.Error("failed to parse ELF image", slog.String("path", cfg.ElfPath), slog.Any("error", err))
		os.Exit(1)
	}
	if tb == nil {
		logger.Error("ELF image contains no defmt data", slog.String("path", cfg.ElfPath))
		os.Exit(1)
	}
	logger.Info("defmt table loaded",
		slog.String("encoding", tb.Encoding().String()),
		slog.Int("log_statements", len(tb.Indices())),
	)

	// Open the local SQLite frame queue. The queue persists frames across
	// restarts so that decoded frames are not lost if the collector is
	// temporarily unavailable.
	q, err := framequeue.New(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open frame queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("frame queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))

	// Create the HTTP forwarder. It drains the queue oldest-first, POSTs
	// batches to the collector, and reconnects with backoff on failure.
	fwd := forwarder.New(
		forwarder.ClientConfig{
			IngestURL:   cfg.IngestURL,
			BearerToken: cfg.BearerToken,
			MaxBackoff:  cfg.MaxBackoff,
		},
		q,
		logger,
	)

	// Create the TCP transport reading the raw defmt stream.
	tr := transport.New(
		transport.ClientConfig{
			Addr:       cfg.TransportAddr,
			MaxBackoff: cfg.MaxBackoff,
		},
		logger,
	)

	gw := gateway.New(cfg.ID, tb, tr, logger,
		gateway.WithQueue(q),
		gateway.WithForwarder(fwd),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the gateway (wires together transport, decoder, queue, forwarder).
	if err := gw.Start(ctx); err != nil {
		logger.Error("failed to start gateway", slog.Any("error", err))
		os.Exit(1)
	}

	// Start the /healthz HTTP server.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", gw.HealthzHandler)

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown: stop the gateway first, then the HTTP server, then
	// close the queue.
	gw.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	if err := q.Close(); err != nil {
		logger.Warn("frame queue close error", slog.Any("error", err))
	}

	logger.Info("defmt gateway exited cleanly")
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
