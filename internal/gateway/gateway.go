// Package gateway is the orchestrator that sits on the host nearest the
// resource-constrained target: it owns a Transport that yields raw bytes
// off the wire, a stream.Decoder that reframes and decodes them into
// table.Frame values, a Renderer that turns each Frame into text, a local
// Queue that buffers rendered frames durably, and a Forwarder that ships
// them on to the collector.
//
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/defmtd/defmt/internal/decodeframe"
	"github.com/defmtd/defmt/internal/framequeue"
	"github.com/defmtd/defmt/internal/render"
	"github.com/defmtd/defmt/internal/stream"
	"github.com/defmtd/defmt/internal/table"
)

// Transport supplies raw bytes read off the wire (RTT, ITM, semihosting,
// or, on the host side, a serial-to-TCP bridge). The gateway cares only
// about this interface, not the backend behind it.
type Transport interface {
	// Start begins reading and returns immediately; bytes are delivered via
	// Chunks until Stop is called or ctx is cancelled.
	Start(ctx context.Context) error
	// Chunks returns a channel of raw byte chunks read from the wire. The
	// channel is closed when the transport stops.
	Chunks() <-chan []byte
	// Stop halts reading and releases any underlying connection.
	Stop()
}

// Queue is the interface for the local at-least-once frame buffer.
// *framequeue.Queue satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, rec framequeue.FrameRecord) error
	Depth() int
	Close() error
}

// Forwarder is the interface for the component that ships queued frames on
// to the collector.
type Forwarder interface {
	Start(ctx context.Context) error
	Stop()
}

// Gateway decodes one target's byte stream into rendered frames and queues
// them for delivery to the collector.
type Gateway struct {
	id         string
	dec        stream.Decoder
	renderer   *render.Renderer
	canRecover bool
	transport  Transport
	queue      Queue
	forwarder  Forwarder
	logger     *slog.Logger

	startTime time.Time
	cancel    context.CancelFunc

	mu        sync.RWMutex
	running   bool
	lastFrame time.Time
	decoded   int64
	dropped   int64
	wg        sync.WaitGroup
}

// Option is a functional option for Gateway construction.
type Option func(*Gateway)

// WithQueue registers the local frame queue.
func WithQueue(q Queue) Option { return func(g *Gateway) { g.queue = q } }

// WithForwarder registers the collector-forwarding component.
func WithForwarder(f Forwarder) Option { return func(g *Gateway) { g.forwarder = f } }

// New creates a Gateway for the target whose `.defmt` table is tb, reading
// bytes from transport. id identifies this gateway in queued FrameRecords
// and forwarder batches (typically a stable UUID or hostname).
func New(id string, tb *table.Table, transport Transport, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		id:         id,
		dec:        stream.New(tb),
		renderer:   render.New(tb),
		canRecover: tb.Encoding().CanRecover(),
		transport:  transport,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start begins reading from the transport and decoding frames. It returns
// once the transport and forwarder (if any) have started; ongoing decoding
// happens in a background goroutine until Stop is called or ctx is
// cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("gateway: already running")
	}
	g.running = true
	g.startTime = time.Now()
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	if g.forwarder != nil {
		if err := g.forwarder.Start(ctx); err != nil {
			cancel()
			g.mu.Lock()
			g.running = false
			g.mu.Unlock()
			return fmt.Errorf("gateway: forwarder failed to start: %w", err)
		}
	}

	if err := g.transport.Start(ctx); err != nil {
		cancel()
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
		return fmt.Errorf("gateway: transport failed to start: %w", err)
	}

	g.logger.Info("gateway started", slog.String("gateway_id", g.id))

	g.wg.Add(1)
	go g.run(ctx)

	return nil
}

// Stop signals the transport and forwarder to shut down and waits for the
// decode loop to exit. Safe to call multiple times.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
	}
	g.transport.Stop()
	g.wg.Wait()

	if g.forwarder != nil {
		g.forwarder.Stop()
	}
	if g.queue != nil {
		if err := g.queue.Close(); err != nil {
			g.logger.Warn("gateway: error closing frame queue", slog.Any("error", err))
		}
	}
	g.logger.Info("gateway stopped", slog.String("gateway_id", g.id))
}

// run feeds transport chunks to the stream decoder and handles each
// decoded frame (or malformed-frame resync event) until the transport's
// channel closes or ctx is cancelled.
func (g *Gateway) run(ctx context.Context) {
	defer g.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-g.transport.Chunks():
			if !ok {
				return
			}
			g.dec.Received(chunk)
			g.drainDecoder(ctx)
		}
	}
}

// drainDecoder calls Decode repeatedly until it reports that more bytes are
// needed, handling each successfully decoded frame and logging (without
// aborting) any malformed frame the framing layer resynchronizes past.
func (g *Gateway) drainDecoder(ctx context.Context) {
	for {
		frame, err := g.dec.Decode()
		if err != nil {
			if errors.Is(err, decodeframe.ErrUnexpectedEOF) {
				return
			}
			g.mu.Lock()
			g.dropped++
			g.mu.Unlock()
			if !g.canRecover {
				// A raw stream has no delimiter to resynchronise on; the
				// decoder cannot advance past the corrupt frame, so stop
				// draining until more context arrives.
				g.logger.Error("gateway: raw stream corrupted, frames stalled until reconnect", slog.Any("error", err))
				return
			}
			g.logger.Warn("gateway: dropping malformed frame", slog.Any("error", err))
			continue
		}

		g.handleFrame(ctx, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, frame *table.Frame) {
	g.mu.Lock()
	g.lastFrame = time.Now()
	g.decoded++
	g.mu.Unlock()

	text, err := g.renderer.RenderMessage(frame)
	if err != nil {
		g.logger.Warn("gateway: failed to render frame", slog.Any("error", err))
		return
	}

	rec := framequeue.FrameRecord{
		GatewayID: g.id,
		Level:     frame.Level.String(),
		RawIndex:  frame.Index,
		DecodedAt: time.Now(),
		Message:   text,
	}

	if g.queue != nil {
		if err := g.queue.Enqueue(ctx, rec); err != nil {
			g.logger.Warn("gateway: failed to enqueue frame", slog.Any("error", err))
		}
	}
}

// Health is the payload returned by HealthzHandler.
type Health struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	QueueDepth   int     `json:"queue_depth"`
	FramesTotal  int64   `json:"frames_decoded_total"`
	DroppedTotal int64   `json:"frames_dropped_total"`
	LastFrameAt  string  `json:"last_frame_at,omitempty"`
}

// Snapshot returns the current health state.
func (g *Gateway) Snapshot() Health {
	g.mu.RLock()
	defer g.mu.RUnlock()

	h := Health{
		Status:       "ok",
		UptimeS:      time.Since(g.startTime).Seconds(),
		FramesTotal:  g.decoded,
		DroppedTotal: g.dropped,
	}
	if g.queue != nil {
		h.QueueDepth = g.queue.Depth()
	}
	if !g.lastFrame.IsZero() {
		h.LastFrameAt = g.lastFrame.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc reporting the gateway's health as
// JSON with HTTP 200.
func (g *Gateway) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := g.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		g.logger.Warn("gateway: healthz encode failed", slog.Any("error", err))
	}
}
