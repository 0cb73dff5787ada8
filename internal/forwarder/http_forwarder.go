// Package forwarder implements the gateway's HTTP transport client. It
// drains framequeue.Queue in the background and POSTs batches of decoded
// frames to the collector's ingest endpoint, acking each frame in the
// local queue only once the collector has confirmed receipt.
//
// Delivery uses an exponential-backoff-with-jitter reconnect loop and
// drains the queue oldest-first, so a collector outage costs latency, not
// frames.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/defmtd/defmt/internal/framequeue"
)

const (
	// defaultMaxBackoff is the ceiling for the exponential reconnect back-off.
	defaultMaxBackoff = 60 * time.Second

	// initialBackoff is the wait after the first delivery failure.
	initialBackoff = time.Second

	// drainBatchSize is the number of frames dequeued and POSTed per
	// iteration of the drain loop.
	drainBatchSize = 100

	// pollInterval is how often the forwarder checks the queue for new
	// frames when it is not currently backing off from a failure.
	pollInterval = 500 * time.Millisecond
)

// DrainQueue is the subset of *framequeue.Queue used by Forwarder. It is
// satisfied by *framequeue.Queue and can be stubbed in unit tests.
type DrainQueue interface {
	Dequeue(ctx context.Context, n int) ([]framequeue.PendingFrame, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// ClientConfig holds the parameters for shipping frames to a collector.
type ClientConfig struct {
	// IngestURL is the collector's frame-ingest endpoint, e.g.
	// "https://collector.example.com/api/v1/ingest". Required.
	IngestURL string

	// BearerToken, when non-empty, is sent verbatim as the Authorization:
	// Bearer token on every request; the forwarder does not sign it.
	BearerToken string

	// MaxBackoff is the maximum reconnect back-off interval. Defaults to
	// defaultMaxBackoff when zero or negative.
	MaxBackoff time.Duration

	// HTTPClient overrides the default *http.Client. Tests may substitute
	// one pointed at an httptest.Server.
	HTTPClient *http.Client
}

// Forwarder drains a local frame queue and delivers batches of frames to a
// collector over HTTP, retrying with exponential backoff on failure. It
// implements gateway.Forwarder.
type Forwarder struct {
	cfg    ClientConfig
	queue  DrainQueue
	logger *slog.Logger
	client *http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	framesSentTotal atomic.Int64
	reconnectTotal  atomic.Int64
}

// New creates a Forwarder but does not start it. Call Start to begin the
// drain loop.
func New(cfg ClientConfig, q DrainQueue, logger *slog.Logger) *Forwarder {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Forwarder{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		client: client,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the drain loop in a background goroutine and returns
// immediately. It implements gateway.Forwarder.
func (f *Forwarder) Start(ctx context.Context) error {
	go f.run(ctx)
	return nil
}

// Stop signals the drain loop to exit and blocks until it has. Calling
// Stop more than once is safe. It implements gateway.Forwarder.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.done
}

// FramesSentTotal returns the number of frames successfully delivered and
// acknowledged by the collector since the Forwarder was created.
func (f *Forwarder) FramesSentTotal() int64 { return f.framesSentTotal.Load() }

// ReconnectTotal returns the number of delivery-failure/backoff cycles
// since the Forwarder was created.
func (f *Forwarder) ReconnectTotal() int64 { return f.reconnectTotal.Load() }

// run is the main drain loop. It runs until stopCh is closed or ctx is
// cancelled, draining the queue on a fixed poll interval and backing off
// exponentially (with jitter) after delivery failures.
func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)

	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		default:
		}

		n, err := f.drainOnce(ctx)
		if err != nil {
			f.reconnectTotal.Add(1)
			f.logger.Warn("forwarder: delivery failed, backing off",
				slog.Any("error", err),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			}
			backoff = nextBackoff(backoff, f.cfg.MaxBackoff)
			continue
		}

		backoff = initialBackoff
		if n == 0 {
			select {
			case <-time.After(pollInterval):
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			}
		}
	}
}

// drainOnce dequeues up to drainBatchSize frames, POSTs them as one batch,
// and acks them on success. It returns the number of frames processed (0
// meaning the queue was empty).
func (f *Forwarder) drainOnce(ctx context.Context) (int, error) {
	pending, err := f.queue.Dequeue(ctx, drainBatchSize)
	if err != nil {
		return 0, fmt.Errorf("dequeue: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	batch := ingestBatch{BatchID: uuid.NewString()}
	ids := make([]int64, 0, len(pending))
	for _, pf := range pending {
		batch.Frames = append(batch.Frames, ingestFrame{
			GatewayID: pf.Rec.GatewayID,
			Level:     pf.Rec.Level,
			RawIndex:  pf.Rec.RawIndex,
			DecodedAt: pf.Rec.DecodedAt.UTC(),
			Message:   pf.Rec.Message,
		})
		ids = append(ids, pf.ID)
	}

	if err := f.postBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("post batch: %w", err)
	}

	if err := f.queue.Ack(ctx, ids); err != nil {
		f.logger.Warn("forwarder: ack failed after successful delivery",
			slog.Any("error", err),
		)
		return len(pending), nil
	}

	f.framesSentTotal.Add(int64(len(pending)))
	f.logger.Debug("forwarder: delivered batch",
		slog.String("batch_id", batch.BatchID),
		slog.Int("frames", len(pending)),
	)
	return len(pending), nil
}

// ingestBatch is the JSON payload POSTed to the collector's ingest
// endpoint.
type ingestBatch struct {
	BatchID string        `json:"batch_id"`
	Frames  []ingestFrame `json:"frames"`
}

type ingestFrame struct {
	GatewayID string    `json:"gateway_id"`
	Level     string    `json:"level"`
	RawIndex  uint64    `json:"raw_index"`
	DecodedAt time.Time `json:"decoded_at"`
	Message   string    `json:"message"`
}

func (f *Forwarder) postBatch(ctx context.Context, batch ingestBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.IngestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.BearerToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}

// nextBackoff returns the next back-off duration: double the current value
// with ±25% jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}

	jitterFactor := 0.75 + rand.Float64()*0.5 // [0.75, 1.25)
	next = time.Duration(float64(next) * jitterFactor)

	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
