// Package ingest implements the defmt collector's frame ingestion endpoint.
// The Handler accepts one HTTP POST per forwarder batch, validates each
// frame, persists valid frames to PostgreSQL, and fans every successfully
// persisted frame to the WebSocket broadcaster so connected browser clients
// receive real-time updates.
//
// Broadcaster fan-out is performed with a non-blocking send so that a slow
// or disconnected WebSocket consumer never applies back-pressure to the
// ingest request goroutine.
//
// A batch is acknowledged with 200 even when some of its frames are
// rejected: the forwarder retries the whole batch on any non-2xx status, so
// failing the request over a single malformed frame would wedge the
// gateway's queue behind it forever. Rejected frames are counted in the
// response body and logged instead.
package ingest

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/defmtd/defmt/internal/collector/rest"
	"github.com/defmtd/defmt/internal/collector/storage"
)

// maxFutureSkew is how far in the future a frame's decoded_at may lie
// relative to the collector clock. There is no staleness floor: frames may
// legitimately arrive hours old after a gateway has been queuing through a
// collector outage.
const maxFutureSkew = 60 * time.Second

// validLevels is the set of accepted rendered severity tags. The empty
// string marks a level-less frame (a println or derived format).
var validLevels = map[string]bool{
	"":      true,
	"TRACE": true,
	"DEBUG": true,
	"INFO":  true,
	"WARN":  true,
	"ERROR": true,
}

// Store is the subset of the storage layer used by Handler.
type Store interface {
	BatchInsertFrames(ctx context.Context, row storage.FrameRow) error
}

// Broadcaster is the subset of the live.Broadcaster interface used by
// Handler. Declaring a local interface (rather than importing the concrete
// type) makes the handler trivially testable with a stub.
type Broadcaster interface {
	Publish(row storage.FrameRow)
}

// Batch is the JSON payload a forwarder POSTs: one delivery attempt's worth
// of queued frames.
type Batch struct {
	BatchID string  `json:"batch_id"`
	Frames  []Frame `json:"frames"`
}

// Frame is one decoded, rendered defmt frame within a Batch.
type Frame struct {
	GatewayID string    `json:"gateway_id"`
	Level     string    `json:"level"`
	RawIndex  uint64    `json:"raw_index"`
	DecodedAt time.Time `json:"decoded_at"`
	Message   string    `json:"message"`
}

// Response is the JSON body returned for every accepted batch.
type Response struct {
	BatchID  string `json:"batch_id"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
}

// Handler validates incoming frame batches, persists them to PostgreSQL,
// and publishes each persisted frame to the WebSocket broadcaster.
type Handler struct {
	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewHandler creates a Handler.
//
//   - store must be an open, ready-to-use storage.Store (or a test stub).
//   - broadcaster must be a running live.Broadcaster (or a test stub); nil
//     disables fan-out.
//   - logger is used for structured per-batch logging.
func NewHandler(store Store, broadcaster Broadcaster, logger *slog.Logger) *Handler {
	return &Handler{store: store, broadcaster: broadcaster, logger: logger}
}

// NewRouter wires the ingest Handler into a chi router:
//
//	POST /api/v1/ingest – frame batch ingestion (JWT required)
//	GET  /healthz       – liveness probe (no authentication required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens. Pass nil
// to disable JWT validation (useful in tests).
func NewRouter(h *Handler, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(rest.JWTMiddleware(pubKey))
		}
		r.Post("/ingest", h.ServeHTTP)
	})

	return r
}

// ServeHTTP handles one POSTed batch.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var batch Batch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&batch); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid batch body: %v", err))
		return
	}
	if batch.BatchID == "" {
		writeJSONError(w, http.StatusBadRequest, "batch_id is required")
		return
	}

	now := time.Now().UTC()
	resp := Response{BatchID: batch.BatchID}

	for _, f := range batch.Frames {
		if err := validateFrame(f, now); err != nil {
			resp.Rejected++
			h.logger.Warn("ingest: invalid frame rejected",
				slog.String("batch_id", batch.BatchID),
				slog.String("gateway_id", f.GatewayID),
				slog.String("reason", err.Error()),
			)
			continue
		}

		row := storage.FrameRow{
			FrameID:    uuid.NewString(),
			GatewayID:  f.GatewayID,
			Level:      f.Level,
			RawIndex:   f.RawIndex,
			DecodedAt:  f.DecodedAt.UTC(),
			ReceivedAt: now,
			Message:    f.Message,
		}

		// Persist to PostgreSQL (batched; flushes on the store's interval).
		if err := h.store.BatchInsertFrames(r.Context(), row); err != nil {
			h.logger.Error("ingest: persist frame failed",
				slog.String("batch_id", batch.BatchID),
				slog.String("gateway_id", f.GatewayID),
				slog.Any("error", err),
			)
			writeJSONError(w, http.StatusInternalServerError, "storage unavailable")
			return
		}

		// Fan the persisted frame to all connected WebSocket subscribers.
		// Publish uses a select/default internally so a stalled subscriber
		// never blocks this goroutine.
		if h.broadcaster != nil {
			h.broadcaster.Publish(row)
		}
		resp.Accepted++
	}

	h.logger.Debug("ingest: batch processed",
		slog.String("batch_id", batch.BatchID),
		slog.Int("accepted", resp.Accepted),
		slog.Int("rejected", resp.Rejected),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// validateFrame checks that f carries all required fields.
//
// Validation rules:
//   - gateway_id must be non-empty.
//   - level must be empty or one of TRACE, DEBUG, INFO, WARN, ERROR.
//   - decoded_at must be set and no more than 60 s in the future.
func validateFrame(f Frame, now time.Time) error {
	if f.GatewayID == "" {
		return fmt.Errorf("gateway_id is required")
	}
	if !validLevels[f.Level] {
		return fmt.Errorf("level %q is not a valid severity tag", f.Level)
	}
	if f.DecodedAt.IsZero() {
		return fmt.Errorf("decoded_at is required")
	}
	if f.DecodedAt.After(now.Add(maxFutureSkew)) {
		return fmt.Errorf("decoded_at %s is too far in the future (>%s)", f.DecodedAt.Format(time.RFC3339), maxFutureSkew)
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
