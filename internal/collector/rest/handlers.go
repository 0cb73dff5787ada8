package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/defmtd/defmt/internal/collector/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with
// a simple JSON body so load balancers and orchestrators can verify
// liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetFrames responds to GET /api/v1/frames.
//
// Supported query parameters:
//
//	gateway_id – exact gateway ID filter (optional)
//	level      – one of TRACE, DEBUG, INFO, WARN, ERROR (optional)
//	from       – RFC3339 start of the received_at window (required)
//	to         – RFC3339 end of the received_at window (required)
//	limit      – maximum number of results (default 100, max 1000)
//	offset     – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of FrameRow objects on success.
func (s *Server) handleGetFrames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	fq := storage.FrameQuery{
		GatewayID: q.Get("gateway_id"),
		Level:     q.Get("level"),
		From:      from,
		To:        to,
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		fq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		fq.Offset = offset
	}

	frames, err := s.store.QueryFrames(r.Context(), fq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query frames")
		return
	}

	// Ensure we always return a JSON array, not null.
	if frames == nil {
		frames = []storage.FrameRow{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(frames)
}

// handleGetGateways responds to GET /api/v1/gateways.
//
// Returns HTTP 200 with a JSON array of GatewaySummary objects ordered
// alphabetically by gateway ID.
func (s *Server) handleGetGateways(w http.ResponseWriter, r *http.Request) {
	gws, err := s.store.ListGateways(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list gateways")
		return
	}

	if gws == nil {
		gws = []storage.GatewaySummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(gws)
}
