package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/defmtd/defmt/internal/collector/storage"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	frames    []storage.FrameRow
	framesErr error
	gateways  []storage.GatewaySummary
	gwErr     error
}

func (m *mockStore) QueryFrames(_ context.Context, _ storage.FrameQuery) ([]storage.FrameRow, error) {
	return m.frames, m.framesErr
}

func (m *mockStore) ListGateways(_ context.Context) ([]storage.GatewaySummary, error) {
	return m.gateways, m.gwErr
}

// newTestServer creates a Server backed by the mock store and returns its HTTP
// handler with JWT middleware disabled (pubKey = nil).
func newTestServer(ms *mockStore) http.Handler {
	srv := NewServer(ms)
	return NewRouter(srv, nil)
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- GET /api/v1/frames ------------------------------------------------------

func TestHandleGetFrames_MissingFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/frames?to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFrames_MissingTo_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/frames?from=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFrames_InvalidFromFormat_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/frames?from=not-a-time&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFrames_ToNotAfterFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/frames?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFrames_InvalidLimit_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/frames?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&limit=abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFrames_InvalidOffset_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/frames?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&offset=-1", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetFrames_LimitAboveMax_IsClamped(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		frames: []storage.FrameRow{{FrameID: "f1", GatewayID: "gw-1", Level: "INFO", ReceivedAt: now}},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/frames?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&limit=5000", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestHandleGetFrames_ValidRequest_Returns200WithArray(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		frames: []storage.FrameRow{
			{
				FrameID:    "frame-1",
				GatewayID:  "gw-1",
				Level:      "INFO",
				RawIndex:   7,
				DecodedAt:  now,
				ReceivedAt: now,
				Message:    "hello 9",
			},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/frames?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var frames []storage.FrameRow
	if err := json.NewDecoder(rec.Body).Decode(&frames); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].FrameID != "frame-1" {
		t.Errorf("unexpected frame ID: %s", frames[0].FrameID)
	}
}

func TestHandleGetFrames_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{frames: nil})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/frames?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var frames []storage.FrameRow
	if err := json.NewDecoder(rec.Body).Decode(&frames); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("expected empty array, got %v", frames)
	}
}

func TestHandleGetFrames_WithLevelFilter_Returns200(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		frames: []storage.FrameRow{
			{FrameID: "f1", Level: "WARN", ReceivedAt: now},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/frames?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&level=WARN", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestHandleGetFrames_WithGatewayID_Returns200(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		frames: []storage.FrameRow{
			{FrameID: "f1", GatewayID: "gw-42", ReceivedAt: now},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/frames?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&gateway_id=gw-42", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestHandleGetFrames_StoreError_Returns500(t *testing.T) {
	ms := &mockStore{framesErr: context.DeadlineExceeded}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/frames?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

// ---- GET /api/v1/gateways ----------------------------------------------------

func TestHandleGetGateways_Returns200WithArray(t *testing.T) {
	ms := &mockStore{
		gateways: []storage.GatewaySummary{
			{GatewayID: "gw-1", FrameCount: 10},
			{GatewayID: "gw-2", FrameCount: 3},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/gateways", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var gws []storage.GatewaySummary
	if err := json.NewDecoder(rec.Body).Decode(&gws); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(gws) != 2 {
		t.Fatalf("expected 2 gateways, got %d", len(gws))
	}
}

func TestHandleGetGateways_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{gateways: nil})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/gateways", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var gws []storage.GatewaySummary
	if err := json.NewDecoder(rec.Body).Decode(&gws); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(gws) != 0 {
		t.Errorf("expected empty array, got %v", gws)
	}
}

func TestHandleGetGateways_StoreError_Returns500(t *testing.T) {
	ms := &mockStore{gwErr: context.DeadlineExceeded}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/gateways", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
