package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/defmtd/defmt/internal/collector/storage"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	rows      []storage.FrameRow
	insertErr error
}

func (m *mockStore) BatchInsertFrames(_ context.Context, row storage.FrameRow) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.rows = append(m.rows, row)
	return nil
}

// mockBroadcaster records published frames.
type mockBroadcaster struct {
	published []storage.FrameRow
}

func (m *mockBroadcaster) Publish(row storage.FrameRow) {
	m.published = append(m.published, row)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postBatch(t *testing.T, h http.Handler, batch Batch) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func validBatch() Batch {
	return Batch{
		BatchID: "b-1",
		Frames: []Frame{
			{
				GatewayID: "gw-1",
				Level:     "INFO",
				RawIndex:  4,
				DecodedAt: time.Now().UTC().Add(-time.Second),
				Message:   "Hello, world!",
			},
		},
	}
}

func TestIngest_PersistsAndBroadcasts(t *testing.T) {
	ms := &mockStore{}
	mb := &mockBroadcaster{}
	h := NewRouter(NewHandler(ms, mb, testLogger()), nil)

	rec := postBatch(t, h, validBatch())

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Rejected != 0 {
		t.Fatalf("accepted=%d rejected=%d, want 1/0", resp.Accepted, resp.Rejected)
	}
	if len(ms.rows) != 1 {
		t.Fatalf("store has %d rows, want 1", len(ms.rows))
	}
	row := ms.rows[0]
	if row.FrameID == "" {
		t.Error("FrameID must be assigned by the collector")
	}
	if row.GatewayID != "gw-1" || row.Message != "Hello, world!" {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.ReceivedAt.IsZero() {
		t.Error("ReceivedAt must be stamped by the collector")
	}
	if len(mb.published) != 1 {
		t.Fatalf("broadcaster received %d frames, want 1", len(mb.published))
	}
	if mb.published[0].FrameID != row.FrameID {
		t.Error("broadcast frame must be the persisted row")
	}
}

func TestIngest_RejectsInvalidFramesButAcksBatch(t *testing.T) {
	ms := &mockStore{}
	h := NewRouter(NewHandler(ms, nil, testLogger()), nil)

	batch := validBatch()
	batch.Frames = append(batch.Frames,
		Frame{GatewayID: "", Level: "INFO", DecodedAt: time.Now().UTC()},        // missing gateway_id
		Frame{GatewayID: "gw-1", Level: "FATAL", DecodedAt: time.Now().UTC()},   // bad level
		Frame{GatewayID: "gw-1", Level: "WARN"},                                 // zero decoded_at
		Frame{GatewayID: "gw-1", DecodedAt: time.Now().UTC().Add(time.Hour)},    // future
	)

	rec := postBatch(t, h, batch)

	// The batch is still acknowledged so the forwarder does not retry it.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Rejected != 4 {
		t.Fatalf("accepted=%d rejected=%d, want 1/4", resp.Accepted, resp.Rejected)
	}
	if len(ms.rows) != 1 {
		t.Fatalf("store has %d rows, want 1", len(ms.rows))
	}
}

func TestIngest_LevelLessFrameAccepted(t *testing.T) {
	ms := &mockStore{}
	h := NewRouter(NewHandler(ms, nil, testLogger()), nil)

	batch := validBatch()
	batch.Frames[0].Level = ""

	rec := postBatch(t, h, batch)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(ms.rows) != 1 || ms.rows[0].Level != "" {
		t.Fatalf("level-less frame must persist with empty level: %+v", ms.rows)
	}
}

func TestIngest_MissingBatchIDReturns400(t *testing.T) {
	h := NewRouter(NewHandler(&mockStore{}, nil, testLogger()), nil)

	batch := validBatch()
	batch.BatchID = ""

	rec := postBatch(t, h, batch)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngest_MalformedBodyReturns400(t *testing.T) {
	h := NewRouter(NewHandler(&mockStore{}, nil, testLogger()), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngest_StoreFailureReturns500(t *testing.T) {
	ms := &mockStore{insertErr: errors.New("pool exhausted")}
	h := NewRouter(NewHandler(ms, nil, testLogger()), nil)

	rec := postBatch(t, h, validBatch())

	// A storage failure is retryable: the forwarder must see a non-2xx so it
	// keeps the batch queued.
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestIngest_OldFrameAccepted(t *testing.T) {
	// Frames replayed after a long collector outage are hours old and must
	// still be accepted.
	ms := &mockStore{}
	h := NewRouter(NewHandler(ms, nil, testLogger()), nil)

	batch := validBatch()
	batch.Frames[0].DecodedAt = time.Now().UTC().Add(-6 * time.Hour)

	rec := postBatch(t, h, batch)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(ms.rows) != 1 {
		t.Fatalf("store has %d rows, want 1", len(ms.rows))
	}
}
