//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/collector/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/defmtd/defmt/internal/collector/storage"
)

// migrationsDir returns the absolute path to db/migrations relative to this
// test file, so the tests work regardless of the working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "db", "migrations")
}

// setupDB starts a PostgreSQL container, applies the frames migration, and
// returns a Store and a cleanup function.
func setupDB(t *testing.T) (*storage.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("defmt_test"),
		tcpostgres.WithUsername("defmt"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	applyMigrations(t, ctx, rawPool, migrationsDir(t))
	rawPool.Close()

	store, err := storage.New(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("storage.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func applyMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dir string) {
	t.Helper()
	files := []string{"001_frames.sql"}
	for _, f := range files {
		path := filepath.Join(dir, f)
		sql, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", f, err)
		}
	}
}

func testFrame(gatewayID, level, msg string, at time.Time) storage.FrameRow {
	return storage.FrameRow{
		FrameID:    uuid.NewString(),
		GatewayID:  gatewayID,
		Level:      level,
		RawIndex:   7,
		DecodedAt:  at,
		ReceivedAt: at,
		Message:    msg,
	}
}

func TestBatchInsertFrames_FlushOnSize(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	// batchSize is 10 in setupDB; insert 10 frames to trigger a size-based flush.
	for i := 0; i < 10; i++ {
		f := testFrame("gw-1", "INFO", fmt.Sprintf("message %d", i), at)
		if err := store.BatchInsertFrames(ctx, f); err != nil {
			t.Fatalf("BatchInsertFrames[%d]: %v", i, err)
		}
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	frames, err := store.QueryFrames(ctx, storage.FrameQuery{
		GatewayID: "gw-1",
		From:      from,
		To:        to,
		Limit:     100,
	})
	if err != nil {
		t.Fatalf("QueryFrames: %v", err)
	}
	if len(frames) != 10 {
		t.Errorf("want 10 frames, got %d", len(frames))
	}
}

func TestBatchInsertFrames_FlushOnInterval(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	f := testFrame("gw-2", "WARN", "solo frame", at)

	// Only 1 frame — the batchSize threshold (10) is not reached.
	if err := store.BatchInsertFrames(ctx, f); err != nil {
		t.Fatalf("BatchInsertFrames: %v", err)
	}

	// Wait for the 50ms flush interval to fire (give 200ms headroom).
	time.Sleep(200 * time.Millisecond)

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	frames, err := store.QueryFrames(ctx, storage.FrameQuery{
		GatewayID: "gw-2",
		From:      from,
		To:        to,
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("QueryFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("want 1 frame, got %d", len(frames))
	}
}

func TestQueryFrames_LevelFilter(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	frames := []storage.FrameRow{
		testFrame("gw-3", "INFO", "a", at),
		testFrame("gw-3", "WARN", "b", at.Add(time.Second)),
		testFrame("gw-3", "ERROR", "c", at.Add(2*time.Second)),
	}
	for _, f := range frames {
		if err := store.BatchInsertFrames(ctx, f); err != nil {
			t.Fatalf("BatchInsertFrames: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := store.QueryFrames(ctx, storage.FrameQuery{
		GatewayID: "gw-3",
		Level:     "WARN",
		From:      from,
		To:        to,
		Limit:     100,
	})
	if err != nil {
		t.Fatalf("QueryFrames(WARN): %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 WARN frame, got %d", len(got))
	}
	if got[0].Message != "b" {
		t.Errorf("message = %q, want %q", got[0].Message, "b")
	}
}

func TestListGateways(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	for _, f := range []storage.FrameRow{
		testFrame("gw-4", "INFO", "x", at),
		testFrame("gw-5", "INFO", "y", at),
	} {
		if err := store.BatchInsertFrames(ctx, f); err != nil {
			t.Fatalf("BatchInsertFrames: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	gws, err := store.ListGateways(ctx)
	if err != nil {
		t.Fatalf("ListGateways: %v", err)
	}
	if len(gws) < 2 {
		t.Errorf("want >= 2 gateways, got %d", len(gws))
	}
}
