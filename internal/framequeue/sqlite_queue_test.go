package framequeue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/defmtd/defmt/internal/framequeue"
)

func makeRecord(gatewayID, msg string) framequeue.FrameRecord {
	return framequeue.FrameRecord{
		GatewayID: gatewayID,
		Level:     "INFO",
		RawIndex:  7,
		DecodedAt: time.Now().UTC().Truncate(time.Millisecond),
		Message:   msg,
	}
}

func openMemQueue(t *testing.T) *framequeue.Queue {
	t.Helper()
	q, err := framequeue.New(":memory:")
	if err != nil {
		t.Fatalf("framequeue.New(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestNew_InMemory_EmptyDepth(t *testing.T) {
	q := openMemQueue(t)
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestNew_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := framequeue.New(path)
	if err != nil {
		t.Fatalf("framequeue.New(%q): %v", path, err)
	}
	_ = q.Close()

	q2, err := framequeue.New(path)
	if err != nil {
		t.Fatalf("reopen %q: %v", path, err)
	}
	defer q2.Close()
	if d := q2.Depth(); d != 0 {
		t.Errorf("Depth after reopen = %d, want 0", d)
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := openMemQueue(t)

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, makeRecord("gw-1", "hello")); err != nil {
			t.Fatalf("Enqueue[%d]: %v", i, err)
		}
	}
	if d := q.Depth(); d != 3 {
		t.Fatalf("Depth = %d, want 3", d)
	}

	pending, err := q.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Dequeue returned %d rows, want 2", len(pending))
	}

	ids := []int64{pending[0].ID, pending[1].ID}
	if err := q.Ack(ctx, ids); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Fatalf("Depth after ack = %d, want 1", d)
	}

	// Ack is idempotent.
	if err := q.Ack(ctx, ids); err != nil {
		t.Fatalf("Ack (repeat): %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Fatalf("Depth after repeat ack = %d, want 1", d)
	}
}

func TestDequeueZeroOrNegative(t *testing.T) {
	ctx := context.Background()
	q := openMemQueue(t)
	_ = q.Enqueue(ctx, makeRecord("gw-1", "x"))

	rows, err := q.Dequeue(ctx, 0)
	if err != nil || rows != nil {
		t.Fatalf("Dequeue(0) = %v, %v; want nil, nil", rows, err)
	}
	rows, err = q.Dequeue(ctx, -1)
	if err != nil || rows != nil {
		t.Fatalf("Dequeue(-1) = %v, %v; want nil, nil", rows, err)
	}
}

func TestDepthSeededOnReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := framequeue.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = q.Enqueue(ctx, makeRecord("gw-1", "a"))
	_ = q.Enqueue(ctx, makeRecord("gw-1", "b"))
	_ = q.Close()

	q2, err := framequeue.New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()
	if d := q2.Depth(); d != 2 {
		t.Fatalf("Depth after crash-recovery reopen = %d, want 2", d)
	}
}
