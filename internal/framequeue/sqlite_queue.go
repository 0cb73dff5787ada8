// Package framequeue provides a WAL-mode SQLite-backed local buffer of
// decoded defmt frames on the gateway host. It implements the gateway.Queue
// interface and adds Dequeue and Ack operations supporting at-least-once
// delivery: frames are persisted on Enqueue and are not removed until the
// caller Acks them once the collector has confirmed receipt.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the
// decode-and-enqueue goroutine and the forwarder's drain-and-ack goroutine
// can proceed without blocking each other.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the gateway
// process crashes between Enqueue and Ack, the frame is returned again by
// the next Dequeue call after restart, so no decoded frame is lost even when
// the collector is temporarily unreachable.
package framequeue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// FrameRecord is one decoded, rendered defmt frame queued for delivery to
// the collector.
type FrameRecord struct {
	// GatewayID identifies the gateway process that decoded this frame.
	GatewayID string
	// Level is the rendered severity tag ("TRACE".."ERROR"), or empty for
	// level-less Println/derived frames.
	Level string
	// RawIndex is the frame's interned string-table index, kept for
	// cross-referencing against the originating ELF image.
	RawIndex uint64
	// DecodedAt is when the gateway decoded this frame off the wire.
	DecodedAt time.Time
	// Message is the fully rendered log message (format string + args,
	// without the level/timestamp prefix — those are reconstructed from
	// Level/DecodedAt by consumers).
	Message string
}

// Queue is a WAL-mode SQLite-backed implementation of the gateway's local
// frame buffer. It is safe for concurrent use.
type Queue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests, which
// loses all data when closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked pending (delivered = 0), so Depth() is accurate immediately after a
// crash-recovery restart.
func New(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("framequeue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. A single connection avoids
	// "database is locked" errors when Enqueue and Ack race.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("framequeue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("framequeue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("framequeue: apply schema: %w", err)
	}

	q := &Queue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM frame_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("framequeue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS frame_queue (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    gateway_id   TEXT    NOT NULL,
    level        TEXT    NOT NULL DEFAULT '',
    raw_index    INTEGER NOT NULL,
    decoded_at   TEXT    NOT NULL,
    message      TEXT    NOT NULL,
    enqueued_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_frame_queue_pending
    ON frame_queue (delivered, id);
`

// Enqueue persists rec for at-least-once delivery. It implements
// gateway.Queue.
func (q *Queue) Enqueue(ctx context.Context, rec FrameRecord) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO frame_queue (gateway_id, level, raw_index, decoded_at, message)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.GatewayID,
		rec.Level,
		rec.RawIndex,
		rec.DecodedAt.UTC().Format(time.RFC3339Nano),
		rec.Message,
	)
	if err != nil {
		return fmt.Errorf("framequeue: enqueue: %w", err)
	}
	q.depth.Add(1)
	return nil
}

// PendingFrame is an unacknowledged frame returned by Dequeue. ID is the
// database primary key used to acknowledge the frame via Ack.
type PendingFrame struct {
	ID  int64
	Rec FrameRecord
}

// Dequeue returns up to n unacknowledged frames in insertion order (oldest
// first). It does not mark frames as delivered; call Ack with the returned
// IDs once the collector confirms receipt.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]PendingFrame, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, gateway_id, level, raw_index, decoded_at, message
		 FROM   frame_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("framequeue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingFrame
	for rows.Next() {
		var pf PendingFrame
		var decodedAt string
		if err := rows.Scan(&pf.ID, &pf.Rec.GatewayID, &pf.Rec.Level, &pf.Rec.RawIndex, &decodedAt, &pf.Rec.Message); err != nil {
			return nil, fmt.Errorf("framequeue: dequeue scan: %w", err)
		}
		pf.Rec.DecodedAt, err = time.Parse(time.RFC3339Nano, decodedAt)
		if err != nil {
			pf.Rec.DecodedAt, _ = time.Parse(time.RFC3339, decodedAt)
		}
		out = append(out, pf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("framequeue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the frames identified by ids as delivered. Acknowledged frames
// are excluded from subsequent Dequeue results. Ack is idempotent.
func (q *Queue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE frame_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("framequeue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) frames. It reads an
// atomic counter updated by Enqueue/Ack, so it never blocks. It implements
// gateway.Queue.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. It implements
// gateway.Queue. The queue must not be used after Close returns.
func (q *Queue) Close() error {
	return q.db.Close()
}
