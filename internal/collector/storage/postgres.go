package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of frame rows held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending frames even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the defmt collector.
//
// Frame ingestion is batched: callers enqueue individual FrameRow values
// via BatchInsertFrames, which accumulates them in memory and flushes to
// the database either when the buffer reaches batchSize or when the
// background ticker fires, whichever comes first.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []FrameRow
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and
// starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]FrameRow, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered frames, and closes the connection pool. Safe to call more than
// once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertFrames enqueues row for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is
// called synchronously before returning so the caller observes
// back-pressure rather than unbounded memory growth.
func (s *Store) BatchInsertFrames(ctx context.Context, row FrameRow) error {
	s.mu.Lock()
	s.batch = append(s.batch, row)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current frame buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the primary key
// are silently ignored (idempotent replay support, since a gateway's
// forwarder may redeliver an unacked batch after a crash).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]FrameRow, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO frames
			(frame_id, gateway_id, level, raw_index, decoded_at, received_at, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query,
			r.FrameID, r.GatewayID, r.Level, r.RawIndex,
			r.DecodedAt, r.ReceivedAt, r.Message,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec frame: %w", err)
		}
	}
	return nil
}

// QueryFrames returns paginated frames that fall within [q.From, q.To) on
// the received_at column.
//
// Optional filters: q.GatewayID (exact match), q.Level (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC, frame_id ASC.
func (s *Store) QueryFrames(ctx context.Context, q FrameQuery) ([]FrameRow, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.GatewayID != "" {
		where += fmt.Sprintf(" AND gateway_id = $%d", argIdx)
		args = append(args, q.GatewayID)
		argIdx++
	}
	if q.Level != "" {
		where += fmt.Sprintf(" AND level = $%d", argIdx)
		args = append(args, q.Level)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT frame_id, gateway_id, level, raw_index, decoded_at, received_at, message
		FROM   frames
		%s
		ORDER  BY received_at DESC, frame_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	var out []FrameRow
	for rows.Next() {
		var r FrameRow
		if err := rows.Scan(&r.FrameID, &r.GatewayID, &r.Level, &r.RawIndex, &r.DecodedAt, &r.ReceivedAt, &r.Message); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListGateways returns a summary of every gateway that has ever delivered
// a frame: its id, total frame count, and the timestamp of its most
// recently received frame.
func (s *Store) ListGateways(ctx context.Context) ([]GatewaySummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT gateway_id, COUNT(*), MAX(received_at)
		FROM   frames
		GROUP  BY gateway_id
		ORDER  BY gateway_id`)
	if err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}
	defer rows.Close()

	var out []GatewaySummary
	for rows.Next() {
		var g GatewaySummary
		if err := rows.Scan(&g.GatewayID, &g.FrameCount, &g.LastFrameAt); err != nil {
			return nil, fmt.Errorf("scan gateway summary: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
