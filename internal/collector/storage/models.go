// Package storage provides the PostgreSQL-backed persistence layer for the
// defmt collector. It exposes a typed FrameRow model for the `frames` table
// and a Store that wraps a pgxpool connection pool with a batched insert
// path.
package storage

import "time"

// FrameRow maps to one row of the `frames` table: a single decoded,
// rendered defmt frame received from a gateway's forwarder.
type FrameRow struct {
	FrameID    string    `json:"frame_id"`
	GatewayID  string    `json:"gateway_id"`
	Level      string    `json:"level,omitempty"`
	RawIndex   uint64    `json:"raw_index"`
	DecodedAt  time.Time `json:"decoded_at"`
	ReceivedAt time.Time `json:"received_at"`
	Message    string    `json:"message"`
}

// FrameQuery carries the filter and pagination parameters for QueryFrames.
//
// From and To are mandatory and bracket the received_at column. Limit
// defaults to 100 when <= 0. An empty GatewayID or Level matches all rows
// for that field.
type FrameQuery struct {
	GatewayID string
	Level     string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// GatewaySummary is one row of the distinct-gateways listing derived from
// the frames table (the collector never tracks gateway identity beyond
// what forwarders attach to each frame).
type GatewaySummary struct {
	GatewayID   string    `json:"gateway_id"`
	FrameCount  int64     `json:"frame_count"`
	LastFrameAt time.Time `json:"last_frame_at"`
}
