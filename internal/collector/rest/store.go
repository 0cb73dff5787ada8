package rest

import (
	"context"

	"github.com/defmtd/defmt/internal/collector/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryFrames returns frames matching the given filter and pagination
	// params.
	QueryFrames(ctx context.Context, q storage.FrameQuery) ([]storage.FrameRow, error)

	// ListGateways returns a summary of every gateway that has ever
	// delivered a frame.
	ListGateways(ctx context.Context) ([]storage.GatewaySummary, error)
}
