// Package live provides the in-process WebSocket broadcaster used to tail
// decoded frames in real time.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     frame messages. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the collector's
//     ingest goroutine.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Clients may narrow the stream to a single gateway ID; an empty filter
//     receives every frame.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/defmtd/defmt/internal/collector/storage"
)

// FrameData is the structured frame payload sent to browser clients as part
// of a FrameMessage envelope.
type FrameData struct {
	FrameID    string `json:"frame_id"`
	GatewayID  string `json:"gateway_id"`
	Level      string `json:"level"`
	DecodedAt  string `json:"decoded_at"`
	ReceivedAt string `json:"received_at"`
	Message    string `json:"message"`
}

// FrameMessage is the top-level JSON envelope pushed to browser WebSocket
// clients. Type is always "frame".
type FrameMessage struct {
	Type string    `json:"type"`
	Data FrameData `json:"data"`
}

// Client represents a single connected WebSocket client.
type Client struct {
	id        string
	gatewayID string // empty matches every gateway
	send      chan []byte
	Dropped   atomic.Int64
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded frame messages
// are delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans decoded frames out to all currently-connected WebSocket
// clients. It is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; pass 0 to use the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, optionally scoped to a
// single gatewayID (empty string matches every gateway), and returns a
// pointer to it. The caller must call Unregister(id) on disconnect.
func (b *Broadcaster) Register(id, gatewayID string) *Client {
	c := &Client{
		id:        id,
		gatewayID: gatewayID,
		send:      make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel. Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish converts row to a FrameMessage and delivers it to every registered
// client whose gateway filter matches (or is empty). A full client buffer
// drops the message and increments that client's Dropped counter.
func (b *Broadcaster) Publish(row storage.FrameRow) {
	if b.closed.Load() {
		return
	}

	msg := FrameMessage{
		Type: "frame",
		Data: FrameData{
			FrameID:    row.FrameID,
			GatewayID:  row.GatewayID,
			Level:      row.Level,
			DecodedAt:  row.DecodedAt.UTC().Format(rfc3339),
			ReceivedAt: row.ReceivedAt.UTC().Format(rfc3339),
			Message:    row.Message,
		},
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("live broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if c.gatewayID != "" && c.gatewayID != row.GatewayID {
			return true
		}
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("live broadcaster: client buffer full, dropping frame",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Close removes all registered clients, closes every channel, and releases
// internal resources. After Close returns, Publish is a no-op.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
