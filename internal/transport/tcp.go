// Package transport implements the byte-stream transport client for the
// defmt gateway. The [TCPClient] satisfies the [gateway.Transport] interface
// and manages a persistent TCP connection to a serial-to-TCP bridge (such as
// the RTT server most debug probes expose) with the following key
// properties:
//
//   - Exponential backoff: on any connection or read error the client waits
//     an exponentially increasing interval (with ±25 % jitter) before
//     reconnecting.  The back-off ceiling defaults to 60 s and is
//     configurable via [ClientConfig.MaxBackoff].
//   - Resynchronisation: the client delivers raw chunks exactly as read; it
//     is the stream decoder's job to resynchronise on the next frame
//     delimiter after a disconnect.  A rzcobs-encoded stream loses at most
//     the frame in flight when the connection drops.
//   - Metrics: [TCPClient.BytesReadTotal] and [TCPClient.ReconnectTotal] are
//     atomic counters that increment on every read and on each reconnect
//     attempt respectively.
package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// defaultMaxBackoff is the ceiling for the exponential reconnect back-off.
	defaultMaxBackoff = 60 * time.Second

	// initialBackoff is the wait after the first connection failure.
	initialBackoff = time.Second

	// readBufSize is the size of the per-read buffer. RTT targets emit small
	// frames; 4 KiB comfortably holds many frames per read without sitting
	// on latency.
	readBufSize = 4096

	// chunkChanCap is the capacity of the buffered channel delivering raw
	// chunks to the consumer.
	chunkChanCap = 256
)

// ClientConfig holds the parameters for connecting to the byte-stream
// bridge.
type ClientConfig struct {
	// Addr is the bridge's TCP address (e.g. "127.0.0.1:19021"). Required.
	Addr string

	// MaxBackoff is the maximum reconnect back-off interval. Defaults to
	// defaultMaxBackoff when zero or negative.
	MaxBackoff time.Duration

	// DialTimeout bounds each connection attempt. Defaults to 10 s when
	// zero or negative.
	DialTimeout time.Duration
}

// TCPClient reads raw defmt stream bytes off a TCP connection and delivers
// them as chunks. It implements gateway.Transport.
type TCPClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	chunks chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	bytesReadTotal atomic.Int64
	reconnectTotal atomic.Int64
}

// New creates a TCPClient. Start must be called before any chunks are
// delivered.
func New(cfg ClientConfig, logger *slog.Logger) *TCPClient {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &TCPClient{
		cfg:    cfg,
		logger: logger,
		chunks: make(chan []byte, chunkChanCap),
	}
}

// Start launches the connect/read loop in a background goroutine and
// returns immediately. It is idempotent; only the first call has effect.
func (c *TCPClient) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		c.wg.Add(1)
		go c.run(runCtx)
	})
	return nil
}

// Chunks returns the channel on which raw byte chunks are delivered. The
// channel is closed after Stop once the read loop has exited.
func (c *TCPClient) Chunks() <-chan []byte { return c.chunks }

// Stop terminates the read loop, closes the connection, and closes the
// chunk channel. It blocks until the loop has exited.
func (c *TCPClient) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		close(c.chunks)
	})
}

// BytesReadTotal returns the total number of stream bytes read since Start.
func (c *TCPClient) BytesReadTotal() int64 { return c.bytesReadTotal.Load() }

// ReconnectTotal returns the number of connection attempts made after the
// first.
func (c *TCPClient) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// run is the connect/read loop: dial, read until error, back off, repeat,
// until ctx is cancelled.
func (c *TCPClient) run(ctx context.Context) {
	defer c.wg.Done()

	backoff := initialBackoff
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			c.reconnectTotal.Add(1)
		}
		first = false

		dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.logger.Warn("transport: dial failed",
				slog.String("addr", c.cfg.Addr),
				slog.Duration("retry_in", backoff),
				slog.Any("error", err),
			)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		c.logger.Info("transport: connected", slog.String("addr", c.cfg.Addr))
		backoff = initialBackoff

		// Close the connection when ctx is cancelled so the blocking Read
		// below returns promptly.
		connDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-connDone:
			}
		}()

		c.readLoop(ctx, conn)
		close(connDone)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("transport: connection lost",
			slog.String("addr", c.cfg.Addr),
			slog.Duration("retry_in", backoff),
		)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

// readLoop reads from conn until an error occurs, delivering each chunk on
// the chunk channel.
func (c *TCPClient) readLoop(ctx context.Context, conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.bytesReadTotal.Add(int64(n))
			select {
			case c.chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// nextBackoff returns the next back-off duration: double the current value
// with ±25% jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(next) / 2))
	next = next*3/4 + jitter
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
