package transport

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func collectChunks(t *testing.T, c *TCPClient, want int, timeout time.Duration) []byte {
	t.Helper()
	var got []byte
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case chunk, ok := <-c.Chunks():
			if !ok {
				t.Fatalf("chunk channel closed after %d of %d bytes", len(got), want)
			}
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("timed out after %d of %d bytes", len(got), want)
		}
	}
	return got
}

func TestTCPClientDeliversBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	payload := []byte{0x01, 0x00, 0x2A, 0x00, 0x05, 0x00}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write(payload)
		conn.Close()
	}()

	c := New(ClientConfig{Addr: ln.Addr().String()}, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	got := collectChunks(t, c, len(payload), 5*time.Second)
	if string(got) != string(payload) {
		t.Fatalf("got %x, want %x", got, payload)
	}
	if c.BytesReadTotal() < int64(len(payload)) {
		t.Fatalf("BytesReadTotal = %d, want >= %d", c.BytesReadTotal(), len(payload))
	}
}

func TestTCPClientReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// First connection sends one byte and drops; the second sends another.
	go func() {
		for _, b := range []byte{0xAA, 0xBB} {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte{b})
			conn.Close()
		}
	}()

	c := New(ClientConfig{Addr: ln.Addr().String(), MaxBackoff: 100 * time.Millisecond}, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	got := collectChunks(t, c, 2, 10*time.Second)
	if got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("got %x, want aabb", got)
	}
	if c.ReconnectTotal() == 0 {
		t.Fatal("expected at least one reconnect")
	}
}

func TestTCPClientStopClosesChunks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	c := New(ClientConfig{Addr: ln.Addr().String()}, testLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()

	select {
	case _, ok := <-c.Chunks():
		if ok {
			// A chunk may have been buffered before Stop; drain until close.
			for range c.Chunks() {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chunk channel not closed after Stop")
	}
}

func TestNextBackoffCapped(t *testing.T) {
	maxB := 2 * time.Second
	b := initialBackoff
	for i := 0; i < 10; i++ {
		b = nextBackoff(b, maxB)
		if b > maxB {
			t.Fatalf("backoff %v exceeds cap %v", b, maxB)
		}
		if b <= 0 {
			t.Fatalf("backoff %v must be positive", b)
		}
	}
}
