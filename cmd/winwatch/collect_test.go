package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/winwatch/winwatch/internal/journal"
	"github.com/winwatch/winwatch/internal/relay"
)

// syncBuffer is a bytes.Buffer safe for the collector goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func quietLogger() *slog.Logger {
	return newLogger(&bytes.Buffer{}, "error", "text")
}

func TestPrintOnce_SuppressesRedelivery(t *testing.T) {
	var out bytes.Buffer
	handle, err := printOnce(&out)
	if err != nil {
		t.Fatalf("printOnce: %v", err)
	}
	e := journal.Entry{ID: 3, Monitor: "docs", Kind: "file", EventType: "Added"}
	for i := 0; i < 2; i++ {
		if err := handle(context.Background(), "evt-1", e); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if err := handle(context.Background(), "evt-2", e); err != nil {
		t.Fatalf("handle: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("printed %d lines, want 2:\n%s", len(lines), out.String())
	}
	var got collectedEvent
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventID != "evt-1" || got.Monitor != "docs" || got.ID != 3 {
		t.Errorf("line = %+v", got)
	}
}

func TestServeCollector_PrintsRelayedEvents(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- serveCollector(ctx, lis, &out, quietLogger()) }()

	r, err := relay.New(relay.Config{
		Addr:     "passthrough:///bufnet",
		Insecure: true,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, quietLogger())
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	e := journal.Entry{ID: 1, Monitor: "docs", Kind: "file", EventType: "Added", Timestamp: time.Now().UTC()}
	if err := r.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), `"monitor":"docs"`) {
		if time.Now().After(deadline) {
			t.Fatalf("event not printed; output %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Close(); err != nil {
		t.Errorf("relay Close: %v", err)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("serveCollector = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serveCollector did not return after cancel")
	}
}
