// Package stream pushes monitor events to live WebSocket subscribers of the
// status server.
//
// The Hub fans every published event out to each connected client through a
// per-client buffered channel. Sends never block: when a client falls behind,
// its event is dropped and counted instead of stalling the monitor goroutine
// that published it.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/winwatch/winwatch/internal/journal"
)

// DefaultClientBuffer is the per-client channel depth used when NewHub is
// given a non-positive size.
const DefaultClientBuffer = 64

// Message is the JSON envelope written to subscribers.
type Message struct {
	Type  string        `json:"type"`
	Event journal.Entry `json:"event"`
}

// Client is one subscriber. Frames arrive on Frames until the client is
// removed or the hub is closed, at which point the channel is closed.
type Client struct {
	id      string
	monitor string
	frames  chan []byte
	dropped atomic.Int64
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Frames returns the channel of encoded messages for this client.
func (c *Client) Frames() <-chan []byte { return c.frames }

// Dropped returns how many messages were discarded because the client's
// buffer was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Hub fans monitor events out to stream clients. It is safe for concurrent
// use.
type Hub struct {
	logger  *slog.Logger
	bufSize int

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewHub creates a Hub whose clients buffer up to bufSize messages.
func NewHub(logger *slog.Logger, bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultClientBuffer
	}
	return &Hub{
		logger:  logger,
		bufSize: bufSize,
		clients: make(map[string]*Client),
	}
}

// Subscribe registers a new client. A non-empty monitor restricts the client
// to events of that monitor. Subscribing to a closed hub returns a client
// whose Frames channel is already closed.
func (h *Hub) Subscribe(monitor string) *Client {
	c := &Client{
		id:      uuid.NewString(),
		monitor: monitor,
		frames:  make(chan []byte, h.bufSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.frames)
		return c
	}
	h.clients[c.id] = c
	return c
}

// Unsubscribe removes the client and closes its Frames channel. Unknown IDs
// are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.frames)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Name identifies the hub in agent logs.
func (h *Hub) Name() string { return "stream" }

// Publish encodes e once and offers it to every matching client.
func (h *Hub) Publish(_ context.Context, e journal.Entry) error {
	raw, err := json.Marshal(Message{Type: "event", Event: e})
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	for _, c := range h.clients {
		if c.monitor != "" && c.monitor != e.Monitor {
			continue
		}
		select {
		case c.frames <- raw:
		default:
			c.dropped.Add(1)
			h.logger.Warn("stream: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("monitor", e.Monitor),
			)
		}
	}
	return nil
}

// Close disconnects every client. Publish becomes a no-op afterwards.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.frames)
	}
	return nil
}
