package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the number of buffered entries that triggers an
	// immediate flush to PostgreSQL.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered entries are flushed when the
	// batch has not filled up.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Forwarder ships journal entries to a central PostgreSQL database so that
// events from many hosts can be queried in one place.
//
// Entries are buffered in memory and written in a single pgx.Batch round-trip
// either when the buffer reaches batchSize or when the flush ticker fires.
// Every row gets a fresh UUID, so a replayed batch is ignored by the
// ON CONFLICT clause instead of duplicating rows.
type Forwarder struct {
	pool *pgxpool.Pool
	host string

	mu            sync.Mutex
	pending       []pendingRow
	batchSize     int
	flushInterval time.Duration

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

type pendingRow struct {
	id    string
	entry Entry
}

// NewForwarder connects to dsn, pings the server, creates the events table if
// needed, and starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize and flushInterval <= 0
// with DefaultFlushInterval.
func NewForwarder(ctx context.Context, dsn string, batchSize int, flushInterval time.Duration) (*Forwarder, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping postgres: %w", err)
	}
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("journal: apply postgres schema: %w", err)
		}
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	f := &Forwarder{
		pool:          pool,
		host:          host,
		pending:       make([]pendingRow, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go f.flushLoop()
	return f, nil
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS winwatch_events (
		event_id    UUID        PRIMARY KEY,
		host        TEXT        NOT NULL,
		monitor     TEXT        NOT NULL,
		kind        TEXT        NOT NULL,
		event_type  TEXT        NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		detail      JSONB       NOT NULL DEFAULT '{}'::jsonb,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_winwatch_events_host_monitor
		ON winwatch_events (host, monitor, ts DESC)`,
}

// Name identifies the forwarder in agent logs.
func (f *Forwarder) Name() string { return "postgres" }

// Host returns the host name stamped on every forwarded row.
func (f *Forwarder) Host() string { return f.host }

// Publish buffers e for the next flush. When the buffer is full, Publish
// flushes synchronously so the caller feels back-pressure instead of the
// buffer growing without bound.
func (f *Forwarder) Publish(ctx context.Context, e Entry) error {
	f.mu.Lock()
	f.pending = append(f.pending, pendingRow{id: uuid.NewString(), entry: e})
	full := len(f.pending) >= f.batchSize
	f.mu.Unlock()

	if full {
		return f.Flush(ctx)
	}
	return nil
}

// Flush sends every buffered entry to PostgreSQL in one batch. Concurrent
// callers each drain a distinct snapshot of the buffer.
func (f *Forwarder) Flush(ctx context.Context) error {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return nil
	}
	rows := f.pending
	f.pending = make([]pendingRow, 0, f.batchSize)
	f.mu.Unlock()

	const insert = `
		INSERT INTO winwatch_events
			(event_id, host, monitor, kind, event_type, ts, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for _, row := range rows {
		detail, err := json.Marshal(row.entry.Detail)
		if err != nil || row.entry.Detail == nil {
			detail = []byte("{}")
		}
		b.Queue(insert,
			row.id, f.host,
			row.entry.Monitor, row.entry.Kind, row.entry.EventType,
			row.entry.Timestamp.UTC(),
			detail,
		)
	}

	br := f.pool.SendBatch(ctx, b)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("journal: forward batch: %w", err)
		}
	}
	return nil
}

// Recent returns up to n entries forwarded by this host, newest first. An
// empty monitor selects every monitor.
func (f *Forwarder) Recent(ctx context.Context, monitor string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := f.pool.Query(ctx, `
		SELECT host, monitor, kind, event_type, ts, detail
		FROM   winwatch_events
		WHERE  host = $1 AND ($2::text = '' OR monitor = $2)
		ORDER  BY ts DESC, received_at DESC
		LIMIT  $3`, f.host, monitor, n)
	if err != nil {
		return nil, fmt.Errorf("journal: query forwarded events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			detail []byte
		)
		if err := rows.Scan(&e.Host, &e.Monitor, &e.Kind, &e.EventType, &e.Timestamp, &detail); err != nil {
			return nil, fmt.Errorf("journal: scan forwarded event: %w", err)
		}
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			e.Detail = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close stops the flush goroutine, makes a final best-effort flush, and
// closes the pool. Calls after the first are no-ops.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.stopCh)
		<-f.doneCh

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = f.Flush(ctx)
		f.pool.Close()
	})
	return err
}

func (f *Forwarder) flushLoop() {
	defer close(f.doneCh)
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			_ = f.Flush(context.Background())
		}
	}
}
