//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/journal/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/winwatch/winwatch/internal/journal"
)

// startPostgres starts a PostgreSQL container and returns its connection
// string. The container is terminated when the test ends.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pg, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("winwatch_test"),
		tcpostgres.WithUsername("winwatch"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	return dsn
}

func countRows(t *testing.T, dsn string) int {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM winwatch_events`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestForwarder_FlushAndRecent(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	// A long interval keeps the ticker out of the way; flushes are explicit.
	f, err := journal.NewForwarder(ctx, dsn, 100, time.Hour)
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	defer f.Close()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, m := range []string{"docs", "run-keys", "docs"} {
		e := makeEntry(m, "file", "Added")
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := f.Publish(ctx, e); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if n := countRows(t, dsn); n != 0 {
		t.Fatalf("rows before flush = %d, want 0", n)
	}
	if err := f.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	all, err := f.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(all))
	}
	if !all[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("newest timestamp = %s, want %s", all[0].Timestamp, base.Add(2*time.Second))
	}
	if all[0].Host != f.Host() {
		t.Errorf("Host = %q, want %q", all[0].Host, f.Host())
	}
	if all[0].Detail["file_name"] != "note.txt" {
		t.Errorf("Detail = %v, want file_name note.txt", all[0].Detail)
	}

	docs, err := f.Recent(ctx, "docs", 10)
	if err != nil {
		t.Fatalf("Recent(docs): %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("len(Recent(docs)) = %d, want 2", len(docs))
	}
}

func TestForwarder_FullBatchFlushesOnPublish(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	f, err := journal.NewForwarder(ctx, dsn, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	defer f.Close()

	for i := 0; i < 2; i++ {
		if err := f.Publish(ctx, makeEntry("procs", "process", "Creation")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if n := countRows(t, dsn); n != 2 {
		t.Errorf("rows after full batch = %d, want 2", n)
	}
}

func TestForwarder_CloseFlushesRemainder(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	f, err := journal.NewForwarder(ctx, dsn, 100, time.Hour)
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	if err := f.Publish(ctx, makeEntry("hklm", "registry", "LastSetChange")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if n := countRows(t, dsn); n != 1 {
		t.Errorf("rows after Close = %d, want 1", n)
	}
}
