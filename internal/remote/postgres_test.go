package remote

import (
	"context"
	"os"
	"testing"
	"time"

	"sitecms/api/internal/store"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("SITE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SITE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := store.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE content_sections`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	pg := NewPostgresStore(db)
	t.Cleanup(func() { _ = pg.Close() })
	return pg
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	pg := openTestPostgres(t)
	ctx := context.Background()

	if err := pg.Write(ctx, "bookings/b1", map[string]any{"name": "Ada", "status": "pending"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := pg.Write(ctx, "bookings/b1/status", "approved"); err != nil {
		t.Fatalf("leaf Write failed: %v", err)
	}
	status, ok, err := pg.Read(ctx, "bookings/b1/status")
	if err != nil || !ok || status != "approved" {
		t.Fatalf("Read = %v, %v, %v", status, ok, err)
	}

	if err := pg.Delete(ctx, "bookings/b1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	snapshot, err := pg.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if bookings, _ := snapshot["bookings"].(map[string]any); len(bookings) != 0 {
		t.Errorf("expected empty bookings, got %v", bookings)
	}
}

func TestPostgresStoreSubscribe(t *testing.T) {
	pg := openTestPostgres(t)
	ctx := context.Background()

	changes := make(chan any, 2)
	stop, err := pg.Subscribe(ctx, "seo", func(v any) { changes <- v })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stop()

	if err := pg.Write(ctx, "seo", map[string]any{"title": "Home"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	select {
	case v := <-changes:
		if v.(map[string]any)["title"] != "Home" {
			t.Errorf("unexpected pushed value %v", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for NOTIFY")
	}
}
