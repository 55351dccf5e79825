package migrate_test

import (
	"context"
	"testing"

	"prototypia/internal/db"
	"prototypia/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	v, err := migrate.Version(context.Background(), conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
	if _, err := conn.Exec(`INSERT INTO kv(key,value,updated_at) VALUES ('k','v','now')`); err != nil {
		t.Fatalf("kv table missing: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO events(ts,type,entity_kind) VALUES ('now','x','y')`); err != nil {
		t.Fatalf("events table missing: %v", err)
	}
}
