package migrate_test

import (
	"testing"

	"secretvault/internal/db"
	"secretvault/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 1 {
		t.Fatalf("expected version >= 1 after migrating, got %d", v)
	}

	// Re-running against an up-to-date database applies nothing.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	after, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if after != v {
		t.Fatalf("version moved from %d to %d on a no-op migrate", v, after)
	}

	// The schema actually landed.
	if _, err := conn.Exec(`INSERT INTO teams(id,name,slug,created_at,updated_at) VALUES ('t1','T','t','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert into migrated schema: %v", err)
	}
}
