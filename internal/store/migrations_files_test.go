package store

import (
	"os"
	"path/filepath"
	"testing"
)

const migrationsDir = "../../db/migrations"

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for _, m := range migrations {
		if m.down == "" {
			t.Fatalf("version %s must include both up and down files", m.version)
		}
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].version >= migrations[i].version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].version, migrations[i].version)
		}
	}
}

func TestLoadMigrationsRejectsOrphanDown(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0001_orphan.down.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadMigrations(dir); err == nil {
		t.Fatal("expected error for down file without up file")
	}
}

func TestLoadMigrationsIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"README.md", "0001_init.up.sql", "0001_init.down.sql", "notes.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	migrations, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) != 1 || migrations[0].version != "0001" {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
}
