package store

import (
	"testing"
	"testing/fstest"
)

func TestMigrationFilesSortedUpOnly(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_indexes.up.sql":            {Data: []byte("SELECT 2")},
		"m/001_maintenance_runs.up.sql":   {Data: []byte("SELECT 1")},
		"m/001_maintenance_runs.down.sql": {Data: []byte("DROP TABLE maintenance_runs")},
		"m/README.md":                     {Data: []byte("notes")},
	}
	got, err := migrationFiles(fsys, "m")
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(got) != 2 || got[0] != "001_maintenance_runs.up.sql" || got[1] != "002_indexes.up.sql" {
		t.Errorf("got %v", got)
	}
	if _, err := migrationFiles(fsys, "missing"); err == nil {
		t.Error("expected error for missing dir")
	}
}

func TestBundledMigrations(t *testing.T) {
	got, err := migrationFiles(migrations, "migrations")
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(got) == 0 || got[0] != "001_maintenance_runs.up.sql" {
		t.Errorf("bundled migrations = %v", got)
	}
}
