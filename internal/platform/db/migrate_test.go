package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_hints.sql":    {Data: []byte("ALTER TABLE sessions ADD COLUMN x TEXT;")},
		"001_sessions.sql": {Data: []byte("CREATE TABLE sessions (id TEXT PRIMARY KEY);")},
		"README.md":        {Data: []byte("docs")},
		"notes.sql":        {Data: []byte("-- no version prefix")},
		"abc_bad.sql":      {Data: []byte("-- non-numeric prefix")},
	}

	migrations, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_sessions.sql" {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2 second, got %d", migrations[1].Version)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, fsys, "").LoadMigrations(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}, "").LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error for empty fs: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.table() != "public.nmcds_migrations" {
		t.Errorf("unexpected table %s", m.table())
	}
	m = NewMigrator(nil, fstest.MapFS{}, "nmcds")
	if m.table() != "nmcds.nmcds_migrations" {
		t.Errorf("unexpected table %s", m.table())
	}
}

func TestBuildStatus(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	statuses := buildStatus(
		[]Migration{{Version: 1, Name: "001_sessions.sql"}, {Version: 2, Name: "002_hints.sql"}},
		map[int]time.Time{1: at},
	)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected first applied at %s, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected second pending, got %+v", statuses[1])
	}
}
