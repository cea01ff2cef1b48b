package store

import (
	"context"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestOpenFile(t *testing.T) {
	path := t.TempDir() + "/nested/memgraph.db"
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	n := &Node{Type: NodeActivity, Content: "persisted"}
	if err := db.CreateNode(context.Background(), n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	got, err := db.GetNode(context.Background(), n.ID)
	if err != nil || got == nil {
		t.Fatalf("GetNode after reopen: %v, %v", got, err)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)
	tables := []string{"schema_versions", "nodes", "edges", "node_fts", "node_vectors", "interactions", "event_nodes"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestNodeConstraints(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`INSERT INTO nodes (id, type, timestamp, created_at, updated_at)
		VALUES ('a', 'activity', 1, 1, 1)`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	_, err = db.Exec(`INSERT INTO nodes (id, type, timestamp, created_at, updated_at)
		VALUES ('b', 'bogus', 1, 1, 1)`)
	if err == nil {
		t.Error("expected error for invalid type, got nil")
	}

	_, err = db.Exec(`INSERT INTO nodes (id, type, timestamp, relevance, created_at, updated_at)
		VALUES ('c', 'activity', 1, 1.5, 1, 1)`)
	if err == nil {
		t.Error("expected error for relevance above 1, got nil")
	}
}
