package store

import (
	"fmt"

	"go.uber.org/zap"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "nodes: typed memory nodes with relevance and graph metrics",
		SQL: `
CREATE TABLE nodes (
    id                     TEXT PRIMARY KEY,
    type                   TEXT NOT NULL CHECK (type IN ('activity', 'pattern', 'resource', 'concept', 'project',
                               'workflow', 'email', 'code', 'github', 'learning', 'cluster')),
    timestamp              INTEGER NOT NULL,
    content                TEXT NOT NULL DEFAULT '',
    metadata               TEXT NOT NULL DEFAULT '{}',
    tags                   TEXT NOT NULL DEFAULT '[]',

    -- Relevance
    relevance              REAL NOT NULL DEFAULT 1.0 CHECK (relevance >= 0 AND relevance <= 1),
    decay_factor           REAL NOT NULL DEFAULT 1.0,
    decayed_at             INTEGER,
    access_count           INTEGER NOT NULL DEFAULT 0,
    last_accessed          INTEGER,
    confidence             REAL NOT NULL DEFAULT 1.0,

    -- Graph metrics, recomputed
    degree                 INTEGER NOT NULL DEFAULT 0,
    clustering_coefficient REAL NOT NULL DEFAULT 0,
    centrality             REAL NOT NULL DEFAULT 0,

    source_type            TEXT NOT NULL DEFAULT '',
    is_pruned              INTEGER NOT NULL DEFAULT 0,
    version                INTEGER NOT NULL DEFAULT 1,
    created_at             INTEGER NOT NULL,
    updated_at             INTEGER NOT NULL
);

CREATE INDEX idx_nodes_type      ON nodes(type);
CREATE INDEX idx_nodes_timestamp ON nodes(timestamp);
CREATE INDEX idx_nodes_relevance ON nodes(relevance);
CREATE INDEX idx_nodes_active    ON nodes(is_pruned, created_at);
`,
	},
	{
		Version:     2,
		Description: "edges: typed weighted relations between nodes",
		SQL: `
CREATE TABLE edges (
    id          TEXT PRIMARY KEY,
    source_id   TEXT NOT NULL,
    target_id   TEXT NOT NULL,
    type        TEXT NOT NULL CHECK (type IN ('semantic', 'temporal', 'contains', 'causal', 'related')),
    weight      REAL NOT NULL DEFAULT 0.5 CHECK (weight >= 0 AND weight <= 1),
    relevance   REAL NOT NULL DEFAULT 1.0 CHECK (relevance >= 0 AND relevance <= 1),
    metadata    TEXT NOT NULL DEFAULT '{}',
    is_pruned   INTEGER NOT NULL DEFAULT 0,
    decayed_at  INTEGER,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,

    UNIQUE (source_id, target_id, type)
);

CREATE INDEX idx_edges_source ON edges(source_id);
CREATE INDEX idx_edges_target ON edges(target_id);
CREATE INDEX idx_edges_active ON edges(is_pruned, created_at);
`,
	},
	{
		Version:     3,
		Description: "node_fts: full-text index over node content and tags",
		SQL: `
CREATE VIRTUAL TABLE node_fts USING fts5(
    content,
    tags,
    id UNINDEXED,
    tokenize='porter unicode61'
);
`,
	},
	{
		Version:     4,
		Description: "node_vectors: embedding vectors for semantic similarity",
		SQL: `
CREATE TABLE node_vectors (
    node_id    TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     5,
		Description: "interactions: user interaction history per node",
		SQL: `
CREATE TABLE interactions (
    id          INTEGER PRIMARY KEY,
    node_id     TEXT NOT NULL,
    session_id  TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL,
    strength    REAL NOT NULL DEFAULT 1.0,
    created_at  INTEGER NOT NULL
);

CREATE INDEX idx_interactions_node    ON interactions(node_id);
CREATE INDEX idx_interactions_created ON interactions(created_at DESC);
`,
	},
	{
		Version:     6,
		Description: "event_nodes: ingested event id to node id mapping",
		SQL: `
CREATE TABLE event_nodes (
    event_id   TEXT PRIMARY KEY,
    node_id    TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_event_nodes_node ON event_nodes(node_id);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.Get(&count, "SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		db.log.Debug("applied migration", zap.Int("version", m.Version), zap.String("description", m.Description))
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_versions")
	return version, err
}
