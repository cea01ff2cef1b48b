package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// Per-operation outcomes. They are reported inside batch results and never
// abort a batch.
var (
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicateEvent  = errors.New("event already ingested")
	ErrDanglingEdge    = errors.New("edge endpoint missing or pruned")
	ErrInvalidNode     = errors.New("invalid node")
	ErrInvalidEdge     = errors.New("invalid edge")
)

const nodeColumns = `id, type, timestamp, content, metadata, tags, relevance, decay_factor, degree,
	clustering_coefficient, centrality, access_count, last_accessed, confidence, source_type,
	is_pruned, decayed_at, version, created_at, updated_at`

// nowMillis is replaceable in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// prepareNode fills identity and defaults. Version 0 marks a node that has
// never been persisted; only those get default scores.
func prepareNode(n *Node, now int64) error {
	if !n.Type.Valid() {
		return fmt.Errorf("%w: type %d", ErrInvalidNode, n.Type)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp == 0 {
		n.Timestamp = now
	}
	if n.Metadata == nil {
		n.Metadata = Metadata{}
	}
	if n.Tags == nil {
		n.Tags = Tags{}
	}
	if n.Version == 0 {
		if n.RelevanceScore == 0 {
			n.RelevanceScore = 1.0
		}
		if n.DecayFactor == 0 {
			n.DecayFactor = 1.0
		}
		if n.Confidence == 0 {
			n.Confidence = 1.0
		}
		n.Version = 1
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	n.RelevanceScore = Clamp01(n.RelevanceScore)
	n.Confidence = Clamp01(n.Confidence)
	return nil
}

func insertNode(ctx context.Context, ext sqlx.ExtContext, n *Node) error {
	if err := prepareNode(n, nowMillis()); err != nil {
		return err
	}
	_, err := sqlx.NamedExecContext(ctx, ext, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (:id, :type, :timestamp, :content, :metadata, :tags, :relevance, :decay_factor, :degree,
			:clustering_coefficient, :centrality, :access_count, :last_accessed, :confidence, :source_type,
			:is_pruned, :decayed_at, :version, :created_at, :updated_at)
	`, n)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return indexNode(ctx, ext, n)
}

func indexNode(ctx context.Context, ext sqlx.ExtContext, n *Node) error {
	if _, err := ext.ExecContext(ctx, "DELETE FROM node_fts WHERE id = ?", n.ID); err != nil {
		return fmt.Errorf("unindex node: %w", err)
	}
	if _, err := ext.ExecContext(ctx,
		"INSERT INTO node_fts (content, tags, id) VALUES (?, ?, ?)",
		n.Content, strings.Join(n.Tags, " "), n.ID,
	); err != nil {
		return fmt.Errorf("index node: %w", err)
	}
	return nil
}

// updateNode writes the mutable fields of n. A non-zero Version must match
// the stored version; graph metrics and the pruned flag are not touched.
func updateNode(ctx context.Context, ext sqlx.ExtContext, n *Node) (bool, error) {
	if !n.Type.Valid() {
		return false, fmt.Errorf("%w: type %d", ErrInvalidNode, n.Type)
	}
	now := nowMillis()
	n.RelevanceScore = Clamp01(n.RelevanceScore)
	n.Confidence = Clamp01(n.Confidence)

	res, err := ext.ExecContext(ctx, `
		UPDATE nodes SET type = ?, timestamp = ?, content = ?, metadata = ?, tags = ?, relevance = ?,
			decay_factor = ?, access_count = ?, last_accessed = ?, confidence = ?, source_type = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND (? = 0 OR version = ?)
	`, n.Type, n.Timestamp, n.Content, n.Metadata, n.Tags, n.RelevanceScore,
		n.DecayFactor, n.AccessCount, n.LastAccessed, n.Confidence, n.SourceType,
		now, n.ID, n.Version, n.Version)
	if err != nil {
		return false, fmt.Errorf("update node: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var version int64
		err := sqlx.GetContext(ctx, ext, &version, "SELECT version FROM nodes WHERE id = ?", n.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("check node version: %w", err)
		}
		return false, fmt.Errorf("%w: node %s at version %d, update based on %d", ErrVersionConflict, n.ID, version, n.Version)
	}
	n.Version++
	n.UpdatedAt = now
	if err := indexNode(ctx, ext, n); err != nil {
		return false, err
	}
	return true, nil
}

// deleteNode removes a node, its incident edges and every row keyed on it.
func deleteNode(ctx context.Context, ext sqlx.ExtContext, id string) (bool, error) {
	cleanup := []string{
		"DELETE FROM node_fts WHERE id = ?",
		"DELETE FROM node_vectors WHERE node_id = ?",
		"DELETE FROM interactions WHERE node_id = ?",
		"DELETE FROM event_nodes WHERE node_id = ?",
	}
	for _, q := range cleanup {
		if _, err := ext.ExecContext(ctx, q, id); err != nil {
			return false, fmt.Errorf("delete node %s: %w", id, err)
		}
	}
	if _, err := ext.ExecContext(ctx, "DELETE FROM edges WHERE source_id = ? OR target_id = ?", id, id); err != nil {
		return false, fmt.Errorf("delete edges of node %s: %w", id, err)
	}
	res, err := ext.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete node %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateNode inserts a node, assigning an id when empty.
func (db *DB) CreateNode(ctx context.Context, n *Node) error {
	return db.withTx(ctx, "create node", func(tx *sqlx.Tx) error {
		if err := insertNode(ctx, tx, n); err != nil {
			if errors.Is(err, ErrInvalidNode) {
				return apperrors.Validation("create node", "%v", err)
			}
			return apperrors.Storage("create node", err)
		}
		return nil
	})
}

// UpdateNode returns false when the node does not exist. A stale Version
// yields ErrVersionConflict.
func (db *DB) UpdateNode(ctx context.Context, n *Node) (bool, error) {
	var ok bool
	err := db.withTx(ctx, "update node", func(tx *sqlx.Tx) error {
		var err error
		ok, err = updateNode(ctx, tx, n)
		if err != nil && !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrInvalidNode) {
			return apperrors.Storage("update node", err)
		}
		return err
	})
	return ok, err
}

// DeleteNode returns false when the node does not exist.
func (db *DB) DeleteNode(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := db.withTx(ctx, "delete node", func(tx *sqlx.Tx) error {
		var err error
		ok, err = deleteNode(ctx, tx, id)
		return apperrors.Storage("delete node", err)
	})
	return ok, err
}

// GetNode returns a node by id, or nil if not found. Pruned nodes are
// returned with IsPruned set.
func (db *DB) GetNode(ctx context.Context, id string) (*Node, error) {
	var n Node
	err := db.GetContext(ctx, &n, "SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("get node", err)
	}
	return &n, nil
}

// GetNodes returns the nodes that exist among ids, in no particular order.
func (db *DB) GetNodes(ctx context.Context, ids []string) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var nodes []Node
	for _, chunk := range chunkIDs(ids) {
		q, args, err := sqlx.In("SELECT "+nodeColumns+" FROM nodes WHERE id IN (?)", chunk)
		if err != nil {
			return nil, apperrors.Storage("get nodes", err)
		}
		var part []Node
		if err := db.SelectContext(ctx, &part, db.Rebind(q), args...); err != nil {
			return nil, apperrors.Storage("get nodes", err)
		}
		nodes = append(nodes, part...)
	}
	return nodes, nil
}

// TouchNode records an access: access_count+1 and last_accessed = at.
func (db *DB) TouchNode(ctx context.Context, id string, at int64) (bool, error) {
	var ok bool
	err := db.withTx(ctx, "touch node", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE nodes SET access_count = access_count + 1, last_accessed = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND is_pruned = 0
		`, at, nowMillis(), id)
		if err != nil {
			return apperrors.Storage("touch node", err)
		}
		n, _ := res.RowsAffected()
		ok = n > 0
		return nil
	})
	return ok, err
}

// ScoreUpdate sets a node's relevance and decay state. Version 0 skips the
// optimistic check; DecayedAt 0 leaves decayed_at unchanged.
type ScoreUpdate struct {
	ID          string
	Relevance   float64
	DecayFactor float64
	DecayedAt   int64
	Version     int64
}

// UpdateNodeScores applies updates in one transaction. Stale versions and
// pruned or missing nodes are counted as conflicts and skipped.
func (db *DB) UpdateNodeScores(ctx context.Context, updates []ScoreUpdate) (updated, conflicts int, err error) {
	if len(updates) == 0 {
		return 0, 0, nil
	}
	err = db.withTx(ctx, "update scores", func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
			UPDATE nodes SET relevance = ?, decay_factor = ?, decayed_at = COALESCE(NULLIF(?, 0), decayed_at),
				version = version + 1, updated_at = ?
			WHERE id = ? AND is_pruned = 0 AND (? = 0 OR version = ?)
		`)
		if err != nil {
			return apperrors.Storage("update scores", err)
		}
		defer stmt.Close()

		now := nowMillis()
		for _, u := range updates {
			res, err := stmt.ExecContext(ctx, Clamp01(u.Relevance), u.DecayFactor, u.DecayedAt, now, u.ID, u.Version, u.Version)
			if err != nil {
				return apperrors.Storage("update scores", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				updated++
			} else {
				conflicts++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return updated, conflicts, nil
}

// NodeMetrics are the recomputed graph metrics for one node.
type NodeMetrics struct {
	ID                    string
	Degree                int
	ClusteringCoefficient float64
	Centrality            float64
}

// UpdateNodeMetrics writes graph metrics without bumping the version.
func (db *DB) UpdateNodeMetrics(ctx context.Context, metrics []NodeMetrics) error {
	if len(metrics) == 0 {
		return nil
	}
	return db.withTx(ctx, "update metrics", func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx,
			"UPDATE nodes SET degree = ?, clustering_coefficient = ?, centrality = ? WHERE id = ?")
		if err != nil {
			return apperrors.Storage("update metrics", err)
		}
		defer stmt.Close()
		for _, m := range metrics {
			if _, err := stmt.ExecContext(ctx, m.Degree, m.ClusteringCoefficient, m.Centrality, m.ID); err != nil {
				return apperrors.Storage("update metrics", err)
			}
		}
		return nil
	})
}

// ActiveNodesPage returns up to limit active nodes with id > afterID, ordered
// by id, for keyset iteration over the whole graph.
func (db *DB) ActiveNodesPage(ctx context.Context, afterID string, limit int) ([]Node, error) {
	var nodes []Node
	err := db.SelectContext(ctx, &nodes, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE is_pruned = 0 AND id > ?
		ORDER BY id LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, apperrors.Storage("list nodes", err)
	}
	return nodes, nil
}

// NodesInRange returns active non-cluster nodes with from <= timestamp < to,
// oldest first. With unclustered set, nodes already contained in a cluster
// are skipped.
func (db *DB) NodesInRange(ctx context.Context, from, to int64, unclustered bool) ([]Node, error) {
	q := `SELECT ` + nodeColumns + ` FROM nodes n
		WHERE n.is_pruned = 0 AND n.type != 'cluster' AND n.timestamp >= ? AND n.timestamp < ?`
	if unclustered {
		q += ` AND NOT EXISTS (SELECT 1 FROM edges e
			WHERE e.target_id = n.id AND e.type = 'contains' AND e.is_pruned = 0)`
	}
	q += ` ORDER BY n.timestamp, n.id`

	var nodes []Node
	if err := db.SelectContext(ctx, &nodes, q, from, to); err != nil {
		return nil, apperrors.Storage("nodes in range", err)
	}
	return nodes, nil
}

// TimeBounds returns the earliest and latest timestamps of active
// non-cluster nodes. ok is false for an empty graph.
func (db *DB) TimeBounds(ctx context.Context) (minTS, maxTS int64, ok bool, err error) {
	var row struct {
		Min sql.NullInt64 `db:"min_ts"`
		Max sql.NullInt64 `db:"max_ts"`
	}
	err = db.GetContext(ctx, &row, `
		SELECT MIN(timestamp) AS min_ts, MAX(timestamp) AS max_ts
		FROM nodes WHERE is_pruned = 0 AND type != 'cluster'
	`)
	if err != nil {
		return 0, 0, false, apperrors.Storage("time bounds", err)
	}
	if !row.Min.Valid {
		return 0, 0, false, nil
	}
	return row.Min.Int64, row.Max.Int64, true, nil
}

// ActivityTimestamps returns timestamps of active non-cluster nodes at or
// after since, ascending.
func (db *DB) ActivityTimestamps(ctx context.Context, since int64) ([]int64, error) {
	var ts []int64
	err := db.SelectContext(ctx, &ts, `
		SELECT timestamp FROM nodes
		WHERE is_pruned = 0 AND type != 'cluster' AND timestamp >= ?
		ORDER BY timestamp
	`, since)
	if err != nil {
		return nil, apperrors.Storage("activity timestamps", err)
	}
	return ts, nil
}

// TopNodes returns active nodes by descending relevance.
func (db *DB) TopNodes(ctx context.Context, minRelevance float64, limit int) ([]Node, error) {
	var nodes []Node
	err := db.SelectContext(ctx, &nodes, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE is_pruned = 0 AND relevance >= ?
		ORDER BY relevance DESC, timestamp DESC LIMIT ?
	`, minRelevance, limit)
	if err != nil {
		return nil, apperrors.Storage("top nodes", err)
	}
	return nodes, nil
}

// RecentNodes returns active nodes with timestamp >= since, newest first.
func (db *DB) RecentNodes(ctx context.Context, since int64, limit int) ([]Node, error) {
	var nodes []Node
	err := db.SelectContext(ctx, &nodes, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE is_pruned = 0 AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, apperrors.Storage("recent nodes", err)
	}
	return nodes, nil
}

// maxInArgs keeps IN (...) lists under SQLite's variable limit.
const maxInArgs = 500

func chunkIDs(ids []string) [][]string {
	var out [][]string
	for len(ids) > maxInArgs {
		out = append(out, ids[:maxInArgs])
		ids = ids[maxInArgs:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
