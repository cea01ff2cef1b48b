package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

const edgeColumns = `id, source_id, target_id, type, weight, relevance, metadata, is_pruned, decayed_at, created_at, updated_at`

func prepareEdge(e *Edge, now int64) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: type %d", ErrInvalidEdge, e.Type)
	}
	if e.SourceID == "" || e.TargetID == "" || e.SourceID == e.TargetID {
		return fmt.Errorf("%w: endpoints %q -> %q", ErrInvalidEdge, e.SourceID, e.TargetID)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = now
		if e.RelevanceScore == 0 {
			e.RelevanceScore = 1.0
		}
	}
	e.UpdatedAt = now
	e.Weight = Clamp01(e.Weight)
	e.RelevanceScore = Clamp01(e.RelevanceScore)
	return nil
}

// insertEdge requires both endpoints to be active nodes, or merely to exist
// when the edge itself is pruned. created is false when an identical
// (source, target, type) edge already exists.
func insertEdge(ctx context.Context, ext sqlx.ExtContext, e *Edge) (created bool, err error) {
	if err := prepareEdge(e, nowMillis()); err != nil {
		return false, err
	}
	q := "SELECT COUNT(*) FROM nodes WHERE id IN (?, ?) AND is_pruned = 0"
	if e.IsPruned {
		q = "SELECT COUNT(*) FROM nodes WHERE id IN (?, ?)"
	}
	var found int
	if err := sqlx.GetContext(ctx, ext, &found, q, e.SourceID, e.TargetID); err != nil {
		return false, fmt.Errorf("check endpoints: %w", err)
	}
	if found != 2 {
		return false, fmt.Errorf("%w: %s -> %s", ErrDanglingEdge, e.SourceID, e.TargetID)
	}
	res, err := sqlx.NamedExecContext(ctx, ext, `
		INSERT OR IGNORE INTO edges (`+edgeColumns+`)
		VALUES (:id, :source_id, :target_id, :type, :weight, :relevance, :metadata, :is_pruned,
			:decayed_at, :created_at, :updated_at)
	`, e)
	if err != nil {
		return false, fmt.Errorf("insert edge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func updateEdge(ctx context.Context, ext sqlx.ExtContext, e *Edge) (bool, error) {
	e.Weight = Clamp01(e.Weight)
	e.RelevanceScore = Clamp01(e.RelevanceScore)
	e.UpdatedAt = nowMillis()
	res, err := ext.ExecContext(ctx, `
		UPDATE edges SET weight = ?, relevance = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, e.Weight, e.RelevanceScore, e.Metadata, e.UpdatedAt, e.ID)
	if err != nil {
		return false, fmt.Errorf("update edge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func deleteEdge(ctx context.Context, ext sqlx.ExtContext, id string) (bool, error) {
	res, err := ext.ExecContext(ctx, "DELETE FROM edges WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete edge %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateEdge inserts an edge between two active nodes. It returns false
// without error if the same (source, target, type) edge already exists.
func (db *DB) CreateEdge(ctx context.Context, e *Edge) (bool, error) {
	var created bool
	err := db.withTx(ctx, "create edge", func(tx *sqlx.Tx) error {
		var err error
		created, err = insertEdge(ctx, tx, e)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrInvalidEdge), errors.Is(err, ErrDanglingEdge):
			return apperrors.Validation("create edge", "%v", err)
		default:
			return apperrors.Storage("create edge", err)
		}
	})
	return created, err
}

// UpdateEdge writes weight, relevance and metadata. False when not found.
func (db *DB) UpdateEdge(ctx context.Context, e *Edge) (bool, error) {
	var ok bool
	err := db.withTx(ctx, "update edge", func(tx *sqlx.Tx) error {
		var err error
		ok, err = updateEdge(ctx, tx, e)
		return apperrors.Storage("update edge", err)
	})
	return ok, err
}

// DeleteEdge returns false when the edge does not exist.
func (db *DB) DeleteEdge(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := db.withTx(ctx, "delete edge", func(tx *sqlx.Tx) error {
		var err error
		ok, err = deleteEdge(ctx, tx, id)
		return apperrors.Storage("delete edge", err)
	})
	return ok, err
}

// GetEdge returns an edge by id, or nil if not found.
func (db *DB) GetEdge(ctx context.Context, id string) (*Edge, error) {
	var e Edge
	err := db.GetContext(ctx, &e, "SELECT "+edgeColumns+" FROM edges WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("get edge", err)
	}
	return &e, nil
}

// EdgesForNode returns active edges with nodeID at either end.
func (db *DB) EdgesForNode(ctx context.Context, nodeID string) ([]Edge, error) {
	var edges []Edge
	err := db.SelectContext(ctx, &edges, `
		SELECT `+edgeColumns+` FROM edges
		WHERE is_pruned = 0 AND (source_id = ? OR target_id = ?)
		ORDER BY relevance DESC
	`, nodeID, nodeID)
	if err != nil {
		return nil, apperrors.Storage("edges for node", err)
	}
	return edges, nil
}

// EdgesForNodes returns active edges touching any of ids.
func (db *DB) EdgesForNodes(ctx context.Context, ids []string) ([]Edge, error) {
	var edges []Edge
	seen := make(map[string]struct{})
	for _, chunk := range chunkIDs(ids) {
		q, args, err := sqlx.In(`SELECT `+edgeColumns+` FROM edges
			WHERE is_pruned = 0 AND (source_id IN (?) OR target_id IN (?))`, chunk, chunk)
		if err != nil {
			return nil, apperrors.Storage("edges for nodes", err)
		}
		var part []Edge
		if err := db.SelectContext(ctx, &part, db.Rebind(q), args...); err != nil {
			return nil, apperrors.Storage("edges for nodes", err)
		}
		for _, e := range part {
			if _, dup := seen[e.ID]; !dup {
				seen[e.ID] = struct{}{}
				edges = append(edges, e)
			}
		}
	}
	return edges, nil
}

// Adjacency returns the undirected active neighbor set of each id.
// Ids without edges are present with an empty set.
func (db *DB) Adjacency(ctx context.Context, ids []string) (map[string]map[string]struct{}, error) {
	adj := make(map[string]map[string]struct{}, len(ids))
	for _, id := range ids {
		adj[id] = make(map[string]struct{})
	}
	edges, err := db.EdgesForNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if set, ok := adj[e.SourceID]; ok {
			set[e.TargetID] = struct{}{}
		}
		if set, ok := adj[e.TargetID]; ok {
			set[e.SourceID] = struct{}{}
		}
	}
	return adj, nil
}

// ActiveEdgesPage returns up to limit active edges with id > afterID.
func (db *DB) ActiveEdgesPage(ctx context.Context, afterID string, limit int) ([]Edge, error) {
	var edges []Edge
	err := db.SelectContext(ctx, &edges, `
		SELECT `+edgeColumns+` FROM edges
		WHERE is_pruned = 0 AND id > ?
		ORDER BY id LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, apperrors.Storage("list edges", err)
	}
	return edges, nil
}

// EdgeScoreUpdate sets an edge's relevance after decay or rescoring.
type EdgeScoreUpdate struct {
	ID        string
	Relevance float64
	DecayedAt int64
}

// UpdateEdgeScores applies updates in one transaction and returns how many
// active edges changed.
func (db *DB) UpdateEdgeScores(ctx context.Context, updates []EdgeScoreUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	updated := 0
	err := db.withTx(ctx, "update edge scores", func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
			UPDATE edges SET relevance = ?, decayed_at = COALESCE(NULLIF(?, 0), decayed_at), updated_at = ?
			WHERE id = ? AND is_pruned = 0
		`)
		if err != nil {
			return apperrors.Storage("update edge scores", err)
		}
		defer stmt.Close()
		now := nowMillis()
		for _, u := range updates {
			res, err := stmt.ExecContext(ctx, Clamp01(u.Relevance), u.DecayedAt, now, u.ID)
			if err != nil {
				return apperrors.Storage("update edge scores", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				updated++
			}
		}
		return nil
	})
	return updated, err
}
