package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// LowestRelevanceNodes returns up to limit active node ids created before
// createdBefore, lowest relevance first.
func (db *DB) LowestRelevanceNodes(ctx context.Context, createdBefore int64, limit int) ([]string, error) {
	var ids []string
	err := db.SelectContext(ctx, &ids, `
		SELECT id FROM nodes
		WHERE is_pruned = 0 AND created_at < ?
		ORDER BY relevance ASC, created_at ASC, id LIMIT ?
	`, createdBefore, limit)
	if err != nil {
		return nil, apperrors.Storage("lowest relevance nodes", err)
	}
	return ids, nil
}

// NodesBelowRelevance returns active node ids under threshold created before createdBefore.
func (db *DB) NodesBelowRelevance(ctx context.Context, threshold float64, createdBefore int64) ([]string, error) {
	var ids []string
	err := db.SelectContext(ctx, &ids, `
		SELECT id FROM nodes
		WHERE is_pruned = 0 AND relevance < ? AND created_at < ?
		ORDER BY relevance ASC, id
	`, threshold, createdBefore)
	if err != nil {
		return nil, apperrors.Storage("nodes below relevance", err)
	}
	return ids, nil
}

// LowestRelevanceEdges is LowestRelevanceNodes for edges.
func (db *DB) LowestRelevanceEdges(ctx context.Context, createdBefore int64, limit int) ([]string, error) {
	var ids []string
	err := db.SelectContext(ctx, &ids, `
		SELECT id FROM edges
		WHERE is_pruned = 0 AND created_at < ?
		ORDER BY relevance ASC, weight ASC, created_at ASC, id LIMIT ?
	`, createdBefore, limit)
	if err != nil {
		return nil, apperrors.Storage("lowest relevance edges", err)
	}
	return ids, nil
}

// EdgesBelowRelevance is NodesBelowRelevance for edges.
func (db *DB) EdgesBelowRelevance(ctx context.Context, threshold float64, createdBefore int64) ([]string, error) {
	var ids []string
	err := db.SelectContext(ctx, &ids, `
		SELECT id FROM edges
		WHERE is_pruned = 0 AND relevance < ? AND created_at < ?
		ORDER BY relevance ASC, id
	`, threshold, createdBefore)
	if err != nil {
		return nil, apperrors.Storage("edges below relevance", err)
	}
	return ids, nil
}

// SoftPruneNodes marks nodes pruned together with every active edge that
// touches them, in one transaction.
func (db *DB) SoftPruneNodes(ctx context.Context, ids []string) (nodes, edges int, err error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}
	now := nowMillis()
	err = db.withTx(ctx, "prune nodes", func(tx *sqlx.Tx) error {
		for _, chunk := range chunkIDs(ids) {
			n, err := execIn(ctx, tx,
				"UPDATE nodes SET is_pruned = 1, updated_at = ? WHERE is_pruned = 0 AND id IN (?)", now, chunk)
			if err != nil {
				return apperrors.Storage("prune nodes", err)
			}
			nodes += n
			e, err := execIn(ctx, tx,
				"UPDATE edges SET is_pruned = 1, updated_at = ? WHERE is_pruned = 0 AND (source_id IN (?) OR target_id IN (?))",
				now, chunk, chunk)
			if err != nil {
				return apperrors.Storage("prune nodes", err)
			}
			edges += e
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return nodes, edges, nil
}

// SoftPruneEdges marks edges pruned.
func (db *DB) SoftPruneEdges(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	total := 0
	now := nowMillis()
	err := db.withTx(ctx, "prune edges", func(tx *sqlx.Tx) error {
		for _, chunk := range chunkIDs(ids) {
			n, err := execIn(ctx, tx, "UPDATE edges SET is_pruned = 1, updated_at = ? WHERE is_pruned = 0 AND id IN (?)", now, chunk)
			if err != nil {
				return apperrors.Storage("prune edges", err)
			}
			total += n
		}
		return nil
	})
	return total, err
}

func execIn(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int, error) {
	q, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(q), expanded...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeResult counts physically removed rows.
type PurgeResult struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// Purge physically removes pruned nodes and edges, every row keyed on a
// pruned node, and any edge left dangling, in one transaction.
func (db *DB) Purge(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	err := db.withTx(ctx, "purge", func(tx *sqlx.Tx) error {
		const pruned = "(SELECT id FROM nodes WHERE is_pruned = 1)"
		for _, q := range []string{
			"DELETE FROM node_fts WHERE id IN " + pruned,
			"DELETE FROM node_vectors WHERE node_id IN " + pruned,
			"DELETE FROM interactions WHERE node_id IN " + pruned,
			"DELETE FROM event_nodes WHERE node_id IN " + pruned,
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return apperrors.Storage("purge", fmt.Errorf("%s: %w", q, err))
			}
		}
		r, err := tx.ExecContext(ctx, `
			DELETE FROM edges WHERE is_pruned = 1
				OR NOT EXISTS (SELECT 1 FROM nodes s WHERE s.id = edges.source_id AND s.is_pruned = 0)
				OR NOT EXISTS (SELECT 1 FROM nodes t WHERE t.id = edges.target_id AND t.is_pruned = 0)
		`)
		if err != nil {
			return apperrors.Storage("purge", err)
		}
		n, _ := r.RowsAffected()
		res.Edges = int(n)

		r, err = tx.ExecContext(ctx, "DELETE FROM nodes WHERE is_pruned = 1")
		if err != nil {
			return apperrors.Storage("purge", err)
		}
		n, _ = r.RowsAffected()
		res.Nodes = int(n)
		return nil
	})
	return res, err
}

// Vacuum optimizes the full-text index and reclaims free pages.
func (db *DB) Vacuum(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.ExecContext(ctx, "INSERT INTO node_fts(node_fts) VALUES('optimize')"); err != nil {
		return apperrors.Storage("vacuum", err)
	}
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return apperrors.Storage("vacuum", err)
	}
	return nil
}
