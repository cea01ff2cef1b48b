package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// maxInteractionsPerNode bounds the history read back for scoring.
const maxInteractionsPerNode = 200

// Interaction is one recorded user interaction with a node.
type Interaction struct {
	ID        int64   `db:"id" json:"id"`
	NodeID    string  `db:"node_id" json:"nodeId"`
	SessionID string  `db:"session_id" json:"sessionId,omitempty"`
	Kind      string  `db:"kind" json:"kind"`
	Strength  float64 `db:"strength" json:"strength"`
	CreatedAt int64   `db:"created_at" json:"createdAt"`
}

// AddInteraction stores an interaction record.
func (db *DB) AddInteraction(ctx context.Context, in *Interaction) error {
	if in.CreatedAt == 0 {
		in.CreatedAt = nowMillis()
	}
	return db.withTx(ctx, "add interaction", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO interactions (node_id, session_id, kind, strength, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, in.NodeID, in.SessionID, in.Kind, in.Strength, in.CreatedAt)
		if err != nil {
			return apperrors.Storage("add interaction", err)
		}
		in.ID, _ = res.LastInsertId()
		return nil
	})
}

// InteractionsForNode returns a node's interactions, newest first.
func (db *DB) InteractionsForNode(ctx context.Context, nodeID string) ([]Interaction, error) {
	var out []Interaction
	err := db.SelectContext(ctx, &out, `
		SELECT id, node_id, session_id, kind, strength, created_at
		FROM interactions WHERE node_id = ? ORDER BY created_at DESC LIMIT ?
	`, nodeID, maxInteractionsPerNode)
	if err != nil {
		return nil, apperrors.Storage("interactions for node", err)
	}
	return out, nil
}

// InteractionsForNodes groups interactions by node id.
func (db *DB) InteractionsForNodes(ctx context.Context, ids []string) (map[string][]Interaction, error) {
	out := make(map[string][]Interaction)
	for _, chunk := range chunkIDs(ids) {
		q, args, err := sqlx.In(`
			SELECT id, node_id, session_id, kind, strength, created_at
			FROM interactions WHERE node_id IN (?) ORDER BY created_at DESC
		`, chunk)
		if err != nil {
			return nil, apperrors.Storage("interactions for nodes", err)
		}
		var part []Interaction
		if err := db.SelectContext(ctx, &part, db.Rebind(q), args...); err != nil {
			return nil, apperrors.Storage("interactions for nodes", err)
		}
		for _, in := range part {
			if len(out[in.NodeID]) < maxInteractionsPerNode {
				out[in.NodeID] = append(out[in.NodeID], in)
			}
		}
	}
	return out, nil
}

// RecentInteractions returns the most recent interactions across all nodes.
func (db *DB) RecentInteractions(ctx context.Context, limit int) ([]Interaction, error) {
	var out []Interaction
	err := db.SelectContext(ctx, &out, `
		SELECT id, node_id, session_id, kind, strength, created_at
		FROM interactions ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperrors.Storage("recent interactions", err)
	}
	return out, nil
}

// CountInteractions returns the total number of recorded interactions.
func (db *DB) CountInteractions(ctx context.Context) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM interactions"); err != nil {
		return 0, apperrors.Storage("count interactions", err)
	}
	return n, nil
}

// NodeForEvent returns the node id created for an ingested event, or "" if
// the event is unknown.
func (db *DB) NodeForEvent(ctx context.Context, eventID string) (string, error) {
	var nodeID string
	err := db.GetContext(ctx, &nodeID, "SELECT node_id FROM event_nodes WHERE event_id = ?", eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Storage("node for event", err)
	}
	return nodeID, nil
}

// ResolveNodeID accepts a node id or an ingested event id and returns the
// node id, or "" when neither is known.
func (db *DB) ResolveNodeID(ctx context.Context, id string) (string, error) {
	var exists int
	if err := db.GetContext(ctx, &exists, "SELECT COUNT(*) FROM nodes WHERE id = ?", id); err != nil {
		return "", apperrors.Storage("resolve node", err)
	}
	if exists > 0 {
		return id, nil
	}
	return db.NodeForEvent(ctx, id)
}
