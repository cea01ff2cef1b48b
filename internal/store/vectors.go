package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"math"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// VectorRecord holds an embedding for a node.
type VectorRecord struct {
	NodeID     string `db:"node_id"`
	Embedding  []float64 `db:"-"`
	Blob       []byte `db:"embedding"`
	Model      string `db:"model"`
	Dimensions int    `db:"dimensions"`
	CreatedAt  int64  `db:"created_at"`
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// SaveVector stores or replaces the embedding for a node.
func (db *DB) SaveVector(ctx context.Context, nodeID string, embedding []float64, model string) error {
	return db.withTx(ctx, "save vector", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO node_vectors (node_id, embedding, model, dimensions, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET embedding = excluded.embedding, model = excluded.model,
				dimensions = excluded.dimensions, created_at = excluded.created_at
		`, nodeID, encodeEmbedding(embedding), model, len(embedding), nowMillis())
		return apperrors.Storage("save vector", err)
	})
}

// GetVector returns the embedding for a node, or nil if not found.
func (db *DB) GetVector(ctx context.Context, nodeID string) (*VectorRecord, error) {
	var v VectorRecord
	err := db.GetContext(ctx, &v, `
		SELECT node_id, embedding, model, dimensions, created_at
		FROM node_vectors WHERE node_id = ?
	`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("get vector", err)
	}
	v.Embedding = decodeEmbedding(v.Blob)
	v.Blob = nil
	return &v, nil
}

// VectorsFor returns embeddings keyed by node id for the ids that have one.
func (db *DB) VectorsFor(ctx context.Context, ids []string) (map[string][]float64, error) {
	out := make(map[string][]float64, len(ids))
	for _, chunk := range chunkIDs(ids) {
		q, args, err := sqlx.In("SELECT node_id, embedding, model, dimensions, created_at FROM node_vectors WHERE node_id IN (?)", chunk)
		if err != nil {
			return nil, apperrors.Storage("vectors for", err)
		}
		var recs []VectorRecord
		if err := db.SelectContext(ctx, &recs, db.Rebind(q), args...); err != nil {
			return nil, apperrors.Storage("vectors for", err)
		}
		for _, r := range recs {
			out[r.NodeID] = decodeEmbedding(r.Blob)
		}
	}
	return out, nil
}

// AllVectors returns every stored vector of active nodes.
func (db *DB) AllVectors(ctx context.Context) ([]VectorRecord, error) {
	var recs []VectorRecord
	err := db.SelectContext(ctx, &recs, `
		SELECT v.node_id, v.embedding, v.model, v.dimensions, v.created_at
		FROM node_vectors v JOIN nodes n ON n.id = v.node_id
		WHERE n.is_pruned = 0
	`)
	if err != nil {
		return nil, apperrors.Storage("all vectors", err)
	}
	for i := range recs {
		recs[i].Embedding = decodeEmbedding(recs[i].Blob)
		recs[i].Blob = nil
	}
	return recs, nil
}

// NodesMissingVectors returns active nodes with no embedding for model.
func (db *DB) NodesMissingVectors(ctx context.Context, model string, limit int) ([]Node, error) {
	var nodes []Node
	err := db.SelectContext(ctx, &nodes, `
		SELECT `+prefixColumns(nodeColumns, "n")+` FROM nodes n
		LEFT JOIN node_vectors v ON v.node_id = n.id AND v.model = ?
		WHERE n.is_pruned = 0 AND v.node_id IS NULL AND n.content != ''
		ORDER BY n.timestamp DESC LIMIT ?
	`, model, limit)
	if err != nil {
		return nil, apperrors.Storage("nodes missing vectors", err)
	}
	return nodes, nil
}

// DeleteVector removes the embedding for a node.
func (db *DB) DeleteVector(ctx context.Context, nodeID string) error {
	return db.withTx(ctx, "delete vector", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM node_vectors WHERE node_id = ?", nodeID)
		return apperrors.Storage("delete vector", err)
	})
}
