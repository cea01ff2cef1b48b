package store

import (
	"context"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// Stats summarizes the graph. Totals include soft-pruned rows that have not
// been purged yet.
type Stats struct {
	TotalNodes       int            `json:"totalNodes"`
	TotalEdges       int            `json:"totalEdges"`
	ActiveNodes      int            `json:"activeNodes"`
	ActiveEdges      int            `json:"activeEdges"`
	AverageRelevance float64        `json:"averageRelevance"`
	NodesByType      map[string]int `json:"nodesByType"`
	EdgesByType      map[string]int `json:"edgesByType"`
	Interactions     int            `json:"interactions"`
	SchemaVersion    int            `json:"schemaVersion"`
}

// GetStats returns aggregate counts.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{NodesByType: map[string]int{}, EdgesByType: map[string]int{}}

	var nodeAgg struct {
		Total  int     `db:"total"`
		Active int     `db:"active"`
		Avg    float64 `db:"avg_relevance"`
	}
	if err := db.GetContext(ctx, &nodeAgg, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_pruned = 0 THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(AVG(CASE WHEN is_pruned = 0 THEN relevance END), 0) AS avg_relevance
		FROM nodes
	`); err != nil {
		return nil, apperrors.Storage("stats", err)
	}
	s.TotalNodes, s.ActiveNodes, s.AverageRelevance = nodeAgg.Total, nodeAgg.Active, nodeAgg.Avg

	var edgeAgg struct {
		Total  int `db:"total"`
		Active int `db:"active"`
	}
	if err := db.GetContext(ctx, &edgeAgg, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_pruned = 0 THEN 1 ELSE 0 END), 0) AS active
		FROM edges
	`); err != nil {
		return nil, apperrors.Storage("stats", err)
	}
	s.TotalEdges, s.ActiveEdges = edgeAgg.Total, edgeAgg.Active

	type typeCount struct {
		Type  string `db:"type"`
		Count int    `db:"n"`
	}
	var byType []typeCount
	if err := db.SelectContext(ctx, &byType,
		"SELECT type, COUNT(*) AS n FROM nodes WHERE is_pruned = 0 GROUP BY type"); err != nil {
		return nil, apperrors.Storage("stats", err)
	}
	for _, tc := range byType {
		s.NodesByType[tc.Type] = tc.Count
	}
	byType = byType[:0]
	if err := db.SelectContext(ctx, &byType,
		"SELECT type, COUNT(*) AS n FROM edges WHERE is_pruned = 0 GROUP BY type"); err != nil {
		return nil, apperrors.Storage("stats", err)
	}
	for _, tc := range byType {
		s.EdgesByType[tc.Type] = tc.Count
	}

	n, err := db.CountInteractions(ctx)
	if err != nil {
		return nil, err
	}
	s.Interactions = n

	if s.SchemaVersion, err = db.SchemaVersion(); err != nil {
		return nil, apperrors.Storage("stats", err)
	}
	return s, nil
}

// RelevanceDistribution buckets active nodes: high >= highCut, medium >= mediumCut.
type RelevanceDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

func (db *DB) RelevanceDistribution(ctx context.Context, highCut, mediumCut float64) (RelevanceDistribution, error) {
	var d RelevanceDistribution
	err := db.GetContext(ctx, &d, `
		SELECT
			COALESCE(SUM(CASE WHEN relevance >= ? THEN 1 ELSE 0 END), 0) AS high,
			COALESCE(SUM(CASE WHEN relevance >= ? AND relevance < ? THEN 1 ELSE 0 END), 0) AS medium,
			COALESCE(SUM(CASE WHEN relevance < ? THEN 1 ELSE 0 END), 0) AS low
		FROM nodes WHERE is_pruned = 0
	`, highCut, mediumCut, highCut, mediumCut)
	if err != nil {
		return d, apperrors.Storage("relevance distribution", err)
	}
	return d, nil
}

// CountActive returns the number of active nodes and edges.
func (db *DB) CountActive(ctx context.Context) (nodes, edges int, err error) {
	if err = db.GetContext(ctx, &nodes, "SELECT COUNT(*) FROM nodes WHERE is_pruned = 0"); err != nil {
		return 0, 0, apperrors.Storage("count active", err)
	}
	if err = db.GetContext(ctx, &edges, "SELECT COUNT(*) FROM edges WHERE is_pruned = 0"); err != nil {
		return 0, 0, apperrors.Storage("count active", err)
	}
	return nodes, edges, nil
}

// DanglingEdges counts active edges with an endpoint that is not an active node.
func (db *DB) DanglingEdges(ctx context.Context) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM edges e
		WHERE e.is_pruned = 0 AND (
			NOT EXISTS (SELECT 1 FROM nodes s WHERE s.id = e.source_id AND s.is_pruned = 0) OR
			NOT EXISTS (SELECT 1 FROM nodes t WHERE t.id = e.target_id AND t.is_pruned = 0))
	`)
	if err != nil {
		return 0, apperrors.Storage("dangling edges", err)
	}
	return n, nil
}

// AllNodes returns every node, optionally including pruned ones, by creation order.
func (db *DB) AllNodes(ctx context.Context, includePruned bool) ([]Node, error) {
	q := "SELECT " + nodeColumns + " FROM nodes"
	if !includePruned {
		q += " WHERE is_pruned = 0"
	}
	q += " ORDER BY created_at, id"
	nodes := []Node{}
	if err := db.SelectContext(ctx, &nodes, q); err != nil {
		return nil, apperrors.Storage("all nodes", err)
	}
	return nodes, nil
}

// AllEventNodes returns the event id to node id mapping.
func (db *DB) AllEventNodes(ctx context.Context) ([]EventNode, error) {
	out := []EventNode{}
	if err := db.SelectContext(ctx, &out,
		"SELECT event_id, node_id, created_at FROM event_nodes ORDER BY created_at, event_id"); err != nil {
		return nil, apperrors.Storage("all event nodes", err)
	}
	return out, nil
}

// AllEdges returns every edge, optionally including pruned ones.
func (db *DB) AllEdges(ctx context.Context, includePruned bool) ([]Edge, error) {
	q := "SELECT " + edgeColumns + " FROM edges"
	if !includePruned {
		q += " WHERE is_pruned = 0"
	}
	q += " ORDER BY created_at, id"
	edges := []Edge{}
	if err := db.SelectContext(ctx, &edges, q); err != nil {
		return nil, apperrors.Storage("all edges", err)
	}
	return edges, nil
}
