package engine

import (
	"context"

	"github.com/lazypower/memgraph/internal/store"
)

// RecomputeMetrics refreshes degree, local clustering coefficient and
// degree centrality for ids and their direct neighbors, whose metrics
// change when ids gain edges. It returns the number of nodes updated.
func RecomputeMetrics(ctx context.Context, db *store.DB, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	adj, err := db.Adjacency(ctx, ids)
	if err != nil {
		return 0, err
	}
	affected := make(map[string]struct{}, len(ids))
	for id, nbrs := range adj {
		affected[id] = struct{}{}
		for nb := range nbrs {
			affected[nb] = struct{}{}
		}
	}
	all := make([]string, 0, len(affected))
	for id := range affected {
		all = append(all, id)
	}
	if len(all) > len(ids) {
		if adj, err = db.Adjacency(ctx, all); err != nil {
			return 0, err
		}
	}

	active, _, err := db.CountActive(ctx)
	if err != nil {
		return 0, err
	}
	// Neighbors of the affected set may be outside it; their own links are
	// needed for the clustering coefficient.
	var outside []string
	for _, nbrs := range adj {
		for nb := range nbrs {
			if _, ok := adj[nb]; !ok {
				outside = append(outside, nb)
			}
		}
	}
	full := adj
	if len(outside) > 0 {
		extra, err := db.Adjacency(ctx, outside)
		if err != nil {
			return 0, err
		}
		full = make(map[string]map[string]struct{}, len(adj)+len(extra))
		for k, v := range extra {
			full[k] = v
		}
		for k, v := range adj {
			full[k] = v
		}
	}

	metrics := make([]store.NodeMetrics, 0, len(adj))
	for id, nbrs := range adj {
		metrics = append(metrics, store.NodeMetrics{
			ID:                    id,
			Degree:                len(nbrs),
			ClusteringCoefficient: clusteringCoefficient(nbrs, full),
			Centrality:            degreeCentrality(len(nbrs), active),
		})
	}
	if err := db.UpdateNodeMetrics(ctx, metrics); err != nil {
		return 0, err
	}
	return len(metrics), nil
}

// clusteringCoefficient is the fraction of neighbor pairs that are linked.
func clusteringCoefficient(nbrs map[string]struct{}, adj map[string]map[string]struct{}) float64 {
	k := len(nbrs)
	if k < 2 {
		return 0
	}
	links := 0
	for a := range nbrs {
		for b := range adj[a] {
			if b == a {
				continue
			}
			if _, ok := nbrs[b]; ok {
				links++
			}
		}
	}
	// each undirected link was counted from both ends
	return store.Clamp01(float64(links) / float64(k*(k-1)))
}

func degreeCentrality(degree, activeNodes int) float64 {
	if activeNodes <= 1 {
		return 0
	}
	return store.Clamp01(float64(degree) / float64(activeNodes-1))
}
