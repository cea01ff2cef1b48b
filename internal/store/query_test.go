package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

func seedQueryGraph(t *testing.T, db *DB) map[string]*Node {
	t.Helper()
	ctx := context.Background()
	nodes := map[string]*Node{
		"repo":  {Type: NodeGitHub, Timestamp: 1000, Content: "github.com/user/repo pull request review", Tags: Tags{"browser_activity", "development"}, Metadata: Metadata{"domain": "github.com"}, RelevanceScore: 0.9},
		"vsc":   {Type: NodeActivity, Timestamp: 2000, Content: "Visual Studio Code focus", Tags: Tags{"system_activity", "development"}, RelevanceScore: 0.6},
		"so":    {Type: NodeResource, Timestamp: 3000, Content: "stackoverflow.com question about goroutines", Tags: Tags{"browser_activity", "research"}, Metadata: Metadata{"domain": "stackoverflow.com"}, RelevanceScore: 0.3},
		"email": {Type: NodeEmail, Timestamp: 4000, Content: "quarterly planning email", Tags: Tags{"email"}, RelevanceScore: 0.5},
	}
	for _, key := range []string{"repo", "vsc", "so", "email"} {
		require.NoError(t, db.CreateNode(ctx, nodes[key]))
	}
	return nodes
}

func TestQueryNodesEmptyGraph(t *testing.T) {
	db := testDB(t)
	res, err := db.QueryNodes(context.Background(), GraphQuery{})
	require.NoError(t, err)
	assert.NotNil(t, res.Nodes)
	assert.Empty(t, res.Nodes)
	assert.Zero(t, res.Total)
}

func TestQueryNodesFilters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	nodes := seedQueryGraph(t, db)

	cases := []struct {
		name    string
		filters []Filter
		want    []string
	}{
		{"type eq", []Filter{{Field: "type", Operator: OpEq, Value: "GitHub"}}, []string{"repo"}},
		{"type in", []Filter{{Field: "type", Operator: OpIn, Value: []NodeType{NodeEmail, NodeResource}}}, []string{"email", "so"}},
		{"relevance gte", []Filter{{Field: "relevanceScore", Operator: OpGte, Value: 0.6}}, []string{"repo", "vsc"}},
		{"timestamp range", []Filter{{Field: "timestamp", Operator: OpGt, Value: 1500}, {Field: "timestamp", Operator: OpLte, Value: 3000}}, []string{"vsc", "so"}},
		{"tag", []Filter{{Operator: OpTag, Value: "development"}}, []string{"repo", "vsc"}},
		{"contains", []Filter{{Field: "content", Operator: OpContains, Value: "STUDIO"}}, []string{"vsc"}},
		{"metadata", []Filter{{Field: "metadata.domain", Operator: OpEq, Value: "stackoverflow.com"}}, []string{"so"}},
		{"match", []Filter{{Operator: OpMatch, Value: "goroutine"}}, []string{"so"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := db.QueryNodes(ctx, GraphQuery{Filters: tc.filters})
			require.NoError(t, err)
			var got []string
			for _, n := range res.Nodes {
				for key, want := range nodes {
					if want.ID == n.ID {
						got = append(got, key)
					}
				}
			}
			assert.ElementsMatch(t, tc.want, got)
			assert.Equal(t, len(tc.want), res.Total)
		})
	}
}

func TestQueryNodesMatchScoresAndLimit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedQueryGraph(t, db)

	res, err := db.QueryNodes(ctx, GraphQuery{
		Filters:     []Filter{{Operator: OpMatch, Value: "github repo code"}},
		Constraints: Constraints{Limit: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Nodes, 1)
	assert.Greater(t, res.Nodes[0].Match, 0.0)
	assert.LessOrEqual(t, res.Nodes[0].Match, 1.0)
}

func TestQueryNodesDefaultOrder(t *testing.T) {
	db := testDB(t)
	nodes := seedQueryGraph(t, db)

	res, err := db.QueryNodes(context.Background(), GraphQuery{})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 4)
	assert.Equal(t, nodes["repo"].ID, res.Nodes[0].ID)
	assert.Equal(t, nodes["so"].ID, res.Nodes[3].ID)
}

func TestQueryNodesExcludesPruned(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	nodes := seedQueryGraph(t, db)
	_, _, err := db.SoftPruneNodes(ctx, []string{nodes["repo"].ID})
	require.NoError(t, err)

	res, err := db.QueryNodes(ctx, GraphQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)

	res, err = db.QueryNodes(ctx, GraphQuery{Constraints: Constraints{IncludePruned: true}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
}

func TestQueryNodesRejectsUnknown(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	bad := []GraphQuery{
		{Filters: []Filter{{Field: "password", Operator: OpEq, Value: 1}}},
		{Filters: []Filter{{Field: "type", Operator: OpEq, Value: "spaceship"}}},
		{Filters: []Filter{{Field: "content", Operator: "like", Value: "x"}}},
		{Filters: []Filter{{Field: "metadata.a'b", Operator: OpEq, Value: "x"}}},
		{Constraints: Constraints{OrderBy: "content"}},
		{Constraints: Constraints{OrderBy: "match"}},
		{Target: TargetEdge},
	}
	for i, q := range bad {
		_, err := db.QueryNodes(ctx, q)
		assert.True(t, apperrors.IsValidation(err), "case %d: %v", i, err)
	}
}

func TestQueryEdges(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	nodes := seedQueryGraph(t, db)
	_, err := db.CreateEdge(ctx, &Edge{SourceID: nodes["repo"].ID, TargetID: nodes["vsc"].ID, Type: EdgeTemporal, Weight: 0.8})
	require.NoError(t, err)
	_, err = db.CreateEdge(ctx, &Edge{SourceID: nodes["repo"].ID, TargetID: nodes["so"].ID, Type: EdgeSemantic, Weight: 0.3})
	require.NoError(t, err)

	res, err := db.QueryEdges(ctx, GraphQuery{Target: TargetEdge, Filters: []Filter{{Field: "weight", Operator: OpGte, Value: 0.5}}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, EdgeTemporal, res.Edges[0].Type)

	_, err = db.QueryEdges(ctx, GraphQuery{Target: TargetEdge, Filters: []Filter{{Operator: OpMatch, Value: "x"}}})
	assert.True(t, apperrors.IsValidation(err))
}

func TestMatchExpression(t *testing.T) {
	assert.Equal(t, `"development"* OR "work"*`, MatchExpression("Development work!"))
	assert.Equal(t, `"go" OR "code"*`, MatchExpression("go: code, go"))
	assert.Equal(t, "", MatchExpression("a ! ?"))
}
