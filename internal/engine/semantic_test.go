package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/store"
)

func newTestSemantic(t *testing.T, db *store.DB, emb Embedder) *SemanticEngine {
	t.Helper()
	clock := newTestClock(epoch)
	rel, err := NewRelevanceEngine(db, config.Default().Relevance, nil, zap.NewNop(), clock.Now)
	require.NoError(t, err)
	s, err := NewSemanticEngine(db, config.Default().Semantic, emb, rel, zap.NewNop(), clock.Now)
	require.NoError(t, err)
	return s
}

func codeNode(content string) *store.Node {
	return &store.Node{
		Type:     store.NodeCode,
		Content:  content,
		Tags:     store.Tags{"code_activity"},
		Metadata: store.Metadata{"source": "vscode"},
	}
}

func TestMetadataSimilarity(t *testing.T) {
	a := store.Metadata{"source": "vscode", "topic": "development"}
	b := store.Metadata{"source": "VSCode", "topic": "research", "url": "x"}
	assert.InDelta(t, 0.5, metadataSimilarity(a, b), 1e-9)
	assert.Zero(t, metadataSimilarity(a, store.Metadata{"other": 1}))
	assert.Zero(t, metadataSimilarity(nil, b))
}

func TestCalculateSimilarity(t *testing.T) {
	s := newTestSemantic(t, testDB(t), nil)
	ctx := context.Background()

	a := codeNode("golang sqlite storage engine")
	a.ID = "a"
	b := codeNode("golang sqlite storage layer")
	b.ID = "b"
	c := &store.Node{ID: "c", Type: store.NodeLearning, Content: "react hooks tutorial", Tags: store.Tags{"learning_activity"}}

	assert.Equal(t, 1.0, s.CalculateSimilarity(ctx, a, a))

	ab := s.CalculateSimilarity(ctx, a, b)
	// 0.6 content, full tag and metadata overlap
	assert.InDelta(t, 0.6*0.6+0.25+0.15, ab, 1e-9)
	assert.Equal(t, ab, s.CalculateSimilarity(ctx, b, a))

	ac := s.CalculateSimilarity(ctx, a, c)
	assert.Less(t, ac, ab)
	assert.GreaterOrEqual(t, ac, 0.0)
}

func TestTextSimilarity(t *testing.T) {
	s := newTestSemantic(t, testDB(t), nil)
	n := codeNode("golang sqlite storage engine")
	assert.InDelta(t, 0.4, s.TextSimilarity(context.Background(), "golang sqlite", n), 1e-9)
	assert.Zero(t, s.TextSimilarity(context.Background(), "", n))
}

func TestCreateSemanticEdges(t *testing.T) {
	db := testDB(t)
	s := newTestSemantic(t, db, nil)
	ctx := context.Background()

	a := codeNode("golang sqlite storage engine")
	c := &store.Node{Type: store.NodeLearning, Content: "react hooks tutorial", Tags: store.Tags{"learning_activity"}}
	insertNodes(t, db, a, c)
	n, err := s.BuildSearchIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b := codeNode("golang sqlite storage layer")
	insertNodes(t, db, b)
	s.IndexNodes([]store.Node{*b})

	created, err := s.CreateSemanticEdges(ctx, []store.Node{*b})
	require.NoError(t, err)
	assert.Equal(t, 2, created, "one edge in each direction")

	edges, err := db.EdgesForNode(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, store.EdgeSemantic, e.Type)
		assert.Equal(t, a.ID, e.Other(b.ID))
		assert.InDelta(t, 0.76, e.Weight, 1e-9)
		assert.True(t, e.RelevanceScore > 0 && e.RelevanceScore <= 1)
	}

	similar, err := s.FindSimilar(ctx, b, 0.3, 10)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, a.ID, similar[0].Node.ID)
}

func TestIndexSkipsClustersAndForget(t *testing.T) {
	s := newTestSemantic(t, testDB(t), nil)
	s.IndexNodes([]store.Node{
		{ID: "cl", Type: store.NodeCluster, Content: "cluster summary words"},
		{ID: "n", Type: store.NodeActivity, Content: "kubernetes deployment"},
	})
	assert.False(t, s.HasTerm("summary"))
	assert.True(t, s.HasTerm("kubernetes"))

	s.Forget("n")
	assert.False(t, s.HasTerm("kubernetes"))
}

func TestForgetEvictsCachedSimilarities(t *testing.T) {
	s := newTestSemantic(t, testDB(t), nil)
	ctx := context.Background()
	a := codeNode("golang sqlite storage engine")
	a.ID = "a"
	b := codeNode("golang sqlite storage layer")
	b.ID = "b"
	c := codeNode("golang http server")
	c.ID = "c"
	s.CalculateSimilarity(ctx, a, b)
	s.CalculateSimilarity(ctx, b, c)
	s.CalculateSimilarity(ctx, a, c)
	require.Equal(t, 3, s.similarities.Len())

	s.Forget("a")
	assert.Equal(t, []pairKey{orderedPair("b", "c")}, s.similarities.Keys())
}

func TestBuildSearchIndexSwapsWhenComplete(t *testing.T) {
	db := testDB(t)
	s := newTestSemantic(t, db, nil)
	ctx := context.Background()
	insertNodes(t, db, codeNode("golang sqlite storage"))
	s.IndexNodes([]store.Node{{ID: "stale", Type: store.NodeActivity, Content: "kubernetes deployment"}})

	// a canceled rebuild leaves the previous index serving
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := s.BuildSearchIndex(canceled)
	require.Error(t, err)
	assert.True(t, s.HasTerm("kubernetes"))

	n, err := s.BuildSearchIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, s.HasTerm("sqlite"))
	assert.False(t, s.HasTerm("kubernetes"), "nodes absent from the store are dropped")
}

func TestFuzzyTermsThroughEngine(t *testing.T) {
	s := newTestSemantic(t, testDB(t), nil)
	s.IndexNodes([]store.Node{{ID: "n", Type: store.NodeLearning, Content: "react tutorial"}})
	assert.Contains(t, s.FuzzyTerms("reactt", 0.8), "react")
}

func TestExtractConcepts(t *testing.T) {
	s := newTestSemantic(t, testDB(t), nil)
	got := s.ExtractConcepts("github review: github pull request for sqlite")
	require.NotEmpty(t, got)
	assert.Equal(t, "github", got[0])
	assert.Contains(t, got, "development")
}

func TestUpdateEmbeddings(t *testing.T) {
	db := testDB(t)
	insertNodes(t, db, codeNode("golang sqlite storage"), codeNode("golang http routing"))
	emb := NewTFIDFEmbedderFromDocs([]string{"golang sqlite storage", "golang http routing"}, 32)
	s := newTestSemantic(t, db, emb)
	ctx := context.Background()

	assert.True(t, s.EmbeddingsEnabled())
	n, err := s.UpdateEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UpdateEmbeddings(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	disabled := newTestSemantic(t, db, nil)
	n, err = disabled.UpdateEmbeddings(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEmbeddingContentSimilarity(t *testing.T) {
	docs := []string{"golang sqlite storage", "golang sqlite cache", "react hooks tutorial"}
	s := newTestSemantic(t, testDB(t), NewTFIDFEmbedderFromDocs(docs, 32))
	ctx := context.Background()

	a := &store.Node{Type: store.NodeCode, Content: docs[0]}
	b := &store.Node{Type: store.NodeCode, Content: docs[1]}
	c := &store.Node{Type: store.NodeCode, Content: docs[2]}
	assert.Greater(t, s.contentSimilarity(ctx, a, b), s.contentSimilarity(ctx, a, c))
}
