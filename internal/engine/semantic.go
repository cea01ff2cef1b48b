package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/store"
)

// maxSimilarityCandidates bounds how many index hits are scored per new node.
const maxSimilarityCandidates = 64

// EdgeScorer computes the relevance of a freshly built edge.
type EdgeScorer interface {
	EdgeRelevance(e *store.Edge, interaction float64, now time.Time) float64
}

type pairKey struct{ a, b string }

func orderedPair(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// SemanticEngine scores lexical and embedding similarity between nodes and
// materializes Semantic edges. Node content is immutable after ingestion, so
// cached similarities are keyed by id pair only.
type SemanticEngine struct {
	db       *store.DB
	cfg      config.SemanticConfig
	embedder Embedder
	scorer   EdgeScorer
	log      *zap.Logger
	now      func() time.Time

	index        *searchIndex
	embeddings   *lru.Cache[string, []float64]
	similarities *lru.Cache[pairKey, float64]
}

// NewSemanticEngine validates cfg. embedder may be nil, in which case content
// similarity is lexical only.
func NewSemanticEngine(db *store.DB, cfg config.SemanticConfig, embedder Embedder, scorer EdgeScorer, log *zap.Logger, now func() time.Time) (*SemanticEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	embeddings, err := lru.New[string, []float64](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	similarities, err := lru.New[pairKey, float64](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("similarity cache: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &SemanticEngine{
		db:           db,
		cfg:          cfg,
		embedder:     embedder,
		scorer:       scorer,
		log:          log,
		now:          now,
		index:        newSearchIndex(),
		embeddings:   embeddings,
		similarities: similarities,
	}, nil
}

// BuildSearchIndex indexes every active node into a new index and swaps it
// in once complete. Lookups keep using the previous index until then, and
// on error the previous index stays in place.
func (s *SemanticEngine) BuildSearchIndex(ctx context.Context) (int, error) {
	fresh := newSearchIndex()
	s.index.beginRebuild()
	indexed := 0
	after := ""
	for {
		page, err := s.db.ActiveNodesPage(ctx, after, 1000)
		if err != nil {
			s.index.abortRebuild()
			return indexed, err
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			if page[i].Type == store.NodeCluster {
				continue
			}
			fresh.add(&page[i])
			indexed++
		}
		after = page[len(page)-1].ID
	}
	s.index.swap(fresh)
	s.similarities.Purge()
	docs, terms := s.index.size()
	s.log.Debug("search index built", zap.Int("docs", docs), zap.Int("terms", terms))
	return indexed, nil
}

// IndexNodes adds nodes to the search index.
func (s *SemanticEngine) IndexNodes(nodes []store.Node) {
	for i := range nodes {
		if nodes[i].Type == store.NodeCluster || nodes[i].IsPruned {
			continue
		}
		s.index.add(&nodes[i])
	}
}

// Forget drops nodes from the index and caches, including every cached
// similarity that involves them.
func (s *SemanticEngine) Forget(ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.index.remove(ids...)
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.embeddings.Remove(id)
		gone[id] = struct{}{}
	}
	for _, k := range s.similarities.Keys() {
		_, a := gone[k.a]
		_, b := gone[k.b]
		if a || b {
			s.similarities.Remove(k)
		}
	}
}

// HasTerm reports whether term occurs in any indexed node.
func (s *SemanticEngine) HasTerm(term string) bool { return s.index.hasTerm(term) }

// FuzzyTerms returns indexed terms close to term by edit distance.
func (s *SemanticEngine) FuzzyTerms(term string, threshold float64) []string {
	return s.index.fuzzyTerms(term, threshold, 5)
}

// CalculateSimilarity blends content, tag and metadata similarity using the
// configured weights. The result is in [0,1].
func (s *SemanticEngine) CalculateSimilarity(ctx context.Context, a, b *store.Node) float64 {
	if a.ID != "" && a.ID == b.ID {
		return 1
	}
	key := orderedPair(a.ID, b.ID)
	if a.ID != "" && b.ID != "" {
		if v, ok := s.similarities.Get(key); ok {
			return v
		}
	}
	total := s.cfg.ContentWeight + s.cfg.TagWeight + s.cfg.MetadataWeight
	sim := (s.cfg.ContentWeight*s.contentSimilarity(ctx, a, b) +
		s.cfg.TagWeight*jaccard(newTermSet(a.Tags), newTermSet(b.Tags)) +
		s.cfg.MetadataWeight*metadataSimilarity(a.Metadata, b.Metadata)) / total
	sim = store.Clamp01(sim)
	if a.ID != "" && b.ID != "" {
		s.similarities.Add(key, sim)
	}
	return sim
}

func (s *SemanticEngine) contentSimilarity(ctx context.Context, a, b *store.Node) float64 {
	if s.embedder != nil {
		va, okA := s.embedding(ctx, a)
		vb, okB := s.embedding(ctx, b)
		if okA && okB {
			return max(0, CosineSimilarity(va, vb))
		}
	}
	return jaccard(newTermSet(keywords(a.Content)), newTermSet(keywords(b.Content)))
}

// TextSimilarity scores free text against a node's content.
func (s *SemanticEngine) TextSimilarity(ctx context.Context, text string, n *store.Node) float64 {
	if text == "" {
		return 0
	}
	lexical := jaccard(newTermSet(keywords(text)), newTermSet(nodeTerms(n)))
	if s.embedder == nil {
		return lexical
	}
	vt, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return lexical
	}
	vn, ok := s.embedding(ctx, n)
	if !ok {
		return lexical
	}
	return max(lexical, CosineSimilarity(vt, vn))
}

// metadataSimilarity is the fraction of keys present in both maps whose
// values are equal, ignoring case. Maps with no common key score 0.
func metadataSimilarity(a, b store.Metadata) float64 {
	shared, equal := 0, 0
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			continue
		}
		shared++
		if strings.EqualFold(fmt.Sprint(av), fmt.Sprint(bv)) {
			equal++
		}
	}
	if shared == 0 {
		return 0
	}
	return float64(equal) / float64(shared)
}

// embedding returns the node's vector from cache, the store, or the
// embedder, in that order. Failures fall back to lexical similarity.
func (s *SemanticEngine) embedding(ctx context.Context, n *store.Node) ([]float64, bool) {
	if len(n.Embedding) > 0 {
		return n.Embedding, !isZeroVector(n.Embedding)
	}
	if n.ID != "" {
		if v, ok := s.embeddings.Get(n.ID); ok {
			return v, !isZeroVector(v)
		}
		rec, err := s.db.GetVector(ctx, n.ID)
		if err != nil {
			s.log.Debug("get vector failed", zap.String("node", n.ID), zap.Error(err))
		}
		if rec != nil && rec.Model == s.embedder.Model() {
			s.embeddings.Add(n.ID, rec.Embedding)
			return rec.Embedding, !isZeroVector(rec.Embedding)
		}
	}
	if n.Content == "" {
		return nil, false
	}
	vec, err := s.embedder.Embed(ctx, n.Content)
	if err != nil {
		s.log.Debug("embed failed, using lexical similarity", zap.String("node", n.ID), zap.Error(err))
		return nil, false
	}
	if n.ID != "" {
		s.embeddings.Add(n.ID, vec)
		if err := s.db.SaveVector(ctx, n.ID, vec, s.embedder.Model()); err != nil {
			s.log.Debug("save vector failed", zap.String("node", n.ID), zap.Error(err))
		}
	}
	return vec, !isZeroVector(vec)
}

// SimilarNode is a neighbor found by similarity search.
type SimilarNode struct {
	Node       store.Node
	Similarity float64
}

// FindSimilar returns indexed nodes with similarity to n at or above
// minSimilarity, best first, at most limit.
func (s *SemanticEngine) FindSimilar(ctx context.Context, n *store.Node, minSimilarity float64, limit int) ([]SimilarNode, error) {
	ids := s.index.candidates(nodeTerms(n), n.ID, maxSimilarityCandidates)
	if len(ids) == 0 {
		return nil, nil
	}
	nodes, err := s.db.GetNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []SimilarNode
	for i := range nodes {
		c := &nodes[i]
		if c.IsPruned || c.Type == store.NodeCluster {
			continue
		}
		if sim := s.CalculateSimilarity(ctx, n, c); sim >= minSimilarity {
			out = append(out, SimilarNode{Node: *c, Similarity: sim})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateSemanticEdges links each new node to its most similar existing
// nodes, in both directions, and returns the number of edges created.
func (s *SemanticEngine) CreateSemanticEdges(ctx context.Context, newNodes []store.Node) (int, error) {
	now := s.now()
	var ops []store.BatchOp
	for i := range newNodes {
		n := &newNodes[i]
		if n.Type == store.NodeCluster || n.IsPruned {
			continue
		}
		similar, err := s.FindSimilar(ctx, n, s.cfg.MinSimilarity, s.cfg.MaxEdgesPerNode)
		if err != nil {
			s.log.Warn("semantic candidates failed", zap.String("node", n.ID), zap.Error(err))
			continue
		}
		for _, sn := range similar {
			for _, pair := range [2][2]string{{n.ID, sn.Node.ID}, {sn.Node.ID, n.ID}} {
				e := &store.Edge{
					SourceID: pair[0],
					TargetID: pair[1],
					Type:     store.EdgeSemantic,
					Weight:   sn.Similarity,
					Metadata: store.Metadata{"similarity": sn.Similarity},
				}
				if s.scorer != nil {
					e.RelevanceScore = s.scorer.EdgeRelevance(e, 0, now)
				}
				ops = append(ops, store.BatchOp{Kind: store.OpCreateEdge, Edge: e})
			}
		}
	}
	if len(ops) == 0 {
		return 0, nil
	}
	res, err := s.db.Batch(ctx, ops)
	if err != nil {
		return 0, err
	}
	for _, oe := range res.Errors {
		s.log.Debug("semantic edge skipped", zap.Error(oe))
	}
	return res.EdgesAffected, nil
}

// ExtractConcepts returns up to ten salient keywords of text, most frequent
// first, followed by the detected topic name when it is not already listed.
func (s *SemanticEngine) ExtractConcepts(text string) []string {
	concepts := keywordFrequencies(text)
	if len(concepts) > 10 {
		concepts = concepts[:10]
	}
	if topic, ok := detectTopic(text); ok {
		name := topic.String()
		found := false
		for _, c := range concepts {
			if c == name {
				found = true
				break
			}
		}
		if !found {
			concepts = append(concepts, name)
		}
	}
	return concepts
}

// UpdateEmbeddings embeds active nodes that have no vector for the current
// model. It is a no-op when embeddings are disabled.
func (s *SemanticEngine) UpdateEmbeddings(ctx context.Context) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	embedded := 0
	for {
		nodes, err := s.db.NodesMissingVectors(ctx, s.embedder.Model(), 100)
		if err != nil {
			return embedded, err
		}
		progress := 0
		for i := range nodes {
			if err := ctx.Err(); err != nil {
				return embedded, err
			}
			vec, err := s.embedder.Embed(ctx, nodes[i].Content)
			if err != nil {
				s.log.Warn("embed node failed", zap.String("node", nodes[i].ID), zap.Error(err))
				continue
			}
			if err := s.db.SaveVector(ctx, nodes[i].ID, vec, s.embedder.Model()); err != nil {
				return embedded, err
			}
			s.embeddings.Add(nodes[i].ID, vec)
			embedded++
			progress++
		}
		if len(nodes) < 100 || progress == 0 {
			break
		}
	}
	return embedded, nil
}

// EmbeddingsEnabled reports whether a provider is configured.
func (s *SemanticEngine) EmbeddingsEnabled() bool { return s.embedder != nil }
