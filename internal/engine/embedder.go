package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/store"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// ErrEmbeddingUnavailable is returned while a remote provider's breaker is open.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// NewEmbedder builds the configured provider. It returns nil, nil when
// embeddings are disabled. Remote providers are wrapped in a breaker.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingConfig, db *store.DB, log *zap.Logger) (Embedder, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "tfidf":
		return NewTFIDFEmbedder(ctx, db, cfg.MaxTerms)
	case "ollama":
		emb, err := NewOllamaEmbedder(cfg.OllamaURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		return NewBreakerEmbedder(emb, log), nil
	case "openai":
		model := cfg.Model
		if model == "" || model == config.Default().Semantic.Embeddings.Model {
			model = string(openai.SmallEmbedding3)
		}
		return NewBreakerEmbedder(NewOpenAIEmbedder(cfg.OpenAIKey, model), log), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}

// OllamaEmbedder uses a local Ollama server.
type OllamaEmbedder struct {
	client *api.Client
	model  string
	dims   atomic.Int64 // width of the last vector returned
}

// NewOllamaEmbedder creates an embedder against baseURL.
func NewOllamaEmbedder(baseURL, model string) (*OllamaEmbedder, error) {
	uri, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url %q: %w", baseURL, err)
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &OllamaEmbedder{client: api.NewClient(uri, httpClient), model: model}, nil
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return int(o.dims.Load()) }

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := o.client.Embeddings(ctx, &api.EmbeddingRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned no embedding")
	}
	o.dims.Store(int64(len(resp.Embedding)))
	return resp.Embedding, nil
}

// OpenAIEmbedder uses the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   atomic.Int64
}

func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(openai.DefaultConfig(apiKey)), model: model}
}

func (o *OpenAIEmbedder) Model() string   { return "openai:" + o.model }
func (o *OpenAIEmbedder) Dimensions() int { return int(o.dims.Load()) }

func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embedding")
	}
	vec := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float64(v)
	}
	o.dims.Store(int64(len(vec)))
	return vec, nil
}

// BreakerEmbedder stops calling a failing remote provider for a while so
// ingestion falls back to lexical similarity instead of stalling.
type BreakerEmbedder struct {
	inner Embedder
	cb    *gobreaker.CircuitBreaker
}

func NewBreakerEmbedder(inner Embedder, log *zap.Logger) *BreakerEmbedder {
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Model(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("embedding breaker state changed",
				zap.String("provider", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerEmbedder{inner: inner, cb: cb}
}

func (b *BreakerEmbedder) Model() string   { return b.inner.Model() }
func (b *BreakerEmbedder) Dimensions() int { return b.inner.Dimensions() }

func (b *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Embed(ctx, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]float64), nil
}

// TFIDFEmbedder generates TF-IDF bag-of-words embeddings from the node corpus.
type TFIDFEmbedder struct {
	vocab []string
	idf   map[string]float64
	dims  int
}

// NewTFIDFEmbedder builds a TF-IDF embedder from the content of active nodes.
func NewTFIDFEmbedder(ctx context.Context, db *store.DB, maxTerms int) (*TFIDFEmbedder, error) {
	var docs []string
	after := ""
	for {
		page, err := db.ActiveNodesPage(ctx, after, 1000)
		if err != nil {
			return nil, fmt.Errorf("list nodes for tfidf: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, n := range page {
			if n.Content != "" {
				docs = append(docs, n.Content)
			}
		}
		after = page[len(page)-1].ID
	}
	return NewTFIDFEmbedderFromDocs(docs, maxTerms), nil
}

// NewTFIDFEmbedderFromDocs keeps the maxTerms terms with the highest
// document frequency as the vocabulary.
func NewTFIDFEmbedderFromDocs(docs []string, maxTerms int) *TFIDFEmbedder {
	if maxTerms <= 0 {
		maxTerms = 512
	}

	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range tokenize(doc) {
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}

	type termFreq struct {
		term string
		freq int
	}
	terms := make([]termFreq, 0, len(df))
	for t, f := range df {
		terms = append(terms, termFreq{t, f})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].freq != terms[j].freq {
			return terms[i].freq > terms[j].freq
		}
		return terms[i].term < terms[j].term
	})

	dims := min(maxTerms, len(terms))
	if dims == 0 {
		dims = 1 // minimum dimension to avoid zero-length vectors
	}

	vocab := make([]string, dims)
	idf := make(map[string]float64)
	numDocs := float64(max(len(docs), 1))
	for i := 0; i < dims && i < len(terms); i++ {
		vocab[i] = terms[i].term
		// IDF = log(N / df) + 1 (smoothed)
		idf[vocab[i]] = math.Log(numDocs/float64(terms[i].freq)) + 1.0
	}
	return &TFIDFEmbedder{vocab: vocab, idf: idf, dims: dims}
}

func (t *TFIDFEmbedder) Model() string   { return "tfidf" }
func (t *TFIDFEmbedder) Dimensions() int { return t.dims }

// Embed generates a normalized TF-IDF vector for the given text.
func (t *TFIDFEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, t.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokens {
		tf[tok]++
		maxTF = max(maxTF, tf[tok])
	}

	for i, term := range t.vocab {
		count := tf[term]
		if count == 0 {
			continue
		}
		// Augmented TF to prevent bias towards longer documents
		augTF := 0.5 + 0.5*float64(count)/float64(maxTF)
		idf := t.idf[term]
		if idf == 0 {
			idf = 1.0
		}
		vec[i] = augTF * idf
	}

	normalize(vec)
	return vec, nil
}

// normalize performs in-place L2 normalization.
func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

// CosineSimilarity computes the cosine similarity between two vectors. It
// returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func isZeroVector(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
