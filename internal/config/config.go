package config

import (
	"fmt"
	"math"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// Config holds all memgraph configuration. It is validated as a whole at
// construction time; nothing is opened or read before Validate passes.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Ingest      IngestConfig      `mapstructure:"ingest" yaml:"ingest"`
	Clustering  ClusteringConfig  `mapstructure:"clustering" yaml:"clustering"`
	Semantic    SemanticConfig    `mapstructure:"semantic" yaml:"semantic"`
	Relevance   RelevanceConfig   `mapstructure:"relevance" yaml:"relevance"`
	Decay       DecayConfig       `mapstructure:"decay" yaml:"decay"`
	Pruning     PruningConfig     `mapstructure:"pruning" yaml:"pruning"`
	Query       QueryConfig       `mapstructure:"query" yaml:"query"`
	Context     ContextConfig     `mapstructure:"context" yaml:"context"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // empty = ~/.memgraph/memgraph.db
}

type ServerConfig struct {
	Bind string `mapstructure:"bind" yaml:"bind" validate:"required"`
	Port int    `mapstructure:"port" yaml:"port" validate:"gt=0,lt=65536"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
}

type IngestConfig struct {
	BatchSize       int  `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`
	ClusterOnIngest bool `mapstructure:"cluster_on_ingest" yaml:"cluster_on_ingest"`
}

type ClusteringConfig struct {
	WindowSize          time.Duration `mapstructure:"window_size" yaml:"window_size" validate:"gt=0"`
	Overlap             time.Duration `mapstructure:"overlap" yaml:"overlap" validate:"gte=0"`
	MinClusterSize      int           `mapstructure:"min_cluster_size" yaml:"min_cluster_size" validate:"gt=0"`
	MaxClusterSize      int           `mapstructure:"max_cluster_size" yaml:"max_cluster_size" validate:"gtefield=MinClusterSize"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold" yaml:"similarity_threshold" validate:"gte=0,lte=1"`
	TemporalWeight      float64       `mapstructure:"temporal_weight" yaml:"temporal_weight" validate:"gte=0,lte=1"`
	ContentWeight       float64       `mapstructure:"content_weight" yaml:"content_weight" validate:"gte=0,lte=1"`
	MetadataWeight      float64       `mapstructure:"metadata_weight" yaml:"metadata_weight" validate:"gte=0,lte=1"`
	Concurrency         int           `mapstructure:"concurrency" yaml:"concurrency" validate:"gt=0"`

	PatternLookback    time.Duration `mapstructure:"pattern_lookback" yaml:"pattern_lookback" validate:"gt=0"`
	BurstWindow        time.Duration `mapstructure:"burst_window" yaml:"burst_window" validate:"gt=0"`
	BurstMinEvents     int           `mapstructure:"burst_min_events" yaml:"burst_min_events" validate:"gt=1"`
	PeriodicMinEvents  int           `mapstructure:"periodic_min_events" yaml:"periodic_min_events" validate:"gt=2"`
	PeriodicMaxCV      float64       `mapstructure:"periodic_max_cv" yaml:"periodic_max_cv" validate:"gt=0,lte=1"`
	GapMultiplier      float64       `mapstructure:"gap_multiplier" yaml:"gap_multiplier" validate:"gt=1"`
	GapMinDuration     time.Duration `mapstructure:"gap_min_duration" yaml:"gap_min_duration" validate:"gt=0"`
}

type SemanticConfig struct {
	MinSimilarity   float64         `mapstructure:"min_similarity" yaml:"min_similarity" validate:"gte=0,lte=1"`
	MaxEdgesPerNode int             `mapstructure:"max_edges_per_node" yaml:"max_edges_per_node" validate:"gt=0"`
	ContentWeight   float64         `mapstructure:"content_weight" yaml:"content_weight" validate:"gte=0,lte=1"`
	TagWeight       float64         `mapstructure:"tag_weight" yaml:"tag_weight" validate:"gte=0,lte=1"`
	MetadataWeight  float64         `mapstructure:"metadata_weight" yaml:"metadata_weight" validate:"gte=0,lte=1"`
	CacheSize       int             `mapstructure:"cache_size" yaml:"cache_size" validate:"gt=0"`
	Embeddings      EmbeddingConfig `mapstructure:"embeddings" yaml:"embeddings"`
}

type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider" validate:"oneof=none tfidf ollama openai"`
	Model     string `mapstructure:"model" yaml:"model"`
	OllamaURL string `mapstructure:"ollama_url" yaml:"ollama_url"`
	OpenAIKey string `mapstructure:"openai_key" yaml:"-"`
	MaxTerms  int    `mapstructure:"max_terms" yaml:"max_terms" validate:"gt=0"`
}

// Enabled reports whether embedding vectors are produced at all.
func (e EmbeddingConfig) Enabled() bool {
	return e.Provider != "" && e.Provider != "none"
}

type RelevanceConfig struct {
	RecencyWeight     float64 `mapstructure:"recency_weight" yaml:"recency_weight" validate:"gte=0,lte=1"`
	FrequencyWeight   float64 `mapstructure:"frequency_weight" yaml:"frequency_weight" validate:"gte=0,lte=1"`
	InteractionWeight float64 `mapstructure:"interaction_weight" yaml:"interaction_weight" validate:"gte=0,lte=1"`
	SemanticWeight    float64 `mapstructure:"semantic_weight" yaml:"semantic_weight" validate:"gte=0,lte=1"`
	CentralityWeight  float64 `mapstructure:"centrality_weight" yaml:"centrality_weight" validate:"gte=0,lte=1"`

	TimeDecayRate    float64 `mapstructure:"time_decay_rate" yaml:"time_decay_rate" validate:"gt=0"` // per day
	InteractionBoost float64 `mapstructure:"interaction_boost" yaml:"interaction_boost" validate:"gte=1"`
	ContextBoost     float64 `mapstructure:"context_boost" yaml:"context_boost" validate:"gte=0,lte=0.5"`

	// TypeWeights is keyed by node type name; unknown names are rejected by the engine.
	TypeWeights map[string]float64 `mapstructure:"type_weights" yaml:"type_weights" validate:"dive,gte=0,lte=2"`

	EdgeRecencyWeight     float64 `mapstructure:"edge_recency_weight" yaml:"edge_recency_weight" validate:"gte=0,lte=1"`
	EdgeStrengthWeight    float64 `mapstructure:"edge_strength_weight" yaml:"edge_strength_weight" validate:"gte=0,lte=1"`
	EdgeInteractionWeight float64 `mapstructure:"edge_interaction_weight" yaml:"edge_interaction_weight" validate:"gte=0,lte=1"`
}

type DecayConfig struct {
	Function              string        `mapstructure:"function" yaml:"function" validate:"oneof=exponential linear power"`
	Rate                  float64       `mapstructure:"rate" yaml:"rate" validate:"gt=0"` // per day
	MaxAge                time.Duration `mapstructure:"max_age" yaml:"max_age" validate:"gt=0"`
	MinRelevanceThreshold float64       `mapstructure:"min_relevance_threshold" yaml:"min_relevance_threshold" validate:"gte=0,lte=1"`
	Interval              time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	AccessBoost           float64       `mapstructure:"access_boost" yaml:"access_boost" validate:"gte=0,lte=1"`
	BatchSize             int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`
}

type PruningConfig struct {
	MaxNodes              int           `mapstructure:"max_nodes" yaml:"max_nodes" validate:"gt=0"`
	MaxEdges              int           `mapstructure:"max_edges" yaml:"max_edges" validate:"gt=0"`
	MinRelevanceThreshold float64       `mapstructure:"min_relevance_threshold" yaml:"min_relevance_threshold" validate:"gte=0,lte=1"`
	KeepRecent            time.Duration `mapstructure:"keep_recent" yaml:"keep_recent" validate:"gte=0"`
}

type QueryConfig struct {
	MaxQueryResults     int           `mapstructure:"max_query_results" yaml:"max_query_results" validate:"gt=0"`
	DefaultQueryTimeout time.Duration `mapstructure:"default_query_timeout" yaml:"default_query_timeout" validate:"gt=0"`
	EnableFuzzyMatching bool          `mapstructure:"enable_fuzzy_matching" yaml:"enable_fuzzy_matching"`
	FuzzyThreshold      float64       `mapstructure:"fuzzy_threshold" yaml:"fuzzy_threshold" validate:"gte=0,lte=1"`
}

type ContextConfig struct {
	MaxRecentNodes              int           `mapstructure:"max_recent_nodes" yaml:"max_recent_nodes" validate:"gt=0"`
	MaxRelevantNodes            int           `mapstructure:"max_relevant_nodes" yaml:"max_relevant_nodes" validate:"gt=0"`
	MaxRecentEdges              int           `mapstructure:"max_recent_edges" yaml:"max_recent_edges" validate:"gt=0"`
	MaxRelevantEdges            int           `mapstructure:"max_relevant_edges" yaml:"max_relevant_edges" validate:"gt=0"`
	MaxQueryHistory             int           `mapstructure:"max_query_history" yaml:"max_query_history" validate:"gt=0"`
	RelevanceThreshold          float64       `mapstructure:"relevance_threshold" yaml:"relevance_threshold" validate:"gte=0,lte=1"`
	SemanticSimilarityThreshold float64       `mapstructure:"semantic_similarity_threshold" yaml:"semantic_similarity_threshold" validate:"gte=0,lte=1"`
	TimeRange                   time.Duration `mapstructure:"time_range" yaml:"time_range" validate:"gt=0"`
	RecentBoostWindow           time.Duration `mapstructure:"recent_boost_window" yaml:"recent_boost_window" validate:"gt=0"`
	RecentBoost                 float64       `mapstructure:"recent_boost" yaml:"recent_boost" validate:"gte=0,lte=1"`
	SessionTTL                  time.Duration `mapstructure:"session_ttl" yaml:"session_ttl" validate:"gt=0"`
	MaxSessions                 int           `mapstructure:"max_sessions" yaml:"max_sessions" validate:"gt=0"`
}

type MaintenanceConfig struct {
	Schedule string        `mapstructure:"schedule" yaml:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace" validate:"required_if=Enabled true"`
}

// Default returns a Config with sensible defaults. It always validates.
func Default() Config {
	return Config{
		Server: ServerConfig{Bind: "127.0.0.1", Port: 37778},
		Log:    LogConfig{Level: "info", Format: "json"},
		Ingest: IngestConfig{BatchSize: 500, ClusterOnIngest: true},
		Clustering: ClusteringConfig{
			WindowSize:          time.Hour,
			Overlap:             15 * time.Minute,
			MinClusterSize:      2,
			MaxClusterSize:      50,
			SimilarityThreshold: 0.5,
			TemporalWeight:      0.5,
			ContentWeight:       0.3,
			MetadataWeight:      0.2,
			Concurrency:         4,
			PatternLookback:     24 * time.Hour,
			BurstWindow:         5 * time.Minute,
			BurstMinEvents:      10,
			PeriodicMinEvents:   5,
			PeriodicMaxCV:       0.2,
			GapMultiplier:       3,
			GapMinDuration:      30 * time.Minute,
		},
		Semantic: SemanticConfig{
			MinSimilarity:   0.3,
			MaxEdgesPerNode: 5,
			ContentWeight:   0.6,
			TagWeight:       0.25,
			MetadataWeight:  0.15,
			CacheSize:       2048,
			Embeddings: EmbeddingConfig{
				Provider:  "none",
				Model:     "nomic-embed-text",
				OllamaURL: "http://localhost:11434",
				MaxTerms:  512,
			},
		},
		Relevance: RelevanceConfig{
			RecencyWeight:     0.3,
			FrequencyWeight:   0.2,
			InteractionWeight: 0.25,
			SemanticWeight:    0.1,
			CentralityWeight:  0.15,
			TimeDecayRate:     0.1,
			InteractionBoost:  1.2,
			ContextBoost:      0.1,
			TypeWeights: map[string]float64{
				"project":  1.2,
				"workflow": 1.1,
				"code":     1.1,
				"github":   1.1,
				"learning": 1.05,
				"concept":  1.0,
				"pattern":  1.0,
				"activity": 1.0,
				"email":    0.95,
				"cluster":  0.9,
				"resource": 0.9,
			},
			EdgeRecencyWeight:     0.4,
			EdgeStrengthWeight:    0.4,
			EdgeInteractionWeight: 0.2,
		},
		Decay: DecayConfig{
			Function:              "exponential",
			Rate:                  0.05,
			MaxAge:                90 * 24 * time.Hour,
			MinRelevanceThreshold: 0.05,
			Interval:              time.Hour,
			AccessBoost:           0.2,
			BatchSize:             500,
		},
		Pruning: PruningConfig{
			MaxNodes:              100000,
			MaxEdges:              500000,
			MinRelevanceThreshold: 0.05,
			KeepRecent:            24 * time.Hour,
		},
		Query: QueryConfig{
			MaxQueryResults:     100,
			DefaultQueryTimeout: 5 * time.Second,
			EnableFuzzyMatching: true,
			FuzzyThreshold:      0.8,
		},
		Context: ContextConfig{
			MaxRecentNodes:              50,
			MaxRelevantNodes:            100,
			MaxRecentEdges:              50,
			MaxRelevantEdges:            100,
			MaxQueryHistory:             20,
			RelevanceThreshold:          0.3,
			SemanticSimilarityThreshold: 0.2,
			TimeRange:                   2 * time.Hour,
			RecentBoostWindow:           5 * time.Minute,
			RecentBoost:                 0.15,
			SessionTTL:                  12 * time.Hour,
			MaxSessions:                 256,
		},
		Maintenance: MaintenanceConfig{
			Schedule: "0 * * * *",
			Timeout:  5 * time.Minute,
		},
		Metrics: MetricsConfig{Enabled: true, Namespace: "memgraph"},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

var validate = validator.New()

// Validate checks every section. The first failure is returned as a
// ConfigError naming the offending field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if err := c.Clustering.Validate(); err != nil {
		return err
	}
	if err := c.Relevance.Validate(); err != nil {
		return err
	}
	if err := c.Semantic.Validate(); err != nil {
		return err
	}
	if c.Maintenance.Schedule != "" && !gronx.New().IsValid(c.Maintenance.Schedule) {
		return apperrors.Config("maintenance", "invalid cron schedule %q", c.Maintenance.Schedule)
	}
	return nil
}

// Validate checks the clustering section on its own.
func (c ClusteringConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if c.Overlap >= c.WindowSize {
		return apperrors.Config("clustering", "overlap (%s) must be smaller than window_size (%s)", c.Overlap, c.WindowSize)
	}
	if sum := c.TemporalWeight + c.ContentWeight + c.MetadataWeight; sum <= 0 {
		return apperrors.Config("clustering", "similarity weights must not all be zero")
	}
	return nil
}

// Validate checks the relevance section on its own: both weight groups must sum to 1.
func (r RelevanceConfig) Validate() error {
	if err := validate.Struct(r); err != nil {
		return formatValidationError(err)
	}
	sum := r.RecencyWeight + r.FrequencyWeight + r.InteractionWeight + r.SemanticWeight + r.CentralityWeight
	if math.Abs(sum-1) > weightTolerance {
		return apperrors.Config("relevance", "component weights must sum to 1, got %.4f", sum)
	}
	edgeSum := r.EdgeRecencyWeight + r.EdgeStrengthWeight + r.EdgeInteractionWeight
	if math.Abs(edgeSum-1) > weightTolerance {
		return apperrors.Config("relevance", "edge weights must sum to 1, got %.4f", edgeSum)
	}
	return nil
}

// Validate checks the semantic section on its own.
func (s SemanticConfig) Validate() error {
	if err := validate.Struct(s); err != nil {
		return formatValidationError(err)
	}
	if s.ContentWeight+s.TagWeight+s.MetadataWeight <= 0 {
		return apperrors.Config("semantic", "similarity weights must not all be zero")
	}
	if s.Embeddings.Provider == "openai" && s.Embeddings.OpenAIKey == "" {
		return apperrors.Config("semantic", "openai embeddings require an API key")
	}
	return nil
}

const weightTolerance = 1e-6

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return apperrors.Config("config", "%v", err)
	}
	e := verrs[0]
	switch e.Tag() {
	case "required":
		return apperrors.Config(e.Namespace(), "is required")
	case "oneof":
		return apperrors.Config(e.Namespace(), "must be one of: %s (got %v)", e.Param(), e.Value())
	case "gtefield":
		return apperrors.Config(e.Namespace(), "must be >= %s", e.Param())
	default:
		return apperrors.Config(e.Namespace(), "failed %s=%s (got %v)", e.Tag(), e.Param(), e.Value())
	}
}
