package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// NodeType is the closed set of node kinds.
type NodeType uint8

const (
	NodeActivity NodeType = iota
	NodePattern
	NodeResource
	NodeConcept
	NodeProject
	NodeWorkflow
	NodeEmail
	NodeCode
	NodeGitHub
	NodeLearning
	NodeCluster

	NumNodeTypes = int(NodeCluster) + 1
)

var nodeTypeNames = [NumNodeTypes]string{
	NodeActivity: "activity",
	NodePattern:  "pattern",
	NodeResource: "resource",
	NodeConcept:  "concept",
	NodeProject:  "project",
	NodeWorkflow: "workflow",
	NodeEmail:    "email",
	NodeCode:     "code",
	NodeGitHub:   "github",
	NodeLearning: "learning",
	NodeCluster:  "cluster",
}

func (t NodeType) String() string {
	if int(t) < NumNodeTypes {
		return nodeTypeNames[t]
	}
	return fmt.Sprintf("nodetype(%d)", t)
}

// Valid reports whether t is one of the declared types.
func (t NodeType) Valid() bool { return int(t) < NumNodeTypes }

// ParseNodeType is case-insensitive.
func ParseNodeType(s string) (NodeType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range nodeTypeNames {
		if name == s {
			return NodeType(i), true
		}
	}
	return 0, false
}

// AllNodeTypes returns every node type in declaration order.
func AllNodeTypes() []NodeType {
	out := make([]NodeType, NumNodeTypes)
	for i := range out {
		out[i] = NodeType(i)
	}
	return out
}

func (t NodeType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid node type %d", t)
	}
	return []byte(t.String()), nil
}

func (t *NodeType) UnmarshalText(b []byte) error {
	v, ok := ParseNodeType(string(b))
	if !ok {
		return fmt.Errorf("unknown node type %q", string(b))
	}
	*t = v
	return nil
}

func (t NodeType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid node type %d", t)
	}
	return t.String(), nil
}

func (t *NodeType) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return t.UnmarshalText([]byte(v))
	case []byte:
		return t.UnmarshalText(v)
	default:
		return fmt.Errorf("scan node type from %T", src)
	}
}

// EdgeType is the closed set of relation kinds.
type EdgeType uint8

const (
	EdgeSemantic EdgeType = iota
	EdgeTemporal
	EdgeContains
	EdgeCausal
	EdgeRelated

	NumEdgeTypes = int(EdgeRelated) + 1
)

var edgeTypeNames = [NumEdgeTypes]string{
	EdgeSemantic: "semantic",
	EdgeTemporal: "temporal",
	EdgeContains: "contains",
	EdgeCausal:   "causal",
	EdgeRelated:  "related",
}

func (t EdgeType) String() string {
	if int(t) < NumEdgeTypes {
		return edgeTypeNames[t]
	}
	return fmt.Sprintf("edgetype(%d)", t)
}

func (t EdgeType) Valid() bool { return int(t) < NumEdgeTypes }

func ParseEdgeType(s string) (EdgeType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range edgeTypeNames {
		if name == s {
			return EdgeType(i), true
		}
	}
	return 0, false
}

func (t EdgeType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid edge type %d", t)
	}
	return []byte(t.String()), nil
}

func (t *EdgeType) UnmarshalText(b []byte) error {
	v, ok := ParseEdgeType(string(b))
	if !ok {
		return fmt.Errorf("unknown edge type %q", string(b))
	}
	*t = v
	return nil
}

func (t EdgeType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid edge type %d", t)
	}
	return t.String(), nil
}

func (t *EdgeType) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return t.UnmarshalText([]byte(v))
	case []byte:
		return t.UnmarshalText(v)
	default:
		return fmt.Errorf("scan edge type from %T", src)
	}
}

// Metadata is an open key/value map stored as a JSON object.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan metadata from %T", src)
	}
	out := Metadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// String returns the value at key as a string, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Tags is a set of labels stored as a JSON array. Order is preserved,
// duplicates are dropped on Add.
type Tags []string

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	return string(b), nil
}

func (t *Tags) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = Tags{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan tags from %T", src)
	}
	var out []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	*t = Tags(out)
	return nil
}

// Has reports whether tag is present.
func (t Tags) Has(tag string) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add appends tags that are not already present.
func (t Tags) Add(tags ...string) Tags {
	for _, tag := range tags {
		if tag != "" && !t.Has(tag) {
			t = append(t, tag)
		}
	}
	return t
}

// Node is a unit of captured knowledge. Times are unix milliseconds.
type Node struct {
	ID                    string   `db:"id" json:"id" yaml:"id"`
	Type                  NodeType `db:"type" json:"type" yaml:"type"`
	Timestamp             int64    `db:"timestamp" json:"timestamp" yaml:"timestamp"`
	Content               string   `db:"content" json:"content" yaml:"content"`
	Metadata              Metadata `db:"metadata" json:"metadata" yaml:"metadata"`
	Tags                  Tags     `db:"tags" json:"tags" yaml:"tags"`
	RelevanceScore        float64  `db:"relevance" json:"relevanceScore" yaml:"relevanceScore"`
	DecayFactor           float64  `db:"decay_factor" json:"decayFactor" yaml:"decayFactor"`
	Degree                int      `db:"degree" json:"degree" yaml:"degree"`
	ClusteringCoefficient float64  `db:"clustering_coefficient" json:"clusteringCoefficient" yaml:"clusteringCoefficient"`
	Centrality            float64  `db:"centrality" json:"centrality" yaml:"centrality"`
	AccessCount           int      `db:"access_count" json:"accessCount" yaml:"accessCount"`
	LastAccessed          *int64   `db:"last_accessed" json:"lastAccessed,omitempty" yaml:"lastAccessed,omitempty"`
	Confidence            float64  `db:"confidence" json:"confidence" yaml:"confidence"`
	SourceType            string   `db:"source_type" json:"sourceType" yaml:"sourceType"`
	IsPruned              bool     `db:"is_pruned" json:"isPruned" yaml:"isPruned"`
	DecayedAt             *int64   `db:"decayed_at" json:"decayedAt,omitempty" yaml:"decayedAt,omitempty"`
	Version               int64    `db:"version" json:"version" yaml:"version"`
	CreatedAt             int64    `db:"created_at" json:"createdAt" yaml:"createdAt"`
	UpdatedAt             int64    `db:"updated_at" json:"updatedAt" yaml:"updatedAt"`

	// Embedding lives in node_vectors and is only populated on request.
	Embedding []float64 `db:"-" json:"embedding,omitempty" yaml:"embedding,omitempty"`
}

// LastTouched returns the later of the event timestamp and the last access.
func (n *Node) LastTouched() int64 {
	if n.LastAccessed != nil && *n.LastAccessed > n.Timestamp {
		return *n.LastAccessed
	}
	return n.Timestamp
}

// EventNode maps an ingested event id to the node it produced.
type EventNode struct {
	EventID   string `db:"event_id" json:"eventId" yaml:"eventId"`
	NodeID    string `db:"node_id" json:"nodeId" yaml:"nodeId"`
	CreatedAt int64  `db:"created_at" json:"createdAt" yaml:"createdAt"`
}

// Edge is a directed, typed, weighted relation between two nodes.
type Edge struct {
	ID             string   `db:"id" json:"id" yaml:"id"`
	SourceID       string   `db:"source_id" json:"sourceId" yaml:"sourceId"`
	TargetID       string   `db:"target_id" json:"targetId" yaml:"targetId"`
	Type           EdgeType `db:"type" json:"type" yaml:"type"`
	Weight         float64  `db:"weight" json:"weight" yaml:"weight"`
	RelevanceScore float64  `db:"relevance" json:"relevanceScore" yaml:"relevanceScore"`
	Metadata       Metadata `db:"metadata" json:"metadata" yaml:"metadata"`
	IsPruned       bool     `db:"is_pruned" json:"isPruned" yaml:"isPruned"`
	DecayedAt      *int64   `db:"decayed_at" json:"decayedAt,omitempty" yaml:"decayedAt,omitempty"`
	CreatedAt      int64    `db:"created_at" json:"createdAt" yaml:"createdAt"`
	UpdatedAt      int64    `db:"updated_at" json:"updatedAt" yaml:"updatedAt"`
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id string) string {
	if e.SourceID == id {
		return e.TargetID
	}
	return e.SourceID
}

// Clamp01 bounds v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
