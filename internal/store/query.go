package store

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// Target selects what a GraphQuery returns.
type Target string

const (
	TargetNode Target = "node"
	TargetEdge Target = "edge"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains" // substring, case-insensitive
	OpIn       Operator = "in"
	OpMatch    Operator = "match" // full-text over content and tags
	OpTag      Operator = "tag"   // tag set membership
)

// Filter is one predicate. Field is a whitelisted column name or
// metadata.<key>.
type Filter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Constraints bound and order a result set. A zero Limit means no limit.
type Constraints struct {
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
	OrderBy       string `json:"orderBy,omitempty"`
	Ascending     bool   `json:"ascending,omitempty"`
	IncludePruned bool   `json:"includePruned,omitempty"`
}

// GraphQuery is the bounded filter/constraint grammar. Filters are ANDed.
type GraphQuery struct {
	ID          string      `json:"id"`
	Target      Target      `json:"target"`
	Filters     []Filter    `json:"filters"`
	Constraints Constraints `json:"constraints"`
}

// HasMatch reports whether q carries a full-text predicate.
func (q GraphQuery) HasMatch() bool {
	for _, f := range q.Filters {
		if f.Operator == OpMatch {
			return true
		}
	}
	return false
}

// MatchedNode is a node with its full-text score in [0,1]; 0 when the query
// had no match predicate.
type MatchedNode struct {
	Node
	Match float64 `db:"match_score" json:"match"`
}

type NodeResult struct {
	Nodes []MatchedNode
	Total int
}

type EdgeResult struct {
	Edges []Edge
	Total int
}

var nodeFields = map[string]string{
	"id":             "n.id",
	"type":           "n.type",
	"timestamp":      "n.timestamp",
	"content":        "n.content",
	"relevance":      "n.relevance",
	"relevanceScore": "n.relevance",
	"decayFactor":    "n.decay_factor",
	"accessCount":    "n.access_count",
	"access_count":   "n.access_count",
	"lastAccessed":   "COALESCE(n.last_accessed, 0)",
	"last_accessed":  "COALESCE(n.last_accessed, 0)",
	"confidence":     "n.confidence",
	"sourceType":     "n.source_type",
	"source_type":    "n.source_type",
	"degree":         "n.degree",
	"centrality":     "n.centrality",
	"createdAt":      "n.created_at",
	"created_at":     "n.created_at",
	"updatedAt":      "n.updated_at",
	"updated_at":     "n.updated_at",
}

var edgeFields = map[string]string{
	"id":             "e.id",
	"sourceId":       "e.source_id",
	"source_id":      "e.source_id",
	"targetId":       "e.target_id",
	"target_id":      "e.target_id",
	"type":           "e.type",
	"weight":         "e.weight",
	"relevance":      "e.relevance",
	"relevanceScore": "e.relevance",
	"createdAt":      "e.created_at",
	"created_at":     "e.created_at",
}

var nodeOrder = map[string]string{
	"relevance":      "n.relevance",
	"relevanceScore": "n.relevance",
	"timestamp":      "n.timestamp",
	"createdAt":      "n.created_at",
	"accessCount":    "n.access_count",
	"lastAccessed":   "COALESCE(n.last_accessed, 0)",
	"match":          "match_score",
}

var edgeOrder = map[string]string{
	"relevance":      "e.relevance",
	"relevanceScore": "e.relevance",
	"weight":         "e.weight",
	"createdAt":      "e.created_at",
}

var metadataKey = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

type compiled struct {
	where     []string
	whereArgs []any
	matchExpr []string
}

func compileFilters(alias string, fields map[string]string, filters []Filter) (*compiled, error) {
	c := &compiled{}
	for _, f := range filters {
		if f.Operator == OpMatch {
			if alias != "n" {
				return nil, apperrors.Validation("query", "operator match is only supported on nodes")
			}
			text, ok := f.Value.(string)
			if !ok {
				return nil, apperrors.Validation("query", "match value must be a string")
			}
			expr := MatchExpression(text)
			if expr == "" {
				c.where = append(c.where, "0")
				continue
			}
			c.matchExpr = append(c.matchExpr, "("+expr+")")
			continue
		}

		if f.Field == "tags" || f.Operator == OpTag {
			if alias != "n" {
				return nil, apperrors.Validation("query", "tag filters are only supported on nodes")
			}
			switch f.Operator {
			case OpTag, OpEq:
				c.where = append(c.where, "EXISTS (SELECT 1 FROM json_each(n.tags) WHERE json_each.value = ?)")
				c.whereArgs = append(c.whereArgs, fmt.Sprint(f.Value))
			case OpContains:
				c.where = append(c.where, "EXISTS (SELECT 1 FROM json_each(n.tags) WHERE json_each.value LIKE ? ESCAPE '\\')")
				c.whereArgs = append(c.whereArgs, likePattern(fmt.Sprint(f.Value)))
			case OpIn:
				vals := flattenValues(f.Value)
				if len(vals) == 0 {
					c.where = append(c.where, "0")
					continue
				}
				c.where = append(c.where, "EXISTS (SELECT 1 FROM json_each(n.tags) WHERE json_each.value IN ("+placeholders(len(vals))+"))")
				c.whereArgs = append(c.whereArgs, vals...)
			default:
				return nil, apperrors.Validation("query", "operator %q not supported on tags", f.Operator)
			}
			continue
		}

		col, err := resolveField(alias, fields, f.Field)
		if err != nil {
			return nil, err
		}
		if f.Field == "type" {
			v, err := canonicalTypes(alias, f.Value)
			if err != nil {
				return nil, err
			}
			f.Value = v
		}

		switch f.Operator {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
			c.where = append(c.where, col+" "+sqlComparator[f.Operator]+" ?")
			c.whereArgs = append(c.whereArgs, f.Value)
		case OpContains:
			c.where = append(c.where, "LOWER("+col+") LIKE ? ESCAPE '\\'")
			c.whereArgs = append(c.whereArgs, likePattern(strings.ToLower(fmt.Sprint(f.Value))))
		case OpIn:
			vals := flattenValues(f.Value)
			if len(vals) == 0 {
				c.where = append(c.where, "0")
				continue
			}
			c.where = append(c.where, col+" IN ("+placeholders(len(vals))+")")
			c.whereArgs = append(c.whereArgs, vals...)
		default:
			return nil, apperrors.Validation("query", "unknown operator %q", f.Operator)
		}
	}
	return c, nil
}

var sqlComparator = map[Operator]string{
	OpEq: "=", OpNe: "!=", OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<=",
}

func resolveField(alias string, fields map[string]string, field string) (string, error) {
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		if !metadataKey.MatchString(key) {
			return "", apperrors.Validation("query", "invalid metadata key %q", key)
		}
		return fmt.Sprintf("json_extract(%s.metadata, '$.%s')", alias, key), nil
	}
	col, ok := fields[field]
	if !ok {
		return "", apperrors.Validation("query", "unknown field %q", field)
	}
	return col, nil
}

// canonicalTypes validates type names and rewrites them to their stored form.
func canonicalTypes(alias string, v any) (any, error) {
	vals := flattenValues(v)
	for i, x := range vals {
		s, ok := x.(string)
		if !ok {
			continue
		}
		if alias == "n" {
			t, valid := ParseNodeType(s)
			if !valid {
				return nil, apperrors.Validation("query", "unknown node type %q", s)
			}
			vals[i] = t.String()
		} else {
			t, valid := ParseEdgeType(s)
			if !valid {
				return nil, apperrors.Validation("query", "unknown edge type %q", s)
			}
			vals[i] = t.String()
		}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return vals, nil
	}
	return vals[0], nil
}

// flattenValues turns a scalar or any slice into query args. Typed enums
// are converted to their names.
func flattenValues(v any) []any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{normalizeValue(v)}
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, normalizeValue(rv.Index(i).Interface()))
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case NodeType:
		return t.String()
	case EdgeType:
		return t.String()
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// MatchExpression builds an FTS5 expression that matches any term of text.
// Terms of three or more characters also match as prefixes.
func MatchExpression(text string) string {
	terms := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(terms))
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		if len([]rune(t)) < 2 || seen[t] {
			continue
		}
		seen[t] = true
		if len([]rune(t)) >= 3 {
			parts = append(parts, `"`+t+`"*`)
		} else {
			parts = append(parts, `"`+t+`"`)
		}
	}
	return strings.Join(parts, " OR ")
}

func prefixColumns(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// QueryNodes executes a node query. Pruned nodes are excluded unless
// Constraints.IncludePruned is set.
func (db *DB) QueryNodes(ctx context.Context, q GraphQuery) (*NodeResult, error) {
	if q.Target != "" && q.Target != TargetNode {
		return nil, apperrors.Validation("query nodes", "target %q is not node", q.Target)
	}
	c, err := compileFilters("n", nodeFields, q.Filters)
	if err != nil {
		return nil, err
	}

	from := "FROM nodes n"
	var args []any
	score := "0.0"
	if len(c.matchExpr) > 0 {
		from += ` JOIN (SELECT id AS fts_id, rank AS fts_rank FROM node_fts WHERE node_fts MATCH ?) m ON m.fts_id = n.id`
		args = append(args, strings.Join(c.matchExpr, " AND "))
		score = "abs(m.fts_rank) / (1.0 + abs(m.fts_rank))"
	}
	where := c.where
	if !q.Constraints.IncludePruned {
		where = append([]string{"n.is_pruned = 0"}, where...)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, c.whereArgs...)

	var total int
	if err := db.GetContext(ctx, &total, "SELECT COUNT(*) "+from+whereSQL, args...); err != nil {
		return nil, queryError(ctx, "query nodes", err)
	}

	order, err := orderClause(nodeOrder, q.Constraints, len(c.matchExpr) > 0, "n")
	if err != nil {
		return nil, err
	}
	sqlText := "SELECT " + prefixColumns(nodeColumns, "n") + ", " + score + " AS match_score " +
		from + whereSQL + order + " LIMIT ? OFFSET ?"
	args = append(args, limitArg(q.Constraints.Limit), q.Constraints.Offset)

	nodes := []MatchedNode{}
	if err := db.SelectContext(ctx, &nodes, sqlText, args...); err != nil {
		return nil, queryError(ctx, "query nodes", err)
	}
	return &NodeResult{Nodes: nodes, Total: total}, nil
}

// QueryEdges executes an edge query.
func (db *DB) QueryEdges(ctx context.Context, q GraphQuery) (*EdgeResult, error) {
	if q.Target != TargetEdge {
		return nil, apperrors.Validation("query edges", "target %q is not edge", q.Target)
	}
	c, err := compileFilters("e", edgeFields, q.Filters)
	if err != nil {
		return nil, err
	}
	where := c.where
	if !q.Constraints.IncludePruned {
		where = append([]string{"e.is_pruned = 0"}, where...)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}
	args := c.whereArgs

	var total int
	if err := db.GetContext(ctx, &total, "SELECT COUNT(*) FROM edges e"+whereSQL, args...); err != nil {
		return nil, queryError(ctx, "query edges", err)
	}
	order, err := orderClause(edgeOrder, q.Constraints, false, "e")
	if err != nil {
		return nil, err
	}
	edges := []Edge{}
	err = db.SelectContext(ctx, &edges,
		"SELECT "+prefixColumns(edgeColumns, "e")+" FROM edges e"+whereSQL+order+" LIMIT ? OFFSET ?",
		append(args, limitArg(q.Constraints.Limit), q.Constraints.Offset)...)
	if err != nil {
		return nil, queryError(ctx, "query edges", err)
	}
	return &EdgeResult{Edges: edges, Total: total}, nil
}

func orderClause(allowed map[string]string, c Constraints, hasMatch bool, alias string) (string, error) {
	dir := " DESC"
	if c.Ascending {
		dir = " ASC"
	}
	if c.OrderBy != "" {
		col, ok := allowed[c.OrderBy]
		if !ok || (col == "match_score" && !hasMatch) {
			return "", apperrors.Validation("query", "cannot order by %q", c.OrderBy)
		}
		return " ORDER BY " + col + dir + ", " + alias + ".id", nil
	}
	if hasMatch {
		return " ORDER BY match_score" + dir + ", " + alias + ".relevance DESC, " + alias + ".id", nil
	}
	return " ORDER BY " + alias + ".relevance" + dir + ", " + alias + ".created_at DESC, " + alias + ".id", nil
}

func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func queryError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return apperrors.Timeout(op, ctx.Err())
	}
	return apperrors.Storage(op, err)
}
