package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ingest.ClusterOnIngest = false
	clock := newTestClock(epoch.Add(time.Hour))
	src := newTestGraph(t, cfg, clock)

	res, err := src.ProcessEvents(ctx, []BaseEvent{
		browserEvent("ev-1", epoch, "github.com/lazypower/memgraph", "memgraph source code"),
		browserEvent("ev-2", epoch.Add(time.Second), "github.com/lazypower/memgraph/pulls", "memgraph code review"),
	})
	require.NoError(t, err)
	require.Positive(t, res.EdgesCreated)
	require.NoError(t, src.RecordInteraction(ctx, InteractionRequest{NodeID: "ev-1"}))

	data, err := src.Export(ctx, FormatJSON)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, SnapshotVersion, snap.Metadata.Version)
	assert.Equal(t, 2, snap.Metadata.NodeCount)
	assert.Equal(t, len(snap.Edges), snap.Metadata.EdgeCount)
	assert.Equal(t, clock.Now().UnixMilli(), snap.Metadata.ExportedAt)
	assert.Positive(t, snap.Metadata.SchemaVersion)

	dst := newTestGraph(t, cfg, clock)
	ir, err := dst.Import(ctx, FormatJSON, data)
	require.NoError(t, err)
	assert.Empty(t, ir.Errors)
	assert.Equal(t, 2, ir.NodesImported)
	assert.Equal(t, len(snap.Edges), ir.EdgesImported)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, 2, ir.EventsMapped)

	// event ids still resolve after the import
	require.NoError(t, dst.RecordInteraction(ctx, InteractionRequest{NodeID: "ev-2", Kind: "click"}))
	stats, err := dst.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Interactions)

	for _, want := range snap.Nodes {
		got, err := dst.db.GetNode(ctx, want.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Content, got.Content)
		assert.InDelta(t, want.RelevanceScore, got.RelevanceScore, 1e-9)
		assert.Equal(t, want.AccessCount, got.AccessCount)
	}

	qr, err := dst.Query(ctx, "memgraph", "")
	require.NoError(t, err)
	assert.Len(t, qr.Results, 2)

	again, err := dst.Import(ctx, FormatJSON, data)
	require.NoError(t, err)
	assert.Zero(t, again.NodesImported)
	assert.Zero(t, again.EdgesImported)
	assert.Zero(t, again.EventsMapped)
	assert.Len(t, again.Errors, 4, "two nodes and two event mappings collide")
}

func TestExportImportKeepsPrunedItems(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ingest.ClusterOnIngest = false
	clock := newTestClock(epoch.Add(time.Hour))
	src := newTestGraph(t, cfg, clock)

	res, err := src.ProcessEvents(ctx, []BaseEvent{
		browserEvent("ev-1", epoch, "github.com/lazypower/memgraph", "memgraph source code"),
		browserEvent("ev-2", epoch.Add(time.Second), "github.com/lazypower/memgraph/pulls", "memgraph code review"),
		browserEvent("ev-3", epoch.Add(2*time.Second), "github.com/lazypower/memgraph/issues", "memgraph code issues"),
	})
	require.NoError(t, err)
	require.Len(t, res.NodeIDs, 3)
	_, prunedEdges, err := src.db.SoftPruneNodes(ctx, []string{res.NodeIDs[0]})
	require.NoError(t, err)
	require.Positive(t, prunedEdges)
	srcNodes, srcEdges, err := src.db.CountActive(ctx)
	require.NoError(t, err)

	data, err := src.Export(ctx, FormatJSON)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 3, snap.Metadata.NodeCount)

	dst := newTestGraph(t, cfg, clock)
	ir, err := dst.Import(ctx, FormatJSON, data)
	require.NoError(t, err)
	assert.Empty(t, ir.Errors)
	assert.Equal(t, len(snap.Nodes), ir.NodesImported)
	assert.Equal(t, len(snap.Edges), ir.EdgesImported)

	dstNodes, dstEdges, err := dst.db.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, srcNodes, dstNodes)
	assert.Equal(t, srcEdges, dstEdges)
	dangling, err := dst.db.DanglingEdges(ctx)
	require.NoError(t, err)
	assert.Zero(t, dangling)

	pruned, err := dst.db.GetNode(ctx, res.NodeIDs[0])
	require.NoError(t, err)
	require.NotNil(t, pruned)
	assert.True(t, pruned.IsPruned)
}

func TestExportYAML(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, testConfig(), newTestClock(epoch))
	_, err := g.ProcessEvents(ctx, []BaseEvent{browserEvent("ev-1", epoch, "go.dev", "Go")})
	require.NoError(t, err)
	waitBackground(t, g)

	data, err := g.Export(ctx, FormatYAML)
	require.NoError(t, err)
	var snap struct {
		Nodes    []map[string]any `yaml:"nodes"`
		Metadata SnapshotMetadata `yaml:"metadata"`
	}
	require.NoError(t, yaml.Unmarshal(data, &snap))
	assert.Len(t, snap.Nodes, 1)
	assert.Equal(t, 1, snap.Metadata.NodeCount)

	_, err = g.Import(ctx, FormatYAML, data)
	assert.True(t, apperrors.IsUnsupportedFormat(err))
}

func TestExportImportErrors(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, testConfig(), newTestClock(epoch))

	_, err := g.Export(ctx, "xml")
	assert.True(t, apperrors.IsUnsupportedFormat(err))
	_, err = g.Import(ctx, "csv", []byte("a,b"))
	assert.True(t, apperrors.IsUnsupportedFormat(err))
	_, err = g.Import(ctx, FormatJSON, []byte("{not json"))
	assert.True(t, apperrors.IsValidation(err))

	res, err := g.Import(ctx, FormatJSON, []byte(`{"nodes":[],"edges":[{"id":"e1","sourceId":"missing","targetId":"gone","type":"semantic","weight":1}]}`))
	require.NoError(t, err)
	assert.Zero(t, res.EdgesImported)
	assert.Len(t, res.Errors, 1)
}
