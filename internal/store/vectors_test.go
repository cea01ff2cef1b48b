package store

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEmbedding(t *testing.T) {
	original := []float64{1.0, -0.5, 0.333, math.Pi, 0.0}
	decoded := decodeEmbedding(encodeEmbedding(original))
	assert.Equal(t, original, decoded)
}

func TestSaveAndGetVector(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	n := newNode("vectorized")
	require.NoError(t, db.CreateNode(ctx, n))

	require.NoError(t, db.SaveVector(ctx, n.ID, []float64{0.1, 0.2, 0.3}, "test-model"))
	require.NoError(t, db.SaveVector(ctx, n.ID, []float64{0.4, 0.5, 0.6, 0.7}, "test-model"))

	v, err := db.GetVector(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "test-model", v.Model)
	assert.Equal(t, 4, v.Dimensions)
	assert.Equal(t, []float64{0.4, 0.5, 0.6, 0.7}, v.Embedding)

	all, err := db.AllVectors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	byID, err := db.VectorsFor(ctx, []string{n.ID, "other"})
	require.NoError(t, err)
	assert.Len(t, byID, 1)

	require.NoError(t, db.DeleteVector(ctx, n.ID))
	v, err = db.GetVector(ctx, n.ID)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNodesMissingVectors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a, b := newNode("has vector"), newNode("needs vector")
	require.NoError(t, db.CreateNode(ctx, a))
	require.NoError(t, db.CreateNode(ctx, b))
	require.NoError(t, db.SaveVector(ctx, a.ID, []float64{1}, "m"))

	missing, err := db.NodesMissingVectors(ctx, "m", 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, b.ID, missing[0].ID)

	// a different model counts as missing
	missing, err = db.NodesMissingVectors(ctx, "other", 10)
	require.NoError(t, err)
	assert.Len(t, missing, 2)
}
