package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// testClock is a settable clock shared by every engine under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var epoch = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// testConfig is the default configuration with an in-memory store,
// embeddings off and metrics on.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Semantic.Embeddings.Provider = "none"
	return cfg
}

func newTestGraph(t *testing.T, cfg config.Config, clock *testClock, opts ...Option) *MemoryGraph {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop()), WithClock(clock.Now)}, opts...)
	g, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, g.Initialize(context.Background()))
	t.Cleanup(func() { g.Close() })
	return g
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func insertNodes(t *testing.T, db *store.DB, nodes ...*store.Node) {
	t.Helper()
	for _, n := range nodes {
		require.NoError(t, db.CreateNode(context.Background(), n))
	}
}
