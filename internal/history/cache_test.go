package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/internal/backend/backendtest"
	"github.com/scanshop/companion-sync/pkg/config"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedFetcher blocks each fetch until release is closed.
type gatedFetcher struct {
	next    Fetcher
	started chan struct{}
	release chan struct{}
}

func (g *gatedFetcher) FetchPurchaseHistory(ctx context.Context, userID string) ([]backend.PurchaseRecord, error) {
	g.started <- struct{}{}
	<-g.release
	return g.next.FetchPurchaseHistory(ctx, userID)
}

func newCache(t *testing.T, fetcher Fetcher, cfg config.HistoryConfig) (*Cache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	c, err := NewCache(Params{Fetcher: fetcher, Config: cfg, Now: clk.Now})
	require.NoError(t, err)
	return c, clk
}

func seeded() *backendtest.Fake {
	fake := backendtest.New()
	fake.History["u1"] = []backend.PurchaseRecord{
		{Code: "TOR-100", Description: "Tornillo acero"},
		{Code: "ARA-300", Description: "Arandela nylon"},
	}
	return fake
}

func TestMissFetchesAndFilters(t *testing.T) {
	fake := seeded()
	c, _ := newCache(t, fake, config.HistoryConfig{})

	res, err := c.GetUserHistory(context.Background(), "u1", Filters{Code: "ara"})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "ARA-300", res.Records[0].Code)

	res, err = c.GetUserHistory(context.Background(), "u1", Filters{})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.False(t, res.Stale)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1, fake.CallCount("FetchPurchaseHistory"))
}

func TestStaleHitServesAndRefreshes(t *testing.T) {
	fake := seeded()
	c, clk := newCache(t, fake, config.HistoryConfig{})
	ctx := context.Background()

	_, err := c.GetUserHistory(ctx, "u1", Filters{})
	require.NoError(t, err)

	fake.Update(func(f *backendtest.Fake) {
		f.History["u1"] = append(f.History["u1"], backend.PurchaseRecord{Code: "NEW-1", Description: "Nuevo"})
	})
	clk.Advance(6 * time.Minute)

	res, err := c.GetUserHistory(ctx, "u1", Filters{})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Len(t, res.Records, 2)

	c.Wait()
	res, err = c.GetUserHistory(ctx, "u1", Filters{})
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, 2, fake.CallCount("FetchPurchaseHistory"))
}

func TestExpiredEntryFetchesSynchronously(t *testing.T) {
	fake := seeded()
	c, clk := newCache(t, fake, config.HistoryConfig{})
	ctx := context.Background()

	_, err := c.GetUserHistory(ctx, "u1", Filters{})
	require.NoError(t, err)
	clk.Advance(16 * time.Minute)

	res, err := c.GetUserHistory(ctx, "u1", Filters{})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, fake.CallCount("FetchPurchaseHistory"))
}

func TestMissFailureReturnsError(t *testing.T) {
	fake := seeded()
	fake.HistoryErr = backendtest.Unreachable("fetch history")
	c, _ := newCache(t, fake, config.HistoryConfig{})

	_, err := c.GetUserHistory(context.Background(), "u1", Filters{})
	require.Error(t, err)
	assert.True(t, backend.IsUnreachable(err))
	assert.Zero(t, c.Stats().Size)
}

func TestBlankUserIsValidationError(t *testing.T) {
	c, _ := newCache(t, seeded(), config.HistoryConfig{})
	_, err := c.GetUserHistory(context.Background(), " ", Filters{})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestEvictsOldestInserted(t *testing.T) {
	fake := backendtest.New()
	c, _ := newCache(t, fake, config.HistoryConfig{MaxEntries: 2})
	ctx := context.Background()

	for _, u := range []string{"a", "b"} {
		_, err := c.GetUserHistory(ctx, u, Filters{})
		require.NoError(t, err)
	}
	// Reading "a" must not protect it from eviction.
	_, err := c.GetUserHistory(ctx, "a", Filters{})
	require.NoError(t, err)
	_, err = c.GetUserHistory(ctx, "c", Filters{})
	require.NoError(t, err)

	_, ok := c.peek("a")
	assert.False(t, ok)
	_, ok = c.peek("b")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Stats().Size)
}

func TestInvalidateDuringFetchDiscardsResult(t *testing.T) {
	fake := seeded()
	gated := &gatedFetcher{next: fake, started: make(chan struct{}, 1), release: make(chan struct{})}
	c, _ := newCache(t, gated, config.HistoryConfig{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.GetUserHistory(ctx, "u1", Filters{})
		done <- err
	}()
	<-gated.started
	c.InvalidateUser("u1")
	close(gated.release)
	require.NoError(t, <-done)

	_, ok := c.peek("u1")
	assert.False(t, ok, "fetch started before invalidation must not repopulate the entry")
}

func TestClearAllResetsStats(t *testing.T) {
	c, _ := newCache(t, seeded(), config.HistoryConfig{})
	ctx := context.Background()
	_, _ = c.GetUserHistory(ctx, "u1", Filters{})
	_, _ = c.GetUserHistory(ctx, "u1", Filters{})

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Queries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)

	c.ClearAll()
	assert.Equal(t, Stats{}, c.Stats())
}

func TestPreloadWarmsEntry(t *testing.T) {
	fake := seeded()
	c, _ := newCache(t, fake, config.HistoryConfig{})

	c.Preload(context.Background(), "u1")
	c.Wait()
	res, err := c.GetUserHistory(context.Background(), "u1", Filters{})
	require.NoError(t, err)
	assert.True(t, res.FromCache)

	c.Preload(context.Background(), "u1")
	c.Wait()
	assert.Equal(t, 1, fake.CallCount("FetchPurchaseHistory"))
}

func TestBackgroundRefreshFailureKeepsEntry(t *testing.T) {
	fake := seeded()
	c, clk := newCache(t, fake, config.HistoryConfig{})
	ctx := context.Background()
	_, err := c.GetUserHistory(ctx, "u1", Filters{})
	require.NoError(t, err)

	fake.Update(func(f *backendtest.Fake) { f.HistoryErr = errors.New("timeout") })
	clk.Advance(6 * time.Minute)
	_, err = c.GetUserHistory(ctx, "u1", Filters{})
	require.NoError(t, err)
	c.Wait()

	res, err := c.GetUserHistory(ctx, "u1", Filters{})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Len(t, res.Records, 2)
}

func TestNewCacheRequiresFetcher(t *testing.T) {
	_, err := NewCache(Params{})
	assert.Error(t, err)
}
