package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/pkg/config"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
	"github.com/scanshop/companion-sync/pkg/metrics"
)

// Fetcher loads a user's purchase history from the backend.
type Fetcher interface {
	FetchPurchaseHistory(ctx context.Context, userID string) ([]backend.PurchaseRecord, error)
}

// Result is a filtered history read.
type Result struct {
	Records   []backend.PurchaseRecord `json:"records"`
	FetchedAt time.Time                `json:"fetched_at"`
	FromCache bool                     `json:"from_cache"`
	Stale     bool                     `json:"stale"`
}

// Stats are cumulative counters since start or the last ClearAll.
type Stats struct {
	Queries   int64   `json:"queries"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Refreshes int64   `json:"refreshes"`
	HitRate   float64 `json:"hit_rate"`
	Size      int     `json:"size"`
}

type entry struct {
	records   []backend.PurchaseRecord
	fetchedAt time.Time
}

// generation identifies the cache state a fetch started from. A fetch whose
// generation no longer matches is discarded.
type generation struct {
	epoch uint64
	user  uint64
}

// Params wires a Cache.
type Params struct {
	Fetcher Fetcher
	Config  config.HistoryConfig
	Logger  *logger.Logger
	Metrics *metrics.SyncMetrics
	Now     func() time.Time
}

// Cache is a bounded, per-user stale-while-revalidate cache of purchase
// history.
type Cache struct {
	fetcher        Fetcher
	ttl            time.Duration
	refreshAfter   time.Duration
	refreshTimeout time.Duration
	logg           *logger.Logger
	metrics        *metrics.SyncMetrics
	now            func() time.Time

	mu          sync.Mutex
	entries     *lru.Cache[string, entry]
	epoch       uint64
	generations map[string]uint64

	group singleflight.Group
	bg    sync.WaitGroup

	queries   atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	refreshes atomic.Int64
}

// NewCache builds a cache. Zero config values fall back to 15m TTL, 5m
// refresh threshold and 100 entries.
func NewCache(p Params) (*Cache, error) {
	if p.Fetcher == nil {
		return nil, errors.New("history fetcher required")
	}
	cfg := p.Config
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.RefreshAfter <= 0 || cfg.RefreshAfter > cfg.TTL {
		cfg.RefreshAfter = min(5*time.Minute, cfg.TTL)
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	entries, err := lru.New[string, entry](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		fetcher:        p.Fetcher,
		ttl:            cfg.TTL,
		refreshAfter:   cfg.RefreshAfter,
		refreshTimeout: cfg.RefreshTimeout,
		logg:           p.Logger,
		metrics:        p.Metrics,
		now:            now,
		entries:        entries,
		generations:    map[string]uint64{},
	}, nil
}

// GetUserHistory returns the filtered history for userID. Fresh entries are
// served locally; entries past the refresh threshold are served and
// refreshed in the background; expired or missing entries are fetched.
func (c *Cache) GetUserHistory(ctx context.Context, userID string, f Filters) (Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	c.queries.Add(1)

	if e, ok := c.peek(userID); ok {
		age := c.now().Sub(e.fetchedAt)
		if age < c.ttl {
			c.hits.Add(1)
			stale := age >= c.refreshAfter
			if stale {
				c.metrics.IncCacheLookup("stale")
				c.refreshAsync(ctx, userID)
			} else {
				c.metrics.IncCacheLookup("hit")
			}
			records, err := Apply(ctx, e.records, f)
			if err != nil {
				return Result{}, err
			}
			return Result{Records: records, FetchedAt: e.fetchedAt, FromCache: true, Stale: stale}, nil
		}
	}

	c.misses.Add(1)
	c.metrics.IncCacheLookup("miss")
	e, err := c.fetch(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	records, err := Apply(ctx, e.records, f)
	if err != nil {
		return Result{}, err
	}
	return Result{Records: records, FetchedAt: e.fetchedAt}, nil
}

// Preload warms the entry for userID in the background unless it is fresh.
func (c *Cache) Preload(ctx context.Context, userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	if e, ok := c.peek(userID); ok && c.now().Sub(e.fetchedAt) < c.refreshAfter {
		return
	}
	c.refreshAsync(ctx, userID)
}

// InvalidateUser drops the user's entry. A fetch already in flight for the
// user will not repopulate it.
func (c *Cache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[userID]++
	c.entries.Remove(userID)
}

// ClearAll drops every entry and resets the counters.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.epoch++
	c.generations = map[string]uint64{}
	c.entries.Purge()
	c.mu.Unlock()

	c.queries.Store(0)
	c.hits.Store(0)
	c.misses.Store(0)
	c.refreshes.Store(0)
}

func (c *Cache) Stats() Stats {
	s := Stats{
		Queries:   c.queries.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Refreshes: c.refreshes.Load(),
		Size:      c.entries.Len(),
	}
	if s.Queries > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Queries)
	}
	return s
}

// Wait blocks until background refreshes finish.
func (c *Cache) Wait() {
	c.bg.Wait()
}

// peek reads without touching recency so eviction stays insertion ordered.
func (c *Cache) peek(userID string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Peek(userID)
}

func (c *Cache) current(userID string) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation{epoch: c.epoch, user: c.generations[userID]}
}

// fetch shares one backend call among callers that observed the same
// generation. Callers arriving after an invalidation start a new call.
func (c *Cache) fetch(ctx context.Context, userID string) (entry, error) {
	gen := c.current(userID)
	key := fmt.Sprintf("%s#%d.%d", userID, gen.epoch, gen.user)
	v, err, _ := c.group.Do(key, func() (any, error) {
		records, err := c.fetcher.FetchPurchaseHistory(ctx, userID)
		if err != nil {
			return entry{}, err
		}
		e := entry{records: records, fetchedAt: c.now()}
		c.storeIfCurrent(userID, gen, e)
		return e, nil
	})
	if err != nil {
		return entry{}, err
	}
	return v.(entry), nil
}

func (c *Cache) storeIfCurrent(userID string, gen generation, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != gen.epoch || c.generations[userID] != gen.user {
		return
	}
	// Remove first so a refreshed entry counts as newly inserted.
	c.entries.Remove(userID)
	c.entries.Add(userID, e)
}

func (c *Cache) refreshAsync(parent context.Context, userID string) {
	c.refreshes.Add(1)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.refreshTimeout)
		defer cancel()
		if _, err := c.fetch(ctx, userID); err != nil && c.logg != nil {
			c.logg.Warn(c.logg.WithFields(ctx, map[string]any{
				"user_id": userID,
				"error":   err.Error(),
			}), "background history refresh failed")
		}
	}()
}
