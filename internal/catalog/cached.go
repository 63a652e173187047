package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/leapstack-labs/leapfuse/internal/field"
)

// CacheOptions configures a Cached catalog.
type CacheOptions struct {
	// Size is the maximum number of cached table descriptions.
	Size int64
	TTL  time.Duration

	// Concurrency bounds Prefetch; zero means 4.
	Concurrency int

	Logger *slog.Logger
}

// Cached memoizes table descriptions of another catalog. Concurrent
// lookups of the same table share one call to the wrapped catalog.
type Cached struct {
	inner       Catalog
	cache       *theine.Cache[uint64, *Table]
	group       singleflight.Group
	ttl         time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewCached wraps inner with a description cache. Close releases it.
func NewCached(inner Catalog, opts CacheOptions) (*Cached, error) {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	cache, err := theine.NewBuilder[uint64, *Table](opts.Size).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog cache: %w", err)
	}
	return &Cached{
		inner:       inner,
		cache:       cache,
		ttl:         opts.TTL,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}, nil
}

func tableKey(datasource, table string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(datasource)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(table)
	return d.Sum64()
}

func (c *Cached) Datasources(ctx context.Context) ([]string, error) {
	return c.inner.Datasources(ctx)
}

func (c *Cached) Tables(ctx context.Context, datasource string) ([]string, error) {
	return c.inner.Tables(ctx, datasource)
}

// Describe returns a copy of the cached description, loading it on a miss.
func (c *Cached) Describe(ctx context.Context, datasource, table string) (*Table, error) {
	key := tableKey(datasource, table)
	if t, ok := c.cache.Get(key); ok {
		return clone(t), nil
	}

	v, err, shared := c.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		t, err := c.inner.Describe(ctx, datasource, table)
		if err != nil {
			return nil, err
		}
		c.cache.SetWithTTL(key, t, 1, c.ttl)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("catalog miss", slog.String("datasource", datasource), slog.String("table", table), slog.Bool("shared", shared))
	return clone(v.(*Table)), nil
}

// Prefetch describes tables concurrently, warming the cache. The first
// failure cancels the rest.
func (c *Cached) Prefetch(ctx context.Context, datasource string, tables ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, t := range tables {
		g.Go(func() error {
			_, err := c.Describe(gctx, datasource, t)
			return err
		})
	}
	return g.Wait()
}

// Invalidate drops a cached description.
func (c *Cached) Invalidate(datasource, table string) {
	c.cache.Delete(tableKey(datasource, table))
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}

func clone(t *Table) *Table {
	out := *t
	out.Fields = field.Clone(t.Fields)
	return &out
}
