package resampler

import (
	"context"

	"github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/xsync"
)

// Cache lazily builds one Resampler per distinct {src, dst} format pair
// and drops instances that have sat idle for more than idleThreshold.
type Cache struct {
	mu            xsync.Mutex
	idleThreshold int64 // seconds
	byKey         map[cacheEntryKey]*cacheEntry
	clock         func() int64
}

type cacheEntryKey struct {
	src Format
	dst Format
}

type cacheEntry struct {
	resampler  *Resampler
	lastUsedAt int64
}

// NewCache returns an empty resampler cache pruning instances idle for
// more than idleThresholdSeconds (5, per the spec). clock returns the
// current wall-clock time in seconds; callers pass one in rather than
// this package reaching for time.Now so that prune timing is testable.
func NewCache(idleThresholdSeconds int64, clock func() int64) *Cache {
	return &Cache{
		idleThreshold: idleThresholdSeconds,
		byKey:         make(map[cacheEntryKey]*cacheEntry),
		clock:         clock,
	}
}

// Get returns the cached resampler for src->dst, creating it on first use.
func (c *Cache) Get(ctx context.Context, src, dst Format) (*Resampler, error) {
	return xsync.DoA3R2(ctx, &c.mu, c.getLocked, ctx, src, dst)
}

func (c *Cache) getLocked(ctx context.Context, src, dst Format) (*Resampler, error) {
	key := cacheEntryKey{src: src, dst: dst}
	now := c.clock()
	if e, ok := c.byKey[key]; ok {
		e.lastUsedAt = now
		return e.resampler, nil
	}

	r, err := New(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	c.byKey[key] = &cacheEntry{resampler: r, lastUsedAt: now}
	return r, nil
}

// Prune closes and drops every resampler idle for longer than the cache's
// idle threshold.
func (c *Cache) Prune(ctx context.Context) error {
	return xsync.DoA1R1(ctx, &c.mu, c.pruneLocked, ctx)
}

func (c *Cache) pruneLocked(ctx context.Context) error {
	now := c.clock()
	for key, e := range c.byKey {
		if !Prune(now-e.lastUsedAt, c.idleThreshold) {
			continue
		}
		logger.Debugf(ctx, "pruning idle resampler %s", e.resampler)
		if err := e.resampler.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close resampler %s: %v", e.resampler, err)
		}
		delete(c.byKey, key)
	}
	return nil
}

// Close closes every cached resampler.
func (c *Cache) Close(ctx context.Context) error {
	return xsync.DoA1R1(ctx, &c.mu, func(ctx context.Context) error {
		for key, e := range c.byKey {
			if err := e.resampler.Close(ctx); err != nil {
				logger.Errorf(ctx, "unable to close resampler %s: %v", e.resampler, err)
			}
			delete(c.byKey, key)
		}
		return nil
	}, ctx)
}
