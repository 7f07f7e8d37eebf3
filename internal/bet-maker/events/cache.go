package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

// EventSource returns the authoritative catalog.
type EventSource interface {
	FetchAll(ctx context.Context) ([]events.Event, error)
}

// Cache mirrors the line-provider catalog as one snapshot. The snapshot is
// replaced as a whole; entries never expire one by one.
type Cache struct {
	src        EventSource
	maxEntries int
	ttl        time.Duration
	log        *zap.Logger

	Now func() time.Time
	// FetchTimeout bounds a shared refresh, which outlives the caller that
	// started it.
	FetchTimeout time.Duration

	mu          sync.RWMutex
	snapshot    map[int64]events.Event
	refreshedAt time.Time

	group singleflight.Group

	OnRefresh      func(size int) // metrics
	OnRefreshError func()         // metrics
}

// NewCache builds an empty cache. maxEntries <= 0 means unbounded.
func NewCache(src EventSource, maxEntries int, ttl time.Duration, log *zap.Logger) *Cache {
	return &Cache{
		src:        src,
		maxEntries: maxEntries,
		ttl:        ttl,
		log:        log,
		Now:        time.Now,

		FetchTimeout: 10 * time.Second,
	}
}

// Lookup returns the event with the given id. A stale or empty snapshot is
// refreshed first; a miss on a snapshot this call did not refresh forces one
// more refresh before giving up with ErrNotFound.
func (c *Cache) Lookup(ctx context.Context, id int64) (events.Event, error) {
	refreshed := false
	if c.stale() {
		if _, err := c.Refresh(ctx); err != nil {
			return events.Event{}, err
		}
		refreshed = true
	}
	if ev, ok := c.get(id); ok {
		return ev, nil
	}
	if !refreshed {
		c.log.Debug("event cache miss, refreshing", zap.Int64("event_id", id))
		if _, err := c.Refresh(ctx); err != nil {
			return events.Event{}, err
		}
		if ev, ok := c.get(id); ok {
			return ev, nil
		}
	}
	return events.Event{}, fmt.Errorf("event %d: %w", id, apperr.ErrNotFound)
}

// Refresh fetches the catalog and swaps the snapshot. Concurrent callers
// share one fetch; it runs detached from any single caller, and each caller
// stops waiting when its own ctx is done. The returned slice is the catalog
// as fetched, before any size bound is applied.
func (c *Cache) Refresh(ctx context.Context) ([]events.Event, error) {
	ch := c.group.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.FetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]events.Event), nil
	}
}

func (c *Cache) fetch(ctx context.Context) ([]events.Event, error) {
	all, err := c.src.FetchAll(ctx)
	if err != nil {
		if c.OnRefreshError != nil {
			c.OnRefreshError()
		}
		c.log.Warn("event cache refresh failed", zap.Error(err))
		return nil, err
	}

	kept := c.bound(all)
	next := make(map[int64]events.Event, len(kept))
	for _, ev := range kept {
		next[ev.EventID] = ev
	}

	c.mu.Lock()
	c.snapshot = next
	c.refreshedAt = c.Now()
	c.mu.Unlock()

	if c.OnRefresh != nil {
		c.OnRefresh(len(next))
	}
	c.log.Debug("event cache refreshed", zap.Int("fetched", len(all)), zap.Int("kept", len(next)))
	return all, nil
}

// Len is the size of the current snapshot.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshot)
}

func (c *Cache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshot) == 0 || c.Now().Sub(c.refreshedAt) >= c.ttl
}

func (c *Cache) get(id int64) (events.Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ev, ok := c.snapshot[id]
	return ev, ok
}

// bound keeps the maxEntries events with the latest deadlines; those are the
// ones still open for bets the longest.
func (c *Cache) bound(all []events.Event) []events.Event {
	if c.maxEntries <= 0 || len(all) <= c.maxEntries {
		return all
	}
	sorted := make([]events.Event, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Deadline > sorted[j].Deadline })
	return sorted[:c.maxEntries]
}
