// Package cache memoizes task reads behind a small read-through port.
//
// Two key spaces exist: listing pages under ListingSpace and single tasks under
// TaskSpace. Values are stored JSON encoded by every backend, so a hit decodes to
// exactly what a miss would have returned.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	ListingSpace = "listing:"
	TaskSpace    = "task:"
)

// Store is a byte-oriented backend with expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Stats tracks cache statistics.
type Stats struct {
	Hits    atomic.Uint64
	Misses  atomic.Uint64
	Sets    atomic.Uint64
	Deletes atomic.Uint64
	Errors  atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Backend string  `json:"backend"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Deletes uint64  `json:"deletes"`
	Errors  uint64  `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Cache implements read-through and invalidation over a Store.
// Backend failures are logged and counted, never returned from reads.
type Cache struct {
	store   Store
	backend string
	ttl     time.Duration
	log     logrus.FieldLogger
	group   singleflight.Group
	gen     atomic.Uint64
	stats   Stats
}

func New(store Store, backend string, ttl time.Duration, log logrus.FieldLogger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{store: store, backend: backend, ttl: ttl, log: log.WithField("component", "cache")}
}

// TaskKey is the key of a single task read.
func TaskKey(id int64) string {
	return TaskSpace + strconv.FormatInt(id, 10)
}

// ListingKey digests the criteria map. encoding/json sorts map keys, so equal
// criteria always produce the same key.
func ListingKey(criteria map[string]any) string {
	data, _ := json.Marshal(criteria)
	sum := md5.Sum(data)
	return ListingSpace + hex.EncodeToString(sum[:])
}

// ReadThrough decodes the cached value of key into dest, or calls compute, stores
// its result and decodes that. Concurrent misses on one key share a computation.
func (c *Cache) ReadThrough(ctx context.Context, key string, dest any, compute func(ctx context.Context) (any, error)) error {
	data, found, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.stats.Errors.Add(1)
		c.log.WithError(err).WithField("key", key).Warn("cache get failed")
	case found:
		if err := json.Unmarshal(data, dest); err == nil {
			c.stats.Hits.Add(1)
			return nil
		}
		c.stats.Errors.Add(1)
		c.log.WithField("key", key).Warn("cache entry undecodable, recomputing")
	}
	c.stats.Misses.Add(1)

	gen := c.gen.Load()
	// The shared computation ignores caller cancellation; each caller stops
	// waiting on its own ctx.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		val, err := compute(shared)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		// An invalidation during compute means val may predate the mutation.
		if c.gen.Load() != gen {
			return encoded, nil
		}
		if err := c.store.Set(shared, key, encoded, c.ttl); err != nil {
			c.stats.Errors.Add(1)
			c.log.WithError(err).WithField("key", key).Warn("cache set failed")
			return encoded, nil
		}
		c.stats.Sets.Add(1)
		// Invalidate bumps the generation before deleting, so a bump seen here may
		// have deleted ahead of the Set above.
		if c.gen.Load() != gen {
			if err := c.store.Delete(shared, key); err != nil {
				c.stats.Errors.Add(1)
				c.log.WithError(err).WithField("key", key).Warn("cache delete of stale entry failed")
			}
		}
		return encoded, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return res.Err
	}
	return json.Unmarshal(res.Val.([]byte), dest)
}

// Invalidate evicts the given keys.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c.gen.Add(1)
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.stats.Errors.Add(1)
		return fmt.Errorf("cache delete: %w", err)
	}
	c.stats.Deletes.Add(uint64(len(keys)))
	return nil
}

// InvalidateAll flushes the listing key space.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	c.gen.Add(1)
	if err := c.store.DeletePrefix(ctx, ListingSpace); err != nil {
		c.stats.Errors.Add(1)
		return fmt.Errorf("cache flush listings: %w", err)
	}
	c.stats.Deletes.Add(1)
	return nil
}

func (c *Cache) Stats() StatsSnapshot {
	s := StatsSnapshot{
		Backend: c.backend,
		Hits:    c.stats.Hits.Load(),
		Misses:  c.stats.Misses.Load(),
		Sets:    c.stats.Sets.Load(),
		Deletes: c.stats.Deletes.Load(),
		Errors:  c.stats.Errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) Close() error {
	return c.store.Close()
}
