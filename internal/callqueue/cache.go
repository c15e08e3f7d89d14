package callqueue

import (
	"context"
	"sync"
	"time"
)

// CachedStore wraps a Store with a process-local read-through cache. Per
// SPEC_FULL.md §4.1 / spec.md §9 redesign notes, the cache is never the
// source of truth: every write goes to the wrapped Store first and only
// then updates (or invalidates) the cache entry, and reads that miss fall
// through to the Store.
type CachedStore struct {
	Store
	cache sync.Map // id -> CallJob
}

func NewCachedStore(inner Store) *CachedStore {
	return &CachedStore{Store: inner}
}

func (c *CachedStore) Get(ctx context.Context, id string) (CallJob, error) {
	if v, ok := c.cache.Load(id); ok {
		return v.(CallJob), nil
	}
	job, err := c.Store.Get(ctx, id)
	if err != nil {
		return CallJob{}, err
	}
	c.cache.Store(id, job)
	return job, nil
}

func (c *CachedStore) Update(ctx context.Context, id string, patch Patch) (CallJob, error) {
	job, err := c.Store.Update(ctx, id, patch)
	if err != nil {
		// A failed write must not leave a stale cache entry behind.
		c.cache.Delete(id)
		return CallJob{}, err
	}
	c.cache.Store(id, job)
	return job, nil
}

func (c *CachedStore) Release(ctx context.Context, id string) error {
	if err := c.Store.Release(ctx, id); err != nil {
		return err
	}
	c.cache.Delete(id)
	return nil
}

func (c *CachedStore) Schedule(ctx context.Context, id string, at time.Time) error {
	if err := c.Store.Schedule(ctx, id, at); err != nil {
		return err
	}
	c.cache.Delete(id)
	return nil
}

func (c *CachedStore) Enqueue(ctx context.Context, id string) error {
	if err := c.Store.Enqueue(ctx, id); err != nil {
		return err
	}
	c.cache.Delete(id)
	return nil
}

func (c *CachedStore) PopReady(ctx context.Context, n, maxConcurrent int) ([]string, error) {
	ids, err := c.Store.PopReady(ctx, n, maxConcurrent)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c.cache.Delete(id)
	}
	return ids, nil
}

func (c *CachedStore) PromoteDue(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := c.Store.PromoteDue(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c.cache.Delete(id)
	}
	return ids, nil
}

func (c *CachedStore) EvictTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := c.Store.EvictTerminalBefore(ctx, cutoff)
	if err != nil {
		return n, err
	}
	c.cache.Range(func(k, v any) bool {
		if j := v.(CallJob); j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			c.cache.Delete(k)
		}
		return true
	})
	return n, nil
}

func (c *CachedStore) Put(ctx context.Context, job CallJob) (PutOutcome, error) {
	outcome, err := c.Store.Put(ctx, job)
	if err != nil {
		return outcome, err
	}
	if outcome == PutCreated {
		c.cache.Store(job.ID, job)
	}
	return outcome, nil
}
