package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
)

// ---- Cache entries ----

type cacheRepo struct {
	s *Store
}

func (r *cacheRepo) Get(ctx context.Context, key string) (*store.CacheEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	entry, ok := r.s.cache[key]
	if !ok {
		return nil, store.NotFound("cache entry", key)
	}
	return snapshot(entry)
}

func (r *cacheRepo) Put(ctx context.Context, entry *store.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return core.NewError(fmt.Errorf("cache entry requires a key"), core.CodeInvalidArgument, nil)
	}
	copied, err := snapshot(entry)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	r.s.cache[entry.Key] = copied
	return nil
}

func (r *cacheRepo) Delete(ctx context.Context, key string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	delete(r.s.cache, key)
	return nil
}

func (r *cacheRepo) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return 0, err
	}
	var removed int64
	for key := range r.s.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.s.cache, key)
			removed++
		}
	}
	return removed, nil
}

func (r *cacheRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var removed int64
	for key, entry := range r.s.cache {
		if entry.Expired(now) {
			delete(r.s.cache, key)
			removed++
		}
	}
	return removed, nil
}

func (r *cacheRepo) Clear(ctx context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return 0, err
	}
	removed := int64(len(r.s.cache))
	r.s.cache = make(map[string]*store.CacheEntry)
	return removed, nil
}

func (r *cacheRepo) Count(ctx context.Context) (int64, int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return 0, 0, err
	}
	var entries, bytes int64
	for _, entry := range r.s.cache {
		entries++
		bytes += int64(len(entry.Value))
	}
	return entries, bytes, nil
}

// ---- Metrics ----

type metricsRepo struct {
	s *Store
}

func (r *metricsRepo) Record(ctx context.Context, sample *store.MetricSample) error {
	if sample == nil || sample.Name == "" {
		return core.NewError(fmt.Errorf("metric sample requires a name"), core.CodeInvalidArgument, nil)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	day := sample.Day
	if day == "" {
		day = store.Day(time.Now())
	}
	key := day + "\x00" + sample.Name
	rollup, ok := r.s.metrics[key]
	if !ok {
		rollup = &store.MetricRollup{Day: day, Name: sample.Name}
		r.s.metrics[key] = rollup
	}
	rollup.Count += sample.Count
	rollup.Sum += sample.Sum
	return nil
}

func (r *metricsRepo) Rollup(ctx context.Context, days int) ([]*store.MetricRollup, error) {
	if days <= 0 {
		days = 1
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	cutoff := store.Day(time.Now().AddDate(0, 0, -(days - 1)))
	var out []*store.MetricRollup
	for _, rollup := range r.s.metrics {
		if rollup.Day < cutoff {
			continue
		}
		copied, err := snapshot(rollup)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day > out[j].Day
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
