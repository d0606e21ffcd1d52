// Package guard serializes occupancy-changing work per provider and
// calendar-day bucket. Within one instance a keyed mutex queues competing
// bookings; across instances the storage layer adds a Postgres advisory
// lock on the same keys inside the transaction.
package guard

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed hands out one mutex per key and collects idle entries, so the lock
// table stays bounded by the number of in-flight bookings.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{locks: map[string]*entry{}}
}

// Do runs fn while holding every key. Keys are deduplicated and acquired in
// sorted order so two calls over overlapping key sets cannot deadlock.
// Acquisition respects ctx cancellation while queued.
func (k *Keyed) Do(ctx context.Context, keys []string, fn func() error) error {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, key)
	}
	sort.Strings(uniq)

	held := make([]*entry, 0, len(uniq))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		for _, key := range uniq[:len(held)] {
			k.put(key)
		}
	}

	for _, key := range uniq {
		e := k.get(key)
		if err := k.lockWithContext(ctx, key, e); err != nil {
			release()
			return err
		}
		held = append(held, e)
	}
	defer release()

	return fn()
}

func (k *Keyed) get(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) put(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.locks, key)
	}
}

func (k *Keyed) lockWithContext(ctx context.Context, key string, e *entry) error {
	acquired := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		// The goroutine will still take the mutex eventually; release it and
		// drop the reference only once it arrives, so the entry cannot be
		// recycled while a stale acquisition is pending.
		go func() {
			<-acquired
			e.mu.Unlock()
			k.put(key)
		}()
		return ctx.Err()
	}
}

// DayKeys returns the lock keys for a provider and the UTC calendar days an
// interval touches. An interval crossing midnight locks both days.
func DayKeys(providerID string, start, end time.Time) []string {
	keys := []string{}
	day := start.UTC().Truncate(24 * time.Hour)
	last := end.UTC().Add(-time.Nanosecond).Truncate(24 * time.Hour)
	for !day.After(last) {
		keys = append(keys, providerID+"|"+day.Format("2006-01-02"))
		day = day.AddDate(0, 0, 1)
	}
	if len(keys) == 0 {
		keys = append(keys, providerID+"|"+start.UTC().Format("2006-01-02"))
	}
	return keys
}
