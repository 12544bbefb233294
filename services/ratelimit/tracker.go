package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const shardCount = 32

// record is one fixed rate window for a key.
type record struct {
	count       int
	windowStart time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Tracker is an in-memory fixed-window rate counter. Windows reset hard: a
// call arriving after the window elapsed always starts a fresh window. Keys
// are sharded so concurrent requests for different principals do not
// serialize on one lock, while per-key mutation stays serialized and the
// count can never exceed the limit within a window.
type Tracker struct {
	shards [shardCount]*shard
	logger *zap.Logger

	// clock is swappable for tests.
	clock func() time.Time
}

// NewTracker creates a new Tracker instance.
func NewTracker(logger *zap.Logger) *Tracker {
	t := &Tracker{logger: logger, clock: time.Now}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[string]*record)}
	}
	return t
}

// Allow reports whether key may proceed under limit-per-period, counting the
// call when it is admitted.
func (t *Tracker) Allow(key string, limit int, period time.Duration) bool {
	now := t.clock()
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || now.Sub(rec.windowStart) > period {
		s.records[key] = &record{count: 1, windowStart: now}
		return true
	}

	if rec.count >= limit {
		return false
	}

	rec.count++
	return true
}

// Len returns the number of tracked keys across all shards.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes records whose window started before now-retention. Stale
// windows reset on their next hit anyway, so sweeping never changes an
// admit/deny outcome; it only bounds memory under high key cardinality.
func (t *Tracker) Sweep(retention time.Duration) int {
	cutoff := t.clock().Add(-retention)
	removed := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for key, rec := range s.records {
			if rec.windowStart.Before(cutoff) {
				delete(s.records, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartSweeper runs periodic sweeps until ctx is cancelled.
func (t *Tracker) StartSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("started rate record sweeper",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if removed := t.Sweep(retention); removed > 0 {
				t.logger.Debug("swept stale rate records", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			t.logger.Info("stopping rate record sweeper")
			return
		}
	}
}

func (t *Tracker) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%shardCount]
}
