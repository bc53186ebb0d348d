// Package database also provides a Redis-backed portfolio snapshot cache.
// The drawdown check reads snapshots every cycle; Redis keeps that hot path
// off Postgres. When Redis is unavailable the store falls back to an
// in-memory buffer so risk checks keep working, just without cross-process
// sharing.
package database

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// snapshotKey is the sorted set of portfolio values, scored by unix time
	snapshotKey = "arena:portfolio:snapshots"

	// snapshotTTL bounds how long snapshots are retained; the drawdown
	// window is 24h, so 3 days leaves ample slack
	snapshotTTL = 3 * 24 * time.Hour

	redisOpTimeout = 2 * time.Second
)

type memorySnapshot struct {
	value   float64
	takenAt time.Time
}

// SnapshotStore caches timestamped portfolio values in Redis with an
// in-memory fallback.
type SnapshotStore struct {
	client   *redis.Client
	logger   zerolog.Logger
	degraded atomic.Bool

	mu     sync.RWMutex
	memory []memorySnapshot
}

// NewSnapshotStore creates a snapshot store. client may be nil, in which
// case the store runs memory-only.
func NewSnapshotStore(client *redis.Client, logger zerolog.Logger) *SnapshotStore {
	s := &SnapshotStore{
		client: client,
		logger: logger.With().Str("component", "snapshot_store").Logger(),
	}
	if client == nil {
		s.degraded.Store(true)
	}
	return s
}

// Save records a portfolio value at the current time
func (s *SnapshotStore) Save(ctx context.Context, totalValue float64) error {
	now := time.Now()

	s.mu.Lock()
	s.memory = append(s.memory, memorySnapshot{value: totalValue, takenAt: now})
	s.trimMemoryLocked(now)
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	member := fmt.Sprintf("%d:%s", now.UnixNano(), strconv.FormatFloat(totalValue, 'f', -1, 64))
	pipe := s.client.Pipeline()
	pipe.ZAdd(opCtx, snapshotKey, redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.ZRemRangeByScore(opCtx, snapshotKey, "0", strconv.FormatInt(now.Add(-snapshotTTL).Unix(), 10))
	pipe.Expire(opCtx, snapshotKey, snapshotTTL)
	if _, err := pipe.Exec(opCtx); err != nil {
		s.markDegraded(err)
		return nil // memory fallback already holds the snapshot
	}
	s.markHealthy()
	return nil
}

// ValueAt returns the newest snapshot taken at or before t, ok=false when
// none exists in either store.
func (s *SnapshotStore) ValueAt(ctx context.Context, t time.Time) (float64, bool, error) {
	if s.client != nil {
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		members, err := s.client.ZRevRangeByScore(opCtx, snapshotKey, &redis.ZRangeBy{
			Min:    "0",
			Max:    strconv.FormatInt(t.Unix(), 10),
			Count:  1,
			Offset: 0,
		}).Result()
		cancel()
		if err == nil {
			s.markHealthy()
			if len(members) > 0 {
				if value, ok := parseSnapshotMember(members[0]); ok {
					return value, true, nil
				}
			}
			// Redis reachable but empty: fall through to memory
		} else {
			s.markDegraded(err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.memory) - 1; i >= 0; i-- {
		if !s.memory[i].takenAt.After(t) {
			return s.memory[i].value, true, nil
		}
	}
	return 0, false, nil
}

// Degraded reports whether the store is running on the memory fallback
func (s *SnapshotStore) Degraded() bool {
	return s.degraded.Load()
}

func (s *SnapshotStore) markDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn().Err(err).Msg("redis unavailable, snapshot store running on memory fallback")
	}
}

func (s *SnapshotStore) markHealthy() {
	if s.client != nil && s.degraded.CompareAndSwap(true, false) {
		s.logger.Info().Msg("redis recovered, snapshot store back to shared mode")
	}
}

// trimMemoryLocked drops expired entries; caller holds mu
func (s *SnapshotStore) trimMemoryLocked(now time.Time) {
	cutoff := now.Add(-snapshotTTL)
	idx := sort.Search(len(s.memory), func(i int) bool {
		return s.memory[i].takenAt.After(cutoff)
	})
	if idx > 0 {
		s.memory = append(s.memory[:0:0], s.memory[idx:]...)
	}
}

func parseSnapshotMember(member string) (float64, bool) {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	value, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
