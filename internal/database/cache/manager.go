// Package cache provides a three-tier read-through cache: a small hot LRU,
// a bounded in-process memory tier and an optional Redis tier. Remote
// failures degrade to misses; only malformed input is reported to callers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Aidin1998/leaguecore/internal/database"
	applog "github.com/Aidin1998/leaguecore/pkg/logger"
	"github.com/Aidin1998/leaguecore/pkg/metrics"
)

// Tier names used in stats and metric labels.
const (
	TierHot    = "hot"
	TierMemory = "memory"
	TierRemote = "remote"
)

// RemoteBreakerName names the breaker guarding the remote tier.
const RemoteBreakerName = "cache.remote"

var (
	ErrInvalidKey         = errors.New("cache: invalid key")
	ErrInvalidPattern     = errors.New("cache: invalid pattern")
	ErrInvalidDestination = errors.New("cache: destination must be a non-nil pointer")
	ErrInvalidValue       = errors.New("cache: value cannot be serialized")
)

// TierStats holds counters for one tier.
type TierStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Hot                TierStats             `json:"hot"`
	Memory             TierStats             `json:"memory"`
	Remote             TierStats             `json:"remote"`
	MemoryBytes        int64                 `json:"memory_bytes"`
	Evictions          int64                 `json:"evictions"`
	RemoteEnabled      bool                  `json:"remote_enabled"`
	RemoteHealthy      bool                  `json:"remote_healthy"`
	RemoteState        database.BreakerState `json:"remote_state"`
	CompressionSavings int64                 `json:"compression_savings_bytes"`
	PendingDeletes     int                   `json:"pending_remote_deletes"`
}

type tierCounters struct {
	hits, misses, errors atomic.Int64
}

func (c *tierCounters) snapshot(entries int) TierStats {
	s := TierStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Errors:  c.errors.Load(),
		Entries: entries,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// invalidation is the message exchanged between instances sharing a remote tier.
type invalidation struct {
	Origin  string `json:"o"`
	Key     string `json:"k,omitempty"`
	Pattern string `json:"p,omitempty"`
}

// Manager provides unified cache access across the three tiers. A single
// Manager is shared by every caller in the process.
type Manager struct {
	cfg Config

	hot    *hotTier
	memory *memoryTier
	remote *remoteTier
	client redis.UniversalClient

	breaker *database.Breaker
	healthy atomic.Bool
	pending pendingDeletes

	counters map[string]*tierCounters
	recorder *metrics.Recorder
	logger   *zap.SugaredLogger

	group singleflight.Group

	instanceID string
	channel    string
	pubsub     *redis.PubSub

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a cache manager. remote may be nil, in which case only
// the in-process tiers are used.
func NewManager(cfg Config, remote redis.UniversalClient, recorder *metrics.Recorder, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	logger = applog.OrNop(logger)
	if recorder == nil {
		recorder = metrics.NewRecorder(metrics.DefaultRecorderConfig(), nil, logger)
	}
	named := logger.Named("cache")

	m := &Manager{
		cfg:    cfg,
		hot:    newHotTier(cfg.HotMaxEntries, cfg.HotMaxTTL),
		memory: newMemoryTier(cfg.MemoryMaxEntries, cfg.MemoryMaxBytes, cfg.MemoryMaxTTL, cfg.SweepInterval),
		counters: map[string]*tierCounters{
			TierHot:    {},
			TierMemory: {},
			TierRemote: {},
		},
		recorder:   recorder,
		logger:     named.Sugar(),
		instanceID: uuid.NewString(),
		channel:    cfg.KeyPrefix + "invalidate",
		stop:       make(chan struct{}),
	}

	if remote != nil {
		m.client = remote
		m.remote = newRemoteTier(remote, cfg.KeyPrefix, cfg.Compression, cfg.CompressionThreshold)
		m.breaker = database.NewBreaker(RemoteBreakerName, cfg.Breaker, named)
		m.healthy.Store(true)
		m.checkHealth()

		m.wg.Add(1)
		go m.healthLoop()

		if cfg.InvalidationBroadcast {
			m.subscribe()
		}
	}

	m.logger.Infow("Cache manager initialized",
		"hot_max_entries", cfg.HotMaxEntries,
		"memory_max_entries", cfg.MemoryMaxEntries,
		"memory_max_bytes", cfg.MemoryMaxBytes,
		"remote", remote != nil,
		"compression", cfg.Compression,
		"compression_threshold", cfg.CompressionThreshold,
	)
	return m
}

// Get looks key up in the hot, memory and remote tiers in that order and
// decodes the first hit into dest, backfilling the faster tiers. Tier
// failures are logged and reported as a miss.
func (m *Manager) Get(ctx context.Context, key string, dest any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := checkDestination(dest); err != nil {
		return false, err
	}

	payload, tier, found := m.lookup(ctx, key)
	if !found {
		return false, nil
	}

	if err := decodeValue(payload, dest); err != nil {
		m.recordError(tier)
		m.logger.Warnw("Cached value could not be decoded, treating as miss",
			"key", key, "tier", tier, "error", err)
		return false, nil
	}
	return true, nil
}

func (m *Manager) lookup(ctx context.Context, key string) ([]byte, string, bool) {
	if data, ok := m.hot.Get(key); ok {
		m.recordHit(TierHot)
		return data, TierHot, true
	}
	m.recordMiss(TierHot)

	if data, remaining, ok := m.memory.Get(key); ok {
		m.recordHit(TierMemory)
		m.hot.Set(key, data, remaining)
		return data, TierMemory, true
	}
	m.recordMiss(TierMemory)

	if !m.remoteAvailable() {
		return nil, "", false
	}

	var (
		data      []byte
		remaining time.Duration
		found     bool
		badEntry  error
	)
	err := m.remoteCall(ctx, func(ctx context.Context) error {
		var err error
		data, remaining, found, err = m.remote.Get(ctx, key)
		if errors.Is(err, errMalformedEnvelope) {
			// the tier answered; a corrupt entry does not count against the breaker
			badEntry = err
			return nil
		}
		return err
	})
	if err == nil && badEntry != nil {
		err = badEntry
	}
	switch {
	case errors.Is(err, database.ErrCircuitOpen):
		return nil, "", false
	case err != nil:
		m.recordError(TierRemote)
		m.logger.Warnw("Remote cache get failed", "key", key, "error", err)
		return nil, "", false
	case !found:
		m.recordMiss(TierRemote)
		return nil, "", false
	}

	m.recordHit(TierRemote)
	m.memory.Set(key, data, remaining)
	m.hot.Set(key, data, remaining)
	return data, TierRemote, true
}

// Set writes value through the hot and memory tiers and, when it is healthy,
// the remote tier. A non-positive ttl takes each tier's maximum; the remote
// tier then uses the memory tier maximum. Remote failures are logged only.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	payload, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	m.hot.Set(key, payload, ttl)
	m.memory.Set(key, payload, ttl)

	if !m.remoteAvailable() {
		return nil
	}

	remoteTTL := ttl
	if remoteTTL <= 0 {
		remoteTTL = m.cfg.MemoryMaxTTL
	}
	err = m.remoteCall(ctx, func(ctx context.Context) error {
		return m.remote.Set(ctx, key, payload, remoteTTL)
	})
	if err != nil && !errors.Is(err, database.ErrCircuitOpen) {
		m.recordError(TierRemote)
		m.logger.Warnw("Failed to set in remote cache", "key", key, "error", err)
	}
	return nil
}

// Del removes key from every tier.
func (m *Manager) Del(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.hot.Delete(key)
	m.memory.Delete(key)

	if m.remote != nil {
		if err := m.remoteDelete(ctx, key); err != nil {
			m.pending.addKey(key)
			if !errors.Is(err, database.ErrCircuitOpen) {
				m.recordError(TierRemote)
				m.logger.Warnw("Failed to delete from remote cache, queued for retry", "key", key, "error", err)
			}
		}
	}

	m.publish(ctx, invalidation{Key: key})
	return nil
}

// InvalidatePattern removes every key matching the glob pattern from all
// tiers. Patterns support '*' and '?'.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) error {
	if err := validatePattern(pattern); err != nil {
		return err
	}

	hot := m.hot.DeleteMatching(pattern)
	memory := m.memory.DeleteMatching(pattern)

	remote := 0
	if m.remote != nil {
		n, err := m.remoteDeleteMatching(ctx, pattern)
		remote = n
		if err != nil {
			m.pending.addPattern(pattern)
			if !errors.Is(err, database.ErrCircuitOpen) {
				m.recordError(TierRemote)
				m.logger.Warnw("Failed to invalidate pattern in remote cache, queued for retry", "pattern", pattern, "error", err)
			}
		}
	}

	m.logger.Debugw("Pattern invalidated",
		"pattern", pattern, "hot", hot, "memory", memory, "remote", remote)

	m.publish(ctx, invalidation{Pattern: pattern})
	return nil
}

// Stats returns per-tier counters and sizes.
func (m *Manager) Stats() Stats {
	s := Stats{
		Hot:           m.counters[TierHot].snapshot(m.hot.Len()),
		Memory:        m.counters[TierMemory].snapshot(m.memory.Len()),
		Remote:        m.counters[TierRemote].snapshot(0),
		MemoryBytes:   m.memory.Size(),
		Evictions:     m.memory.Evictions(),
		RemoteEnabled: m.remote != nil,
	}
	if m.remote != nil {
		s.RemoteHealthy = m.healthy.Load()
		s.RemoteState = m.breaker.State()
		s.CompressionSavings = m.remote.CompressionSavings()
		s.PendingDeletes = m.pending.len()
	}
	return s
}

// RemoteBreaker returns the breaker guarding the remote tier, or nil when the
// manager has no remote tier.
func (m *Manager) RemoteBreaker() *database.Breaker {
	return m.breaker
}

// Close stops background work. The Redis client is owned by the caller and
// is left open.
func (m *Manager) Close() error {
	var err error
	m.stopOnce.Do(func() {
		m.logger.Info("Shutting down cache manager...")
		close(m.stop)
		if m.pubsub != nil {
			err = m.pubsub.Close()
		}
		m.wg.Wait()
		m.memory.Close()
		if m.breaker != nil {
			m.breaker.Stop()
		}
		m.logger.Info("Cache manager shutdown complete")
	})
	return err
}

func (m *Manager) remoteAvailable() bool {
	return m.remote != nil && m.healthy.Load() && m.breaker.Allow()
}

// remoteCall runs op through the remote breaker with the per-call timeout.
func (m *Manager) remoteCall(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
	defer cancel()
	return m.breaker.Execute(ctx, op)
}

func (m *Manager) remoteDelete(ctx context.Context, key string) error {
	return m.remoteCall(ctx, func(ctx context.Context) error {
		return m.remote.Delete(ctx, key)
	})
}

// remoteDeleteMatching runs a pattern delete through the breaker. Scans may
// walk the whole keyspace, so they get the caller's deadline rather than the
// per-call remote timeout.
func (m *Manager) remoteDeleteMatching(ctx context.Context, pattern string) (int, error) {
	removed := 0
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		n, err := m.remote.DeleteMatching(ctx, pattern)
		removed = n
		return err
	})
	return removed, err
}

// replayDeletes retries remote deletes that failed while the tier was
// unreachable. Anything that fails again stays queued.
func (m *Manager) replayDeletes(ctx context.Context) {
	keys, patterns := m.pending.drain()
	if len(keys) == 0 && len(patterns) == 0 {
		return
	}

	failed := 0
	for _, pattern := range patterns {
		if _, err := m.remoteDeleteMatching(ctx, pattern); err != nil {
			m.pending.addPattern(pattern)
			failed++
		}
	}
	for _, key := range keys {
		if err := m.remoteDelete(ctx, key); err != nil {
			m.pending.addKey(key)
			failed++
		}
	}

	m.logger.Infow("Replayed queued remote deletes",
		"keys", len(keys), "patterns", len(patterns), "failed", failed)
}

// healthLoop pings the remote tier every HealthInterval, marking it unhealthy
// on failure so get and set skip it.
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RemoteTimeout)
	defer cancel()

	err := m.remote.Ping(ctx)
	wasHealthy := m.healthy.Swap(err == nil)
	switch {
	case err != nil && wasHealthy:
		m.logger.Warnw("Remote cache unhealthy, skipping it until the next successful ping", "error", err)
	case err == nil && !wasHealthy:
		m.logger.Infow("Remote cache recovered")
	}

	if err == nil {
		replayCtx, cancel := context.WithTimeout(context.Background(), max(m.cfg.HealthInterval, m.cfg.RemoteTimeout))
		defer cancel()
		m.replayDeletes(replayCtx)
	}
}

func (m *Manager) subscribe() {
	m.pubsub = m.client.Subscribe(context.Background(), m.channel)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RemoteTimeout)
	defer cancel()
	if _, err := m.pubsub.Receive(ctx); err != nil {
		m.logger.Warnw("Invalidation subscription not confirmed", "channel", m.channel, "error", err)
	}

	ch := m.pubsub.Channel()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stop:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				m.applyInvalidation(msg.Payload)
			}
		}
	}()
}

// applyInvalidation drops in-process entries named by a peer. The remote
// tier has already been cleared by the publisher.
func (m *Manager) applyInvalidation(payload string) {
	var inv invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		m.logger.Warnw("Malformed invalidation message", "error", err)
		return
	}
	if inv.Origin == m.instanceID {
		return
	}

	switch {
	case inv.Key != "":
		m.hot.Delete(inv.Key)
		m.memory.Delete(inv.Key)
	case inv.Pattern != "":
		if validatePattern(inv.Pattern) != nil {
			return
		}
		m.hot.DeleteMatching(inv.Pattern)
		m.memory.DeleteMatching(inv.Pattern)
	}
	m.logger.Debugw("Applied peer invalidation", "key", inv.Key, "pattern", inv.Pattern)
}

func (m *Manager) publish(ctx context.Context, inv invalidation) {
	if m.pubsub == nil || !m.remoteAvailable() {
		return
	}
	inv.Origin = m.instanceID

	data, err := json.Marshal(inv)
	if err != nil {
		return
	}
	err = m.remoteCall(ctx, func(ctx context.Context) error {
		return m.client.Publish(ctx, m.channel, data).Err()
	})
	if err != nil && !errors.Is(err, database.ErrCircuitOpen) {
		m.logger.Warnw("Failed to publish invalidation", "channel", m.channel, "error", err)
	}
}

func (m *Manager) recordHit(tier string) {
	m.counters[tier].hits.Add(1)
	m.recorder.CacheHit(tier)
}

func (m *Manager) recordMiss(tier string) {
	m.counters[tier].misses.Add(1)
	m.recorder.CacheMiss(tier)
}

func (m *Manager) recordError(tier string) {
	m.counters[tier].errors.Add(1)
	m.recorder.CacheError(tier)
}

// Fetch is a typed Get.
func Fetch[T any](ctx context.Context, m *Manager, key string) (T, bool, error) {
	var v T
	found, err := m.Get(ctx, key, &v)
	return v, found, err
}

// Remember returns the cached value for key or loads, stores and returns it.
// Concurrent misses for the same key share one loader call.
func Remember[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, error) {
	v, found, err := Fetch[T](ctx, m, key)
	if err != nil || found {
		return v, err
	}

	res, err, _ := m.group.Do(key, func() (any, error) {
		loaded, err := loader(ctx)
		if err != nil {
			return loaded, err
		}
		if err := m.Set(ctx, key, loaded, ttl); err != nil {
			return loaded, err
		}
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	loaded, _ := res.(T)
	return loaded, nil
}
