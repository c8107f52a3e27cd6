package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/leaguecore/internal/database"
)

type playerLine struct {
	PlayerID int     `json:"player_id"`
	Name     string  `json:"name"`
	Week     int     `json:"week"`
	Points   float64 `json:"points"`
	Notes    string  `json:"notes"`
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.KeyPrefix = "test:"
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.RemoteTimeout = 200 * time.Millisecond
	return cfg
}

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestManager(t *testing.T, cfg Config, client redis.UniversalClient) *Manager {
	t.Helper()
	m := NewManager(cfg, client, nil, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_SetThenGetReturnsSameValue(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testConfig(), newRedisClient(t, mr))
	ctx := context.Background()

	want := playerLine{PlayerID: 123, Name: "Josh Allen", Week: 4, Points: 31.56}
	require.NoError(t, m.Set(ctx, "player:stats:123:2024:4", want, 5*time.Minute))

	var got playerLine
	found, err := m.Get(ctx, "player:stats:123:2024:4", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Hot.Hits, "served from the fastest tier")
	assert.Zero(t, stats.Remote.Hits)
	assert.True(t, mr.Exists("test:player:stats:123:2024:4"), "remote tier written through")
}

func TestManager_RemoteHitIsPromoted(t *testing.T) {
	mr := miniredis.RunT(t)
	client := newRedisClient(t, mr)
	ctx := context.Background()

	writer := newTestManager(t, testConfig(), client)
	require.NoError(t, writer.Set(ctx, "league:9:standings:2024", []string{"Sharks", "Jets"}, time.Minute))

	reader := newTestManager(t, testConfig(), client)

	got, found, err := Fetch[[]string](ctx, reader, "league:9:standings:2024")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"Sharks", "Jets"}, got)
	assert.Equal(t, int64(1), reader.Stats().Remote.Hits)

	// take the remote tier away; the next read must not need it
	mr.Del("test:league:9:standings:2024")

	got, found, err = Fetch[[]string](ctx, reader, "league:9:standings:2024")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"Sharks", "Jets"}, got)

	stats := reader.Stats()
	assert.Equal(t, int64(1), stats.Hot.Hits)
	assert.Equal(t, int64(1), stats.Remote.Hits, "no second remote round trip")
	assert.Equal(t, 1, stats.Memory.Entries)
}

func TestManager_CompressionRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := newRedisClient(t, mr)
	cfg := testConfig()
	cfg.Compression = true
	ctx := context.Background()

	lines := make([]playerLine, 200)
	for i := range lines {
		lines[i] = playerLine{PlayerID: i, Name: "Player", Week: 4, Points: 12.5, Notes: strings.Repeat("questionable ", 4)}
	}
	payload, err := json.Marshal(lines)
	require.NoError(t, err)
	require.Greater(t, len(payload), cfg.CompressionThreshold)

	writer := newTestManager(t, cfg, client)
	require.NoError(t, writer.Set(ctx, "rankings:wr:2024:4", lines, time.Minute))
	require.NoError(t, writer.Set(ctx, "session:42", map[string]string{"team": "Sharks"}, time.Minute))

	raw, err := mr.Get("test:rankings:wr:2024:4")
	require.NoError(t, err)
	env, _, err := unwrap([]byte(raw))
	require.NoError(t, err)
	assert.True(t, env.Compressed)
	assert.Equal(t, len(payload), env.Size)
	assert.Less(t, len(raw), len(payload))

	small, err := mr.Get("test:session:42")
	require.NoError(t, err)
	smallEnv, _, err := unwrap([]byte(small))
	require.NoError(t, err)
	assert.False(t, smallEnv.Compressed, "values under the threshold are stored as is")

	reader := newTestManager(t, cfg, client)
	got, found, err := Fetch[[]playerLine](ctx, reader, "rankings:wr:2024:4")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, lines, got)
	assert.Equal(t, int64(len(payload)-len(raw)), writer.Stats().CompressionSavings,
		"savings are measured against the stored frame")
}

func TestManager_UncompressedValuesAreStoredVerbatim(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testConfig(), newRedisClient(t, mr))
	ctx := context.Background()

	value := strings.Repeat("x", 900)
	payload, err := json.Marshal(value)
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "session:big", value, time.Minute))

	raw, err := mr.Get("test:session:big")
	require.NoError(t, err)
	assert.Len(t, raw, frameHeaderLen+len(payload))
	assert.True(t, strings.HasSuffix(raw, string(payload)))
	assert.Zero(t, m.Stats().CompressionSavings)
}

func TestManager_MalformedRemoteEntryIsAMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testConfig(), newRedisClient(t, mr))
	ctx := context.Background()

	header := make([]byte, frameHeaderLen)
	header[0] = frameVersion
	header[1] = flagCompressed
	header[18], header[19], header[20], header[21] = 0xFF, 0xFF, 0xFF, 0xFF

	entries := map[string]string{
		"session:7": `{"d":"KLUv/QBYAQAAeA==","c":true,"s":-1}`,
		"session:8": string(header) + "\x28\xb5\x2f\xfd",
	}
	for key, raw := range entries {
		require.NoError(t, mr.Set("test:"+key, raw))
	}

	for key := range entries {
		var v string
		assert.NotPanics(t, func() {
			found, err := m.Get(ctx, key, &v)
			assert.NoError(t, err)
			assert.False(t, found)
		})
	}
	assert.Equal(t, int64(len(entries)), m.Stats().Remote.Errors)
	assert.Equal(t, database.StateClosed, m.Stats().RemoteState, "corrupt entries do not trip the breaker")
}

func TestManager_InvalidatePatternClearsAllTiers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := newRedisClient(t, mr)
	m := newTestManager(t, testConfig(), client)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "player:stats:123:2024:4", 18.2, time.Minute))
	require.NoError(t, m.Set(ctx, "player:stats:123:2024:5", 11.0, time.Minute))
	require.NoError(t, m.Set(ctx, "player:stats:124:2024:4", 7.4, time.Minute))

	require.NoError(t, m.InvalidatePattern(ctx, "player:stats:123:*"))

	var v float64
	found, err := m.Get(ctx, "player:stats:123:2024:4", &v)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("test:player:stats:123:2024:4"))
	assert.False(t, mr.Exists("test:player:stats:123:2024:5"))

	found, err = m.Get(ctx, "player:stats:124:2024:4", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 7.4, v)
	assert.True(t, mr.Exists("test:player:stats:124:2024:4"))

	fresh := newTestManager(t, testConfig(), client)
	found, err = fresh.Get(ctx, "player:stats:123:2024:5", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_DelRemovesFromAllTiers(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testConfig(), newRedisClient(t, mr))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "session:7", "token-less", time.Minute))
	require.NoError(t, m.Del(ctx, "session:7"))

	var s string
	found, err := m.Get(ctx, "session:7", &s)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("test:session:7"))
}

func TestManager_RemoteTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := newRedisClient(t, mr)
	ctx := context.Background()

	writer := newTestManager(t, testConfig(), client)
	require.NoError(t, writer.Set(ctx, "league:1:scores:2024:4", 21, time.Second))
	assert.Equal(t, time.Second, mr.TTL("test:league:1:scores:2024:4"))

	mr.FastForward(2 * time.Second)

	reader := newTestManager(t, testConfig(), client)
	var n int
	found, err := reader.Get(ctx, "league:1:scores:2024:4", &n)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_ExpiredEnvelopeIsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testConfig(), newRedisClient(t, mr))

	past := time.Now().Add(-time.Hour)
	raw, err := wrap([]byte(`"stale"`), time.Minute, false, 1024, past)
	require.NoError(t, err)
	require.NoError(t, mr.Set("test:league:3:draft:1", string(raw)))

	var s string
	found, err := m.Get(context.Background(), "league:3:draft:1", &s)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("test:league:3:draft:1"))
}

func TestManager_RemoteFailureDegradesToMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.HealthInterval = time.Hour
	cfg.Breaker = database.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}
	m := newTestManager(t, cfg, newRedisClient(t, mr))
	ctx := context.Background()
	require.True(t, m.Stats().RemoteHealthy)

	mr.SetError("LOADING server is loading")

	require.NoError(t, m.Set(ctx, "league:5:roster:2", []int{1, 2, 3}, time.Minute), "remote write failure is not fatal")

	var roster []int
	found, err := m.Get(ctx, "league:5:roster:2", &roster)
	require.NoError(t, err)
	assert.True(t, found, "in-process tiers still serve")
	assert.Equal(t, []int{1, 2, 3}, roster)

	var missing string
	found, err = m.Get(ctx, "session:unknown", &missing)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, int64(2), m.Stats().Remote.Errors)

	require.NoError(t, m.InvalidatePattern(ctx, "league:5:*"))
	require.NoError(t, m.Del(ctx, "session:unknown"))
	assert.Equal(t, 2, m.Stats().PendingDeletes, "deletes skipped by the open breaker are queued")
}

func TestManager_HealthLoopTracksRemote(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	m := newTestManager(t, cfg, newRedisClient(t, mr))
	ctx := context.Background()
	require.True(t, m.Stats().RemoteHealthy)

	mr.SetError("LOADING server is loading")
	require.Eventually(t, func() bool { return !m.Stats().RemoteHealthy }, time.Second, 5*time.Millisecond)

	// an unhealthy remote tier is skipped, not counted as an error
	require.NoError(t, m.Set(ctx, "session:5", "s", time.Minute))
	assert.Zero(t, m.Stats().Remote.Errors)
	assert.False(t, mr.Exists("test:session:5"))

	mr.SetError("")
	require.Eventually(t, func() bool { return m.Stats().RemoteHealthy }, time.Second, 5*time.Millisecond)
}

func TestManager_DeletesWhileUnhealthyAreReplayed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := newRedisClient(t, mr)
	cfg := testConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.Breaker = database.BreakerConfig{FailureThreshold: 100, OpenTimeout: time.Minute}
	m := newTestManager(t, cfg, client)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "session:9", "old", time.Minute))
	require.NoError(t, m.Set(ctx, "league:5:roster:1", []int{1}, time.Minute))
	require.NoError(t, m.Set(ctx, "league:6:roster:1", []int{2}, time.Minute))

	mr.SetError("LOADING server is loading")
	require.Eventually(t, func() bool { return !m.Stats().RemoteHealthy }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Del(ctx, "session:9"))
	require.NoError(t, m.InvalidatePattern(ctx, "league:5:*"))
	assert.Equal(t, 2, m.Stats().PendingDeletes)

	mr.SetError("")
	require.Eventually(t, func() bool {
		return m.Stats().RemoteHealthy && m.Stats().PendingDeletes == 0
	}, time.Second, 5*time.Millisecond)

	assert.False(t, mr.Exists("test:session:9"))
	assert.False(t, mr.Exists("test:league:5:roster:1"))
	assert.True(t, mr.Exists("test:league:6:roster:1"))

	var s string
	found, err := m.Get(ctx, "session:9", &s)
	require.NoError(t, err)
	assert.False(t, found, "deleted value does not come back from the remote tier")

	fresh := newTestManager(t, cfg, client)
	found, err = fresh.Get(ctx, "session:9", &s)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPendingDeletes_CollapsesWhenFull(t *testing.T) {
	var p pendingDeletes
	p.addKey("session:1")
	p.addKey("session:1")
	p.addPattern("league:1:*")
	assert.Equal(t, 2, p.len())

	for i := 0; i < maxPendingDeletes; i++ {
		p.addKey(fmt.Sprintf("session:%d", i))
	}
	keys, patterns := p.drain()
	assert.Empty(t, keys)
	assert.Equal(t, []string{"*"}, patterns)
	assert.Zero(t, p.len())

	p.addKey("session:2")
	keys, patterns = p.drain()
	assert.Equal(t, []string{"session:2"}, keys)
	assert.Empty(t, patterns)
}

func TestManager_RemoteBreakerOpensAfterFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.HealthInterval = time.Hour
	cfg.Breaker = database.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}
	m := newTestManager(t, cfg, newRedisClient(t, mr))
	ctx := context.Background()

	require.True(t, m.Stats().RemoteHealthy)
	mr.SetError("ERR backend down")

	var v int
	for i := 0; i < 2; i++ {
		found, err := m.Get(ctx, fmt.Sprintf("league:%d:scores:2024:1", i), &v)
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, database.StateOpen, m.Stats().RemoteState)
	assert.Equal(t, database.StateOpen, m.RemoteBreaker().State())

	errorsBefore := m.Stats().Remote.Errors
	found, err := m.Get(ctx, "league:9:scores:2024:1", &v)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, errorsBefore, m.Stats().Remote.Errors, "open breaker skips the remote tier")
}

func TestManager_InProcessOnly(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "session:1", map[string]any{"user": "coach"}, time.Minute))
	got, found, err := Fetch[map[string]any](ctx, m, "session:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "coach", got["user"])

	require.NoError(t, m.InvalidatePattern(ctx, "session:*"))
	_, found, err = Fetch[map[string]any](ctx, m, "session:1")
	require.NoError(t, err)
	assert.False(t, found)

	stats := m.Stats()
	assert.False(t, stats.RemoteEnabled)
	assert.Nil(t, m.RemoteBreaker())
}

func TestManager_TierTTLsAreClamped(t *testing.T) {
	cfg := testConfig()
	cfg.HotMaxTTL = 30 * time.Millisecond
	m := newTestManager(t, cfg, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "rankings:qb:2024:4", "list", time.Hour))
	time.Sleep(50 * time.Millisecond)

	var s string
	found, err := m.Get(ctx, "rankings:qb:2024:4", &s)
	require.NoError(t, err)
	assert.True(t, found)

	stats := m.Stats()
	assert.Zero(t, stats.Hot.Hits, "hot entry outlived its tier maximum")
	assert.Equal(t, int64(1), stats.Memory.Hits)

	require.NoError(t, m.Set(ctx, "league:2:draft:1", "board", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	found, err = m.Get(ctx, "league:2:draft:1", &s)
	require.NoError(t, err)
	assert.False(t, found, "requested TTL shorter than the tier maximum is honoured")
}

func TestManager_RejectsMalformedInput(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	var v int
	_, err := m.Get(ctx, "", &v)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = m.Get(ctx, "league 1", &v)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = m.Get(ctx, "league:*", &v)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = m.Get(ctx, "league:1", nil)
	assert.ErrorIs(t, err, ErrInvalidDestination)
	_, err = m.Get(ctx, "league:1", v)
	assert.ErrorIs(t, err, ErrInvalidDestination)

	assert.ErrorIs(t, m.Set(ctx, "league:1", func() {}, time.Minute), ErrInvalidValue)
	assert.ErrorIs(t, m.Del(ctx, strings.Repeat("k", maxKeyLen+1)), ErrInvalidKey)
	assert.ErrorIs(t, m.InvalidatePattern(ctx, "league:[12]:*"), ErrInvalidPattern)
	assert.ErrorIs(t, m.InvalidatePattern(ctx, ""), ErrInvalidPattern)
}

func TestManager_DecodeMismatchIsAMiss(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "session:9", "not a number", time.Minute))
	var n int
	found, err := m.Get(ctx, "session:9", &n)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(1), m.Stats().Hot.Errors)
}

func TestRemember_LoadsOnceForConcurrentMisses(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	var loads atomic.Int64
	loader := func(context.Context) (int, error) {
		loads.Add(1)
		time.Sleep(100 * time.Millisecond)
		return 42, nil
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, err := Remember(ctx, m, "league:4:standings:2024", time.Minute, loader)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), loads.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}

	v, err := Remember(ctx, m, "league:4:standings:2024", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int64(1), loads.Load(), "later calls are served from cache")
}

func TestRemember_LoaderErrorIsNotCached(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	errDown := fmt.Errorf("stats provider down")
	_, err := Remember(ctx, m, "player:stats:1:2024:1", time.Minute, func(context.Context) (float64, error) {
		return 0, errDown
	})
	assert.ErrorIs(t, err, errDown)

	_, found, err := Fetch[float64](ctx, m, "player:stats:1:2024:1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_InvalidationBroadcastReachesPeers(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.InvalidationBroadcast = true
	ctx := context.Background()

	a := newTestManager(t, cfg, newRedisClient(t, mr))
	b := newTestManager(t, cfg, newRedisClient(t, mr))

	require.NoError(t, b.Set(ctx, "league:8:roster:1", []int{4}, time.Minute))
	require.NoError(t, b.Set(ctx, "league:8:scores:2024:3", 17, time.Minute))
	require.NoError(t, b.Set(ctx, "session:3", "x", time.Minute))
	require.Equal(t, 3, b.memory.Len())

	require.NoError(t, a.Del(ctx, "session:3"))
	require.Eventually(t, func() bool { return b.memory.Len() == 2 && b.hot.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.InvalidatePattern(ctx, "league:8:*"))
	require.Eventually(t, func() bool { return b.memory.Len() == 0 && b.hot.Len() == 0 }, time.Second, 5*time.Millisecond)
}
