package cache

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTier_EvictsLeastRecentlyUsedInBackground(t *testing.T) {
	tier := newMemoryTier(2, 1<<20, time.Minute, time.Hour)
	defer tier.Close()

	tier.Set("a", []byte("1"), time.Minute)
	tier.Set("b", []byte("2"), time.Minute)
	_, _, ok := tier.Get("a") // a becomes most recently used
	require.True(t, ok)
	tier.Set("c", []byte("3"), time.Minute)

	require.Eventually(t, func() bool { return tier.Len() == 2 }, time.Second, 5*time.Millisecond)
	_, _, ok = tier.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	_, _, ok = tier.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), tier.Evictions())
}

func TestMemoryTier_ByteBound(t *testing.T) {
	entry := itemSize("k0", make([]byte, 100))
	tier := newMemoryTier(100, 3*entry, time.Minute, time.Hour)
	defer tier.Close()

	for _, k := range []string{"k0", "k1", "k2", "k3", "k4"} {
		tier.Set(k, make([]byte, 100), time.Minute)
	}
	require.Eventually(t, func() bool { return tier.Size() <= 3*entry }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, tier.Len())
	_, _, ok := tier.Get("k4")
	assert.True(t, ok)
}

func TestMemoryTier_SweepDropsExpired(t *testing.T) {
	tier := newMemoryTier(10, 1<<20, time.Minute, 5*time.Millisecond)
	defer tier.Close()

	tier.Set("short", []byte("x"), 10*time.Millisecond)
	tier.Set("long", []byte("y"), time.Minute)
	require.Eventually(t, func() bool { return tier.Len() == 1 }, time.Second, 5*time.Millisecond)

	_, remaining, ok := tier.Get("long")
	assert.True(t, ok)
	assert.Greater(t, remaining, 50*time.Second)
}

func TestMemoryTier_OverwriteTracksSize(t *testing.T) {
	tier := newMemoryTier(10, 1<<20, time.Minute, time.Hour)
	defer tier.Close()

	tier.Set("k", make([]byte, 10), time.Minute)
	tier.Set("k", make([]byte, 30), time.Minute)
	assert.Equal(t, itemSize("k", make([]byte, 30)), tier.Size())
	tier.Delete("k")
	assert.Zero(t, tier.Size())
}

func TestHotTier_DeleteMatching(t *testing.T) {
	tier := newHotTier(10, time.Minute)
	tier.Set("league:1:scores:2024:1", []byte("1"), time.Minute)
	tier.Set("league:1:draft:7", []byte("2"), time.Minute)
	tier.Set("league:2:draft:7", []byte("3"), time.Minute)

	assert.Equal(t, 2, tier.DeleteMatching("league:1:*"))
	assert.Equal(t, 1, tier.Len())
	_, ok := tier.Get("league:2:draft:7")
	assert.True(t, ok)
}

func TestPatternMatching(t *testing.T) {
	assert.True(t, matchKey("player:stats:123:2024:4", "player:stats:123:*"))
	assert.False(t, matchKey("player:stats:1234:2024:4", "player:stats:123:*"))
	assert.True(t, matchKey("rankings:wr:2024:4", "rankings:??:2024:*"))
	assert.False(t, matchKey("rankings:qb:2023:4", "rankings:*:2024:*"))

	assert.NoError(t, validatePattern("league:*"))
	assert.ErrorIs(t, validatePattern(`league:\*`), ErrInvalidPattern)
	assert.ErrorIs(t, validatePattern("league:[0-9]"), ErrInvalidPattern)
	assert.ErrorIs(t, validatePattern("league: *"), ErrInvalidPattern)
}

func TestWrapUnwrap(t *testing.T) {
	now := time.Now()
	big := bytes.Repeat([]byte(`{"player":"x","pts":1},`), 100)

	raw, err := wrap(big, time.Minute, true, 1024, now)
	require.NoError(t, err)
	env, payload, err := unwrap(raw)
	require.NoError(t, err)
	assert.True(t, env.Compressed)
	assert.Equal(t, big, payload)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), env.ExpiresAt)
	assert.False(t, env.expired(now))
	assert.True(t, env.expired(now.Add(2*time.Minute)))

	raw, err = wrap(big, 0, false, 1024, now)
	require.NoError(t, err)
	env, payload, err = unwrap(raw)
	require.NoError(t, err)
	assert.False(t, env.Compressed)
	assert.Equal(t, big, payload)
	assert.False(t, env.expired(now.Add(time.Hour)), "entries without expiry never expire")
	assert.Len(t, raw, frameHeaderLen+len(big), "raw payloads are stored without re-encoding")

	_, _, err = unwrap([]byte("not a frame"))
	assert.ErrorIs(t, err, errMalformedEnvelope)
}

func TestUnwrapRejectsMalformedFrames(t *testing.T) {
	now := time.Now()
	good, err := wrap(bytes.Repeat([]byte("a"), 2048), time.Minute, true, 1024, now)
	require.NoError(t, err)

	lying := func(size uint32, compressed bool, body []byte) []byte {
		frame := make([]byte, frameHeaderLen)
		frame[0] = frameVersion
		if compressed {
			frame[1] = flagCompressed
		}
		binary.BigEndian.PutUint32(frame[18:22], size)
		return append(frame, body...)
	}
	zstdMagic := []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00, 0x58, 0x01, 0x00, 0x00, 0x78}

	cases := map[string][]byte{
		"legacy json":          []byte(`{"d":"KLUv/QBYAQAAeA==","c":true,"s":-1}`),
		"truncated header":     good[:frameHeaderLen-1],
		"unknown version":      append([]byte{9}, good[1:]...),
		"huge declared size":   lying(0xFFFFFFFF, true, zstdMagic),
		"size over limit":      lying(maxPayloadSize+1, false, nil),
		"raw size mismatch":    lying(10, false, []byte("abc")),
		"corrupt zstd":         lying(100, true, zstdMagic),
		"decoded size differs": lying(1, true, good[frameHeaderLen:]),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, _, err := unwrap(raw)
				assert.Error(t, err)
			})
		})
	}
}
