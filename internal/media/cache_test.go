package media

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrpg/internal/clock/clocktest"
)

func TestCache_PutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fake := clocktest.New(time.Now())
	c := NewCache(dir, fake, 0, 0)

	key := Key("stability", "pixel", "a dusty hallway")
	require.NoError(t, c.Put("game-aaaaaaaa", KindImage, key, "a dusty hallway", []byte("pngbytes")))

	got, ok, err := c.Get("game-aaaaaaaa", KindImage, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, got)
}

func TestCache_Idempotent(t *testing.T) {
	dir := t.TempDir()
	fake := clocktest.New(time.Now())
	c := NewCache(dir, fake, 0, 0)

	key := Key("stability", "pixel", "the entrance")
	require.NoError(t, c.Put("game-bbbbbbbb", KindImage, key, "the entrance", []byte("X")))
	require.NoError(t, c.Put("game-bbbbbbbb", KindImage, key, "the entrance", []byte("X")))

	ix, err := c.loadIndex("game-bbbbbbbb")
	require.NoError(t, err)
	assert.Len(t, ix.Images, 1)

	got, ok, err := c.Get("game-bbbbbbbb", KindImage, key)
	require.NoError(t, err)
	require.True(t, ok)
	decoded, err := base64.StdEncoding.DecodeString(got)
	require.NoError(t, err)
	assert.Equal(t, "X", string(decoded))
}

func TestCache_MissReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, clocktest.New(time.Now()), 0, 0)
	_, ok, err := c.Get("game-cccccccc", KindMusic, "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_EvictsByTTL(t *testing.T) {
	dir := t.TempDir()
	// Anchored to real time, since file mtimes are set by the OS at write
	// time regardless of the injected Clock; only the TTL comparison uses
	// the fake clock's Now().
	fake := clocktest.New(time.Now())
	c := NewCache(dir, fake, time.Hour, 0)

	key := Key("stability", "pixel", "old entry")
	require.NoError(t, c.Put("game-dddddddd", KindImage, key, "old entry", []byte("old")))

	fake.Advance(2 * time.Hour)
	// Trigger eviction via another write.
	key2 := Key("stability", "pixel", "new entry")
	require.NoError(t, c.Put("game-dddddddd", KindImage, key2, "new entry", []byte("new")))

	_, ok, err := c.Get("game-dddddddd", KindImage, key)
	require.NoError(t, err)
	assert.False(t, ok, "expected the old entry's file to have been evicted by TTL")
}

func TestKey_StableAndNamespaced(t *testing.T) {
	a := Key("stability", "pixel", "a forest clearing")
	b := Key("stability", "pixel", "a forest clearing")
	c := Key("replicate", "pixel", "a forest clearing")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 12)
}
