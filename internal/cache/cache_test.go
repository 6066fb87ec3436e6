package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClocked() (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New("test")
	c.now = clk.now
	return c, clk
}

func TestCache_PutGet(t *testing.T) {
	c, _ := newClocked()
	c.Put("k", "v", time.Minute)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCache_ExpiryIsLazyAndCountsAsMiss(t *testing.T) {
	c, clk := newClocked()
	c.Put("k", "v", time.Second)

	clk.advance(2 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(0), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Zero(t, s.Size)
}

func TestCache_OverwriteExtendsTTL(t *testing.T) {
	c, clk := newClocked()
	c.Put("k", 1, time.Second)
	clk.advance(900 * time.Millisecond)
	c.Put("k", 2, time.Second)
	clk.advance(900 * time.Millisecond)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newClocked()
	c.Put("k", "v", time.Minute)
	c.Invalidate("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_InvalidateDevice(t *testing.T) {
	c, _ := newClocked()
	c.Put("advisory:ESP32_001", "a", time.Minute)
	c.Put("data:ESP32_001", "b", time.Minute)
	c.Put("advisory:ESP32_002", "c", time.Minute)

	c.InvalidateDevice("ESP32_001")

	_, ok := c.Get("advisory:ESP32_001")
	assert.False(t, ok)
	_, ok = c.Get("data:ESP32_001")
	assert.False(t, ok)
	_, ok = c.Get("advisory:ESP32_002")
	assert.True(t, ok)
}

// Hit rate must be exact: hits/(hits+misses), not an approximation.
func TestCache_HitRateExact(t *testing.T) {
	c, _ := newClocked()
	c.Put("k", "v", time.Minute)

	for i := 0; i < 3; i++ {
		c.Get("k")
	}
	for i := 0; i < 2; i++ {
		c.Get("absent")
	}

	s := c.Stats()
	assert.Equal(t, uint64(3), s.Hits)
	assert.Equal(t, uint64(2), s.Misses)
	assert.InDelta(t, 0.6, s.HitRate, 1e-12)
}

func TestCache_SweepRemovesExpiredOnWrite(t *testing.T) {
	c, clk := newClocked()
	c.sweepAt = 4
	for _, k := range []string{"a", "b", "c"} {
		c.Put(k, k, time.Second)
	}
	clk.advance(2 * time.Second)
	c.Put("d", "d", time.Minute)

	assert.Equal(t, 1, c.Stats().Size)
}
