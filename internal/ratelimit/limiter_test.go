package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbot_engine/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAllowRejectsMaxPlusOne(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	l := New(config.RateLimitConfig{}, WithClock(clk.Now))

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ScopeAccount, "a1", 5), "hit %d", i)
	}
	assert.False(t, l.Allow(ScopeAccount, "a1", 5))
	assert.Equal(t, 5, l.Count(ScopeAccount, "a1"))

	// 其他 key 不受影响
	assert.True(t, l.Allow(ScopeAccount, "a2", 5))
}

func TestAllowWindowSlides(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	l := New(config.RateLimitConfig{}, WithClock(clk.Now))

	require.True(t, l.Allow(ScopeGroup, "g1", 2))
	clk.Advance(30 * time.Second)
	require.True(t, l.Allow(ScopeGroup, "g1", 2))
	require.False(t, l.Allow(ScopeGroup, "g1", 2))

	clk.Advance(31 * time.Second)
	assert.True(t, l.Allow(ScopeGroup, "g1", 2))
	assert.False(t, l.Allow(ScopeGroup, "g1", 2))
}

func TestAllowZeroMaxDisables(t *testing.T) {
	l := New(config.RateLimitConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow(ScopeGlobal, "", 0))
	}
}

func TestCheckReportsLayer(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	l := New(config.RateLimitConfig{GlobalPerMinute: 100, PerAccountPerMinute: 10, PerGroupPerMinute: 1}, WithClock(clk.Now))

	ok, _ := l.Check("a1", "g1")
	require.True(t, ok)
	ok, layer := l.Check("a1", "g1")
	require.False(t, ok)
	assert.Equal(t, ScopeGroup, layer)

	ok, _ = l.Check("a1", "g2")
	assert.True(t, ok)
}

func TestSweepDropsIdleKeys(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	l := New(config.RateLimitConfig{}, WithClock(clk.Now))
	l.Allow(ScopeAccount, "a1", 3)
	l.Allow(ScopeAccount, "a2", 3)

	assert.Equal(t, 0, l.Sweep(clk.Now()))
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 2, l.Sweep(clk.Now()))
}
