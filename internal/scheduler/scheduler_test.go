package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbot_engine/internal/logbus"
)

func TestRunDueHonorsInterval(t *testing.T) {
	s := New(time.Second, nil)
	var fast, slow int
	s.Register("fast", time.Second, func(time.Time) { fast++ })
	s.Register("slow", time.Hour, func(time.Time) { slow++ })

	base := time.Now()
	assert.Equal(t, 1, s.RunDue(base.Add(2*time.Second)))
	assert.Equal(t, 0, s.RunDue(base.Add(2500*time.Millisecond)))
	assert.Equal(t, 2, s.RunDue(base.Add(2*time.Hour)))
	assert.Equal(t, 2, fast)
	assert.Equal(t, 1, slow)
}

func TestPanicInTaskIsContained(t *testing.T) {
	bus := logbus.New(10)
	s := New(time.Second, bus)
	var ran int
	s.Register("boom", time.Second, func(time.Time) { panic("x") })
	s.Register("ok", time.Second, func(time.Time) { ran++ })

	require.NotPanics(t, func() { s.RunDue(time.Now().Add(time.Minute)) })
	assert.Equal(t, 1, ran)
	require.Len(t, bus.Snapshot(), 1)
}

func TestStartStop(t *testing.T) {
	s := New(5*time.Millisecond, nil)
	var n atomic.Int32
	s.Register("tick", time.Millisecond, func(time.Time) { n.Add(1) })

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}
