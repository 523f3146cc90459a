package monitor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncAndSnapshot(t *testing.T) {
	s := New()
	s.Inc(Messages, "a1")
	s.Inc(Messages, "a1")
	s.Inc(Messages, "a2")
	s.Inc(Replies, "a1")
	s.Inc("unknown", "a1")
	s.SetContextOccupancy(7)

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.Totals[Messages])
	assert.Equal(t, int64(2), snap.ByAccount["a1"][Messages])
	assert.Equal(t, int64(1), snap.ByAccount["a1"][Replies])
	assert.Equal(t, int64(1), snap.ByAccount["a2"][Messages])
	assert.Equal(t, int64(7), snap.ContextCacheOccupancy)
	assert.Equal(t, int64(2), s.Count(Messages, "a1"))
	assert.Zero(t, s.Count(Messages, "nobody"))
}

func TestIncConcurrent(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Inc(ActionsOK, "a1")
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), s.Count(ActionsOK, "a1"))
}
