package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"groupbot_engine/internal/config"
)

const (
	shardCount = 32

	ScopeGlobal  = "global"
	ScopeAccount = "account"
	ScopeGroup   = "group"
)

// Limiter 滑动窗口计数：窗口内已有 max 次命中时拒绝第 max+1 次。
type Limiter struct {
	window time.Duration
	limits config.RateLimitConfig
	now    func() time.Time
	shards [shardCount]shard
}

type shard struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func New(limits config.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{window: time.Minute, limits: limits, now: time.Now}
	for i := range l.shards {
		l.shards[i].hits = make(map[string][]time.Time)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Allow 记录一次命中并返回是否在限额内；limit<=0 表示不限。
// 被拒绝的命中不计入窗口。
func (l *Limiter) Allow(scope, key string, limit int) bool {
	if limit <= 0 {
		return true
	}
	k := scope + ":" + key
	s := l.shardFor(k)
	now := l.now()
	cutoff := now.Add(-l.window)

	s.mu.Lock()
	defer s.mu.Unlock()
	hits := trim(s.hits[k], cutoff)
	if len(hits) >= limit {
		s.hits[k] = hits
		return false
	}
	s.hits[k] = append(hits, now)
	return true
}

// Check 依次检查全局、账号、群限额，任何一层超限即返回 false 和该层名称。
func (l *Limiter) Check(accountID, groupID string) (bool, string) {
	if !l.Allow(ScopeGlobal, "", l.limits.GlobalPerMinute) {
		return false, ScopeGlobal
	}
	if accountID != "" && !l.Allow(ScopeAccount, accountID, l.limits.PerAccountPerMinute) {
		return false, ScopeAccount
	}
	if groupID != "" && !l.Allow(ScopeGroup, groupID, l.limits.PerGroupPerMinute) {
		return false, ScopeGroup
	}
	return true, ""
}

// Count 返回当前窗口内的命中数。
func (l *Limiter) Count(scope, key string) int {
	k := scope + ":" + key
	s := l.shardFor(k)
	cutoff := l.now().Add(-l.window)
	s.mu.Lock()
	defer s.mu.Unlock()
	hits := trim(s.hits[k], cutoff)
	s.hits[k] = hits
	return len(hits)
}

// Sweep 清理窗口已空的键，返回清理数量。
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.window)
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, hits := range s.hits {
			hits = trim(hits, cutoff)
			if len(hits) == 0 {
				delete(s.hits, k)
				removed++
				continue
			}
			s.hits[k] = hits
		}
		s.mu.Unlock()
	}
	return removed
}

func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
