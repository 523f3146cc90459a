package dialogue

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"groupbot_engine/internal/config"
)

type entry struct {
	ctx          *Context
	lastActivity time.Time
}

// Store 按 (账号, 群) 缓存对话上下文。LRU 顺序即 lastActivity 顺序；
// 超过 2*maxContexts 时 LRU 自动淘汰，常规回收交给 Sweep。
type Store struct {
	mu          sync.Mutex
	cache       *lru.Cache[Key, *entry]
	maxContexts int
	ttl         time.Duration
	historySize int
	period      time.Duration
	now         func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(cfg config.DialogueConfig, opts ...Option) (*Store, error) {
	limit := cfg.ContextCacheSize
	if limit <= 0 {
		limit = 1000
	}
	cache, err := lru.New[Key, *entry](2 * limit)
	if err != nil {
		return nil, err
	}
	s := &Store{
		cache:       cache,
		maxContexts: limit,
		ttl:         cfg.ContextTTL(),
		historySize: cfg.HistorySize,
		period:      cfg.ReplyPeriod(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get 获取或创建上下文，同时刷新活跃时间。
func (s *Store) Get(accountID, groupID string) *Context {
	key := Key{AccountID: accountID, GroupID: groupID}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache.Get(key); ok {
		e.lastActivity = now
		return e.ctx
	}
	e := &entry{ctx: newContext(key, s.historySize, s.period, now), lastActivity: now}
	s.cache.Add(key, e)
	return e.ctx
}

// Peek 不创建、不刷新。
func (s *Store) Peek(accountID, groupID string) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Peek(Key{AccountID: accountID, GroupID: groupID})
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// Remove 清除账号的全部上下文，返回数量。
func (s *Store) Remove(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.cache.Keys() {
		if k.AccountID == accountID {
			s.cache.Remove(k)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

type SweepResult struct {
	Expired int
	Evicted int
	Live    int
}

// Sweep 两轮回收：先删超过 TTL 未活跃的，再在数量超限时按 lastActivity
// 删除最旧的 20%（至少删到不超过上限）。
func (s *Store) Sweep() SweepResult {
	now := s.now()
	cutoff := now.Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	type aged struct {
		key Key
		at  time.Time
	}
	keys := s.cache.Keys()
	live := make([]aged, 0, len(keys))
	var res SweepResult
	for _, k := range keys {
		e, ok := s.cache.Peek(k)
		if !ok {
			continue
		}
		if s.ttl > 0 && e.lastActivity.Before(cutoff) {
			s.cache.Remove(k)
			res.Expired++
			continue
		}
		live = append(live, aged{key: k, at: e.lastActivity})
	}

	if len(live) > s.maxContexts {
		sort.SliceStable(live, func(i, j int) bool { return live[i].at.Before(live[j].at) })
		n := len(live) / 5
		if over := len(live) - s.maxContexts; over > n {
			n = over
		}
		for _, a := range live[:n] {
			s.cache.Remove(a.key)
		}
		res.Evicted = n
	}
	res.Live = s.cache.Len()
	return res
}
