package router

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const dedupShards = 32

// Dedup 按 key 分片记录最近见过的事件；每个分片容量满时淘汰最久未见的，
// 超过 ttl 的条目由缓存自行过期。
type Dedup struct {
	ttl    time.Duration
	shards [dedupShards]dedupShard
}

type dedupShard struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, time.Time]
}

func NewDedup(capacity int, ttl time.Duration) *Dedup {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	per := capacity / dedupShards
	if per < 1 {
		per = 1
	}
	d := &Dedup{ttl: ttl}
	for i := range d.shards {
		d.shards[i].cache = expirable.NewLRU[string, time.Time](per, nil, ttl)
	}
	return d
}

func (d *Dedup) shardFor(key string) *dedupShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[h.Sum32()%dedupShards]
}

// Seen 窗口内重复返回 true，否则登记并返回 false。
func (d *Dedup) Seen(key string, now time.Time) bool {
	s := d.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.cache.Get(key); ok && now.Sub(at) < d.ttl {
		return true
	}
	s.cache.Add(key, now)
	return false
}

// Sweep 按传入时间清理过期条目，返回清理数量。
func (d *Dedup) Sweep(now time.Time) int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for _, k := range s.cache.Keys() {
			if at, ok := s.cache.Peek(k); ok && now.Sub(at) >= d.ttl {
				s.cache.Remove(k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (d *Dedup) Len() int {
	n := 0
	for i := range d.shards {
		n += d.shards[i].cache.Len()
	}
	return n
}
