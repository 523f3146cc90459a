package monitor

import (
	"expvar"
	"sync"
)

// 计数器名称
const (
	Messages             = "messages"
	Replies              = "replies"
	DropsDetected        = "drops_detected"
	ParticipationsOK     = "participations_ok"
	ParticipationsFailed = "participations_failed"
	ActionsOK            = "actions_ok"
	ActionsFailed        = "actions_failed"
	RateLimited          = "rate_limited"
	Duplicates           = "duplicates"
)

var counterNames = []string{
	Messages, Replies, DropsDetected, ParticipationsOK, ParticipationsFailed,
	ActionsOK, ActionsFailed, RateLimited, Duplicates,
}

// Sink 监控数据接收端。实现必须并发安全且不阻塞。
type Sink interface {
	Inc(counter, accountID string)
	SetContextOccupancy(n int)
}

type Nop struct{}

func (Nop) Inc(string, string)      {}
func (Nop) SetContextOccupancy(int) {}

// Service 以 expvar 变量保存计数，按账号分桶。
type Service struct {
	counters  map[string]*expvar.Map
	totals    map[string]*expvar.Int
	occupancy *expvar.Int

	publishOnce sync.Once
}

func New() *Service {
	s := &Service{
		counters:  make(map[string]*expvar.Map, len(counterNames)),
		totals:    make(map[string]*expvar.Int, len(counterNames)),
		occupancy: new(expvar.Int),
	}
	for _, name := range counterNames {
		s.counters[name] = new(expvar.Map).Init()
		s.totals[name] = new(expvar.Int)
	}
	return s
}

// Publish 把变量注册到全局 expvar（/debug/vars）。只能在进程内调用一次。
func (s *Service) Publish(prefix string) {
	s.publishOnce.Do(func() {
		for _, name := range counterNames {
			expvar.Publish(prefix+name+"_total", s.totals[name])
			expvar.Publish(prefix+name+"_by_account", s.counters[name])
		}
		expvar.Publish(prefix+"context_cache_occupancy", s.occupancy)
	})
}

func (s *Service) Inc(counter, accountID string) {
	m, ok := s.counters[counter]
	if !ok {
		return
	}
	s.totals[counter].Add(1)
	if accountID != "" {
		m.Add(accountID, 1)
	}
}

func (s *Service) SetContextOccupancy(n int) {
	s.occupancy.Set(int64(n))
}

type Snapshot struct {
	Totals                map[string]int64            `json:"totals"`
	ByAccount             map[string]map[string]int64 `json:"byAccount"`
	ContextCacheOccupancy int64                       `json:"contextCacheOccupancy"`
}

func (s *Service) Snapshot() Snapshot {
	out := Snapshot{
		Totals:                make(map[string]int64, len(counterNames)),
		ByAccount:             make(map[string]map[string]int64),
		ContextCacheOccupancy: s.occupancy.Value(),
	}
	for _, name := range counterNames {
		out.Totals[name] = s.totals[name].Value()
		s.counters[name].Do(func(kv expvar.KeyValue) {
			v, ok := kv.Value.(*expvar.Int)
			if !ok {
				return
			}
			acc := out.ByAccount[kv.Key]
			if acc == nil {
				acc = make(map[string]int64)
				out.ByAccount[kv.Key] = acc
			}
			acc[name] = v.Value()
		})
	}
	return out
}

// Count 单个账号某计数器的值。
func (s *Service) Count(counter, accountID string) int64 {
	m, ok := s.counters[counter]
	if !ok {
		return 0
	}
	v, ok := m.Get(accountID).(*expvar.Int)
	if !ok {
		return 0
	}
	return v.Value()
}
