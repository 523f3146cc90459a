package scheduler

import (
	"context"
	"sync"
	"time"

	"groupbot_engine/internal/logbus"
)

type task struct {
	name     string
	interval time.Duration
	fn       func(now time.Time)
	lastRun  time.Time
}

// Scheduler 用一个 ticker 驱动所有周期清理任务（上下文回收、去重表、限流窗口……）。
type Scheduler struct {
	tick time.Duration
	bus  *logbus.Bus

	mu    sync.Mutex
	tasks []*task

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(tick time.Duration, bus *logbus.Bus) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{tick: tick, bus: bus}
}

// Register 注册周期任务；首次执行在一个完整 interval 之后。
func (s *Scheduler) Register(name string, interval time.Duration, fn func(now time.Time)) {
	if fn == nil || interval <= 0 {
		return
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, &task{name: name, interval: interval, fn: fn, lastRun: time.Now()})
	s.mu.Unlock()
}

func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel

	ticker := time.NewTicker(s.tick)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				s.RunDue(now)
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()

	cancel()
	s.wg.Wait()
}

// RunDue 执行所有到期任务，返回执行数量。
func (s *Scheduler) RunDue(now time.Time) int {
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if now.Sub(t.lastRun) >= t.interval {
			t.lastRun = now
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.run(t, now)
	}
	return len(due)
}

func (s *Scheduler) run(t *task, now time.Time) {
	defer func() {
		if r := recover(); r != nil && s.bus != nil {
			s.bus.Log("error", "定时任务异常", map[string]any{"task": t.name, "panic": r})
		}
	}()
	t.fn(now)
}
