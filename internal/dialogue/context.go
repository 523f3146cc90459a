package dialogue

import (
	"sync"
	"time"

	"groupbot_engine/internal/model"
)

type Key struct {
	AccountID string
	GroupID   string
}

// Context 单个 (账号, 群) 的对话状态。内容由自身的 mu 串行化，
// 不持有 Store 的锁。
type Context struct {
	key Key

	mu              sync.Mutex
	turns           []model.Turn
	head            int
	size            int
	lastReplyTime   time.Time
	repliesInPeriod int
	periodStart     time.Time
	period          time.Duration
	currentTopic    string
}

func newContext(key Key, historySize int, period time.Duration, now time.Time) *Context {
	if historySize <= 0 {
		historySize = 20
	}
	return &Context{
		key:         key,
		turns:       make([]model.Turn, historySize),
		period:      period,
		periodStart: now,
	}
}

func (c *Context) Key() Key { return c.key }

// Reservation 已预占的一次回复，LLM 失败时用它归还额度。
type Reservation struct {
	prevLastReply time.Time
	periodStart   time.Time
}

// Snapshot 锁外使用的只读副本。
type Snapshot struct {
	History         []model.Turn
	LastReplyTime   time.Time
	RepliesInPeriod int
	CurrentTopic    string
}

func (c *Context) Snapshot(now time.Time) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(now)
	return c.snapshotLocked()
}

func (c *Context) snapshotLocked() Snapshot {
	return Snapshot{
		History:         c.historyLocked(),
		LastReplyTime:   c.lastReplyTime,
		RepliesInPeriod: c.repliesInPeriod,
		CurrentTopic:    c.currentTopic,
	}
}

// TryReserve 记录用户消息并判定是否回复；通过时在同一把锁内占用本周期额度。
func (c *Context) TryReserve(text string, policy model.AccountPolicy, now time.Time, draw func() float64) (Decision, Reservation, Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(now)

	if text != "" {
		c.appendLocked(model.Turn{Role: model.RoleUser, Text: text, At: now})
	}
	d := ShouldReply(ReplyInput{
		Text:            text,
		Policy:          policy,
		RepliesInPeriod: c.repliesInPeriod,
		LastReplyTime:   c.lastReplyTime,
		Now:             now,
	}, draw)
	if !d.OK {
		return d, Reservation{}, Snapshot{}
	}
	res := Reservation{prevLastReply: c.lastReplyTime, periodStart: c.periodStart}
	c.repliesInPeriod++
	c.lastReplyTime = now
	return d, res, c.snapshotLocked()
}

// Release 归还预占；周期已滚动时无需处理。
func (c *Context) Release(res Reservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.periodStart.Equal(res.periodStart) {
		return
	}
	if c.repliesInPeriod > 0 {
		c.repliesInPeriod--
	}
	c.lastReplyTime = res.prevLastReply
}

// Commit 写入本次回复。
func (c *Context) Commit(reply string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(model.Turn{Role: model.RoleAssistant, Text: reply, At: now})
}

func (c *Context) SetTopic(topic string) {
	c.mu.Lock()
	c.currentTopic = topic
	c.mu.Unlock()
}

func (c *Context) RepliesInPeriod(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(now)
	return c.repliesInPeriod
}

func (c *Context) rollover(now time.Time) {
	if c.period <= 0 {
		return
	}
	if now.Sub(c.periodStart) >= c.period {
		c.periodStart = now
		c.repliesInPeriod = 0
	}
}

func (c *Context) appendLocked(t model.Turn) {
	c.turns[c.head] = t
	c.head = (c.head + 1) % len(c.turns)
	if c.size < len(c.turns) {
		c.size++
	}
}

func (c *Context) historyLocked() []model.Turn {
	out := make([]model.Turn, 0, c.size)
	start := (c.head - c.size + len(c.turns)) % len(c.turns)
	for i := 0; i < c.size; i++ {
		out = append(out, c.turns[(start+i)%len(c.turns)])
	}
	return out
}
