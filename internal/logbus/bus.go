package logbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// 总线上的消息类型
const (
	TypeLog           = "log"
	TypeSessionState  = "session_state"
	TypeParticipation = "participation"
	TypeActionResult  = "action_result"
)

type Message struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Bus 保留最近 capacity 条消息并广播给订阅者（ws 推送）。
// 慢订阅者会丢消息，不阻塞发布方。
type Bus struct {
	mu     sync.RWMutex
	ring   []Message
	head   int
	size   int
	subs   map[chan Message]struct{}
	closed bool
	logger *zerolog.Logger
	now    func() time.Time
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	return &Bus{
		ring: make([]Message, capacity),
		subs: make(map[chan Message]struct{}),
		now:  time.Now,
	}
}

// SetLogger 把 log 类型的消息同时写入 zerolog。
func (b *Bus) SetLogger(l *zerolog.Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.size = 0
}

// Snapshot 按时间顺序返回缓冲区中的消息。
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, 0, b.size)
	start := (b.head - b.size + len(b.ring)) % len(b.ring)
	for i := 0; i < b.size; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

func (b *Bus) Publish(typ string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	msg := Message{Type: typ, Time: b.now().UnixMilli(), Data: data}
	b.ring[b.head] = msg
	b.head = (b.head + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	}
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *Bus) Log(level, message string, fields map[string]any) {
	b.mirror(level, message, fields)
	b.Publish(TypeLog, LogData{Level: level, Msg: message, Fields: fields})
}

func (b *Bus) mirror(level, message string, fields map[string]any) {
	b.mu.RLock()
	l := b.logger
	b.mu.RUnlock()
	if l == nil {
		return
	}
	var ev *zerolog.Event
	switch level {
	case "debug":
		ev = l.Debug()
	case "warn":
		ev = l.Warn()
	case "error":
		ev = l.Error()
	default:
		ev = l.Info()
	}
	ev.Fields(fields).Msg(message)
}
