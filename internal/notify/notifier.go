package notify

import (
	"context"
	"sync"
)

const (
	KindBestLuck     = "best_luck"
	KindSessionError = "session_error"
)

type Event struct {
	Kind      string `json:"kind"`
	At        int64  `json:"atMs"`
	AccountID string `json:"accountId"`
	GroupID   string `json:"groupId,omitempty"`
	DropID    string `json:"dropId,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Notifier 通知出口。实现不得阻塞调用方。
type Notifier interface {
	NotifyBestLuck(ctx context.Context, evt Event)
	NotifySessionError(ctx context.Context, evt Event)
}

type Nop struct{}

func (Nop) NotifyBestLuck(context.Context, Event)     {}
func (Nop) NotifySessionError(context.Context, Event) {}

// Recorder 记录收到的通知，测试使用。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) NotifyBestLuck(_ context.Context, evt Event) {
	evt.Kind = KindBestLuck
	r.add(evt)
}

func (r *Recorder) NotifySessionError(_ context.Context, evt Event) {
	evt.Kind = KindSessionError
	r.add(evt)
}

func (r *Recorder) add(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
