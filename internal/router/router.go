package router

import (
	"context"
	"fmt"
	"time"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/monitor"
	"groupbot_engine/internal/ratelimit"
)

// AccountDirectory 提供账号当前配置（由 AccountPool 实现）。
type AccountDirectory interface {
	Account(id string) (model.Account, bool)
}

// 跳过原因
const (
	SkipDuplicate      = "duplicate"
	SkipUnknownAccount = "unknown_account"
	SkipInactive       = "inactive_account"
	SkipSelf           = "self"
	SkipBlockedSender  = "blacklisted_sender"
	SkipBlockedGroup   = "blacklisted_group"
	SkipNotTargeted    = "group_not_targeted"
	SkipRateLimited    = "rate_limited"
)

type MessageContext struct {
	Event    model.InboundEvent
	Account  model.Account
	ChatType model.ChatType
}

type StageReport struct {
	Stage       string `json:"stage"`
	ActionTaken bool   `json:"actionTaken"`
	Skip        bool   `json:"skip"`
	Error       string `json:"error,omitempty"`
}

type HandleResult struct {
	Skipped string               `json:"skipped,omitempty"`
	Stages  []StageReport        `json:"stages,omitempty"`
	Actions []model.Action       `json:"actions,omitempty"`
	Results []model.ActionResult `json:"results,omitempty"`
}

type Options struct {
	Accounts AccountDirectory
	Limiter  *ratelimit.Limiter
	Dedup    *Dedup
	Executor *Executor
	Stages   []Stage
	Config   config.RouterConfig
	Monitor  monitor.Sink
	Bus      *logbus.Bus
	Now      func() time.Time
}

// Router 对入站事件做分类、去重、限流，再按优先级跑各阶段。
type Router struct {
	accounts AccountDirectory
	limiter  *ratelimit.Limiter
	dedup    *Dedup
	executor *Executor
	stages   []Stage
	monitor  monitor.Sink
	bus      *logbus.Bus
	now      func() time.Time

	blockedUsers  map[string]struct{}
	blockedGroups map[string]struct{}
}

func New(opts Options) *Router {
	r := &Router{
		accounts:      opts.Accounts,
		limiter:       opts.Limiter,
		dedup:         opts.Dedup,
		executor:      opts.Executor,
		stages:        opts.Stages,
		monitor:       opts.Monitor,
		bus:           opts.Bus,
		now:           opts.Now,
		blockedUsers:  toSet(opts.Config.BlacklistUsers),
		blockedGroups: toSet(opts.Config.BlacklistGroups),
	}
	if r.dedup == nil {
		r.dedup = NewDedup(opts.Config.DedupCapacity, opts.Config.DedupTTL())
	}
	if r.monitor == nil {
		r.monitor = monitor.Nop{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// SetAccounts 打破 Router 与 AccountPool 之间的构造环。
func (r *Router) SetAccounts(d AccountDirectory) { r.accounts = d }

func toSet(v []string) map[string]struct{} {
	out := make(map[string]struct{}, len(v))
	for _, s := range v {
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// Classify 过滤不应处理的事件并标注会话类型。
func (r *Router) Classify(evt model.InboundEvent) (MessageContext, string) {
	var acc model.Account
	ok := false
	if r.accounts != nil {
		acc, ok = r.accounts.Account(evt.AccountID)
	}
	if !ok {
		return MessageContext{}, SkipUnknownAccount
	}
	if !acc.Policy.Active {
		return MessageContext{}, SkipInactive
	}
	if acc.SelfUserID != "" && evt.SenderID == acc.SelfUserID {
		return MessageContext{}, SkipSelf
	}
	if _, blocked := r.blockedUsers[evt.SenderID]; blocked {
		return MessageContext{}, SkipBlockedSender
	}
	if evt.GroupID != "" {
		if _, blocked := r.blockedGroups[evt.GroupID]; blocked {
			return MessageContext{}, SkipBlockedGroup
		}
	}

	ct := evt.ChatType
	if ct == "" {
		if evt.GroupID != "" {
			ct = model.ChatGroup
		} else {
			ct = model.ChatPrivate
		}
	}
	if ct == model.ChatGroup && !acc.InGroup(evt.GroupID) {
		return MessageContext{}, SkipNotTargeted
	}
	return MessageContext{Event: evt, Account: acc, ChatType: ct}, ""
}

// ShouldProcess 限流检查，超限直接丢弃。
func (r *Router) ShouldProcess(mc MessageContext) bool {
	if r.limiter == nil {
		return true
	}
	ok, layer := r.limiter.Check(mc.Account.ID, mc.Event.GroupID)
	if !ok {
		r.monitor.Inc(monitor.RateLimited, mc.Account.ID)
		r.log("debug", "消息被限流丢弃", map[string]any{"accountId": mc.Account.ID, "groupId": mc.Event.GroupID, "layer": layer})
	}
	return ok
}

func (r *Router) Handle(ctx context.Context, evt model.InboundEvent) HandleResult {
	r.monitor.Inc(monitor.Messages, evt.AccountID)

	if evt.EventID != "" && r.dedup.Seen(evt.AccountID+"|"+evt.EventID, r.now()) {
		r.monitor.Inc(monitor.Duplicates, evt.AccountID)
		return HandleResult{Skipped: SkipDuplicate}
	}
	mc, skip := r.Classify(evt)
	if skip != "" {
		return HandleResult{Skipped: skip}
	}
	if !r.ShouldProcess(mc) {
		return HandleResult{Skipped: SkipRateLimited}
	}

	var out HandleResult
	for _, st := range r.stages {
		res := r.runStage(ctx, st, mc)
		rep := StageReport{Stage: st.Name(), ActionTaken: res.ActionTaken || len(res.Actions) > 0, Skip: res.Skip}
		if res.Err != nil {
			rep.Error = res.Err.Error()
			r.log("warn", "处理阶段出错，继续后续阶段", map[string]any{
				"stage":     st.Name(),
				"accountId": mc.Account.ID,
				"eventId":   evt.EventID,
				"error":     res.Err.Error(),
			})
		}
		for _, a := range res.Actions {
			out.Actions = append(out.Actions, a)
			if r.executor == nil {
				continue
			}
			ar, err := r.executor.Execute(ctx, a)
			if err != nil && ar.Message == "" {
				ar.Message = err.Error()
			}
			out.Results = append(out.Results, ar)
		}
		out.Stages = append(out.Stages, rep)
		if res.Skip {
			break
		}
	}
	return out
}

// HandleEvent 供会话入站循环调用。
func (r *Router) HandleEvent(ctx context.Context, evt model.InboundEvent) {
	r.Handle(ctx, evt)
}

func (r *Router) runStage(ctx context.Context, st Stage, mc MessageContext) (res StageResult) {
	defer func() {
		if p := recover(); p != nil {
			res = StageResult{Err: fmt.Errorf("stage %s panic: %v", st.Name(), p)}
		}
	}()
	return st.Run(ctx, mc)
}

// SweepDedup 清理过期的去重记录。
func (r *Router) SweepDedup(now time.Time) int {
	return r.dedup.Sweep(now)
}

func (r *Router) log(level, msg string, fields map[string]any) {
	if r.bus != nil {
		r.bus.Log(level, msg, fields)
	}
}
