package router

import (
	"context"
	crand "crypto/rand"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/monitor"
)

// Outbound 账号当前连接上的出站操作。
type Outbound interface {
	Do(ctx context.Context, action model.Action) (model.ActionResult, error)
}

// OutboundResolver 按账号找到出站通道（由 AccountPool 实现）。
type OutboundResolver interface {
	Outbound(accountID string) (Outbound, bool)
}

var errAccountOffline = errors.New("account offline")

type ExecutorOptions struct {
	Resolver OutboundResolver
	Config   config.ExecutorConfig
	Bus      *logbus.Bus
	Monitor  monitor.Sink
	Jitter   func() float64
}

// Executor 唯一的出站出口：随机延迟、按账号限速、单次超时，失败只上报不重试。
type Executor struct {
	resolver OutboundResolver
	cfg      config.ExecutorConfig
	bus      *logbus.Bus
	monitor  monitor.Sink
	jitter   func() float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewExecutor(opts ExecutorOptions) *Executor {
	x := &Executor{
		resolver: opts.Resolver,
		cfg:      opts.Config,
		bus:      opts.Bus,
		monitor:  opts.Monitor,
		jitter:   opts.Jitter,
		limiters: make(map[string]*rate.Limiter),
		entropy:  ulid.Monotonic(crand.Reader, 0),
	}
	if x.monitor == nil {
		x.monitor = monitor.Nop{}
	}
	if x.jitter == nil {
		x.jitter = rand.Float64
	}
	return x
}

// SetResolver 打破 Executor 与 AccountPool 之间的构造环。
func (x *Executor) SetResolver(r OutboundResolver) {
	x.mu.Lock()
	x.resolver = r
	x.mu.Unlock()
}

func (x *Executor) Execute(ctx context.Context, action model.Action) (model.ActionResult, error) {
	return x.execute(ctx, action, true)
}

// Click 领取红包。不加随机延迟，但仍受账号限速约束。
func (x *Executor) Click(ctx context.Context, drop *model.Drop, accountID string) (model.ActionResult, error) {
	cb := drop.CallbackData
	if cb == "" {
		cb = "redpacket:" + drop.EnvelopeID
	}
	return x.execute(ctx, model.Action{
		Type:         model.ActionClickButton,
		AccountID:    accountID,
		Target:       drop.GroupID,
		MessageID:    drop.MessageID,
		CallbackData: cb,
		Source:       "redpacket",
	}, false)
}

func (x *Executor) execute(ctx context.Context, action model.Action, paced bool) (model.ActionResult, error) {
	if !action.Type.Valid() {
		return model.ActionResult{}, errkind.NonRetryableErr("execute", errors.New("unknown action type "+string(action.Type)))
	}
	if action.ID == "" {
		action.ID = x.newID()
	}

	delay := action.Delay
	if paced {
		delay += x.pacingDelay()
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return x.report(action, model.ActionResult{ActionID: action.ID}, ctx.Err())
		}
	}
	if err := x.limiterFor(action.AccountID).Wait(ctx); err != nil {
		return x.report(action, model.ActionResult{ActionID: action.ID}, err)
	}

	x.mu.Lock()
	resolver := x.resolver
	x.mu.Unlock()
	var out Outbound
	ok := false
	if resolver != nil {
		out, ok = resolver.Outbound(action.AccountID)
	}
	if !ok {
		return x.report(action, model.ActionResult{ActionID: action.ID}, errkind.TransientErr("execute", errAccountOffline))
	}

	cctx, cancel := context.WithTimeout(ctx, x.cfg.ActionTimeout())
	defer cancel()
	res, err := out.Do(cctx, action)
	if res.ActionID == "" {
		res.ActionID = action.ID
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && errkind.KindOf(err) == errkind.Unknown {
		err = errkind.TransientErr("execute", err)
	}
	return x.report(action, res, err)
}

func (x *Executor) report(action model.Action, res model.ActionResult, err error) (model.ActionResult, error) {
	fields := map[string]any{
		"actionId":  action.ID,
		"type":      string(action.Type),
		"accountId": action.AccountID,
		"target":    action.Target,
		"source":    action.Source,
	}
	if err != nil || !res.OK {
		x.monitor.Inc(monitor.ActionsFailed, action.AccountID)
		if err != nil {
			fields["error"] = err.Error()
		} else if res.Message != "" {
			fields["error"] = res.Message
		}
		x.log("warn", "动作执行失败", fields)
	} else {
		x.monitor.Inc(monitor.ActionsOK, action.AccountID)
		x.log("debug", "动作执行成功", fields)
	}
	if x.bus != nil {
		x.bus.Publish(logbus.TypeActionResult, map[string]any{
			"action": action,
			"result": res,
			"ok":     err == nil && res.OK,
		})
	}
	return res, err
}

func (x *Executor) pacingDelay() time.Duration {
	lo, hi := x.cfg.MinDelayMs, x.cfg.MaxDelayMs
	if hi <= 0 || hi < lo {
		hi = lo
	}
	if hi <= 0 {
		return 0
	}
	ms := float64(lo) + x.jitter()*float64(hi-lo)
	return time.Duration(ms * float64(time.Millisecond))
}

func (x *Executor) limiterFor(accountID string) *rate.Limiter {
	x.mu.Lock()
	defer x.mu.Unlock()
	l := x.limiters[accountID]
	if l == nil {
		qps := x.cfg.SendQPS
		if qps <= 0 {
			qps = 1
		}
		burst := x.cfg.SendBurst
		if burst <= 0 {
			burst = 3
		}
		l = rate.NewLimiter(rate.Limit(qps), burst)
		x.limiters[accountID] = l
	}
	return l
}

// Forget 账号移除后释放其限速器。
func (x *Executor) Forget(accountID string) {
	x.mu.Lock()
	delete(x.limiters, accountID)
	x.mu.Unlock()
}

func (x *Executor) newID() string {
	x.idMu.Lock()
	defer x.idMu.Unlock()
	return ulid.MustNew(ulid.Now(), x.entropy).String()
}

func (x *Executor) log(level, msg string, fields map[string]any) {
	if x.bus != nil {
		x.bus.Log(level, msg, fields)
	}
}
