package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/notify"
	"groupbot_engine/internal/router"
)

var (
	ErrPoolFull       = errors.New("account pool is full")
	ErrUnknownAccount = errors.New("unknown account")
	ErrEmptyAccountID = errors.New("account id is required")
)

// ContextPurger 账号移除时清理其对话上下文。
type ContextPurger interface {
	Remove(accountID string) int
}

// Forgetter 账号移除时清理执行器里的按账号状态。
type Forgetter interface {
	Forget(accountID string)
}

type Options struct {
	Config      config.PoolConfig
	Timing      *Timing
	Dialer      Dialer
	Credentials CredentialStore
	Handler     EventHandler
	Purger      ContextPurger
	Forgetter   Forgetter
	Notifier    notify.Notifier
	Bus         *logbus.Bus
}

// Pool 管理全部账号会话。
type Pool struct {
	deps        *deps
	timing      Timing
	maxAccounts int
	purger      ContextPurger
	forgetter   Forgetter
	bus         *logbus.Bus

	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewPool(opts Options) *Pool {
	timing := Timing{
		HealthInterval:       opts.Config.HealthCheckInterval(),
		ReconnectDelay:       opts.Config.ReconnectDelay(),
		MaxReconnectDelay:    opts.Config.MaxReconnectDelay(),
		MaxReconnectAttempts: opts.Config.MaxReconnectAttempts,
		ConnectTimeout:       opts.Config.ConnectTimeout(),
		StopTimeout:          opts.Config.StopTimeout(),
	}
	if opts.Timing != nil {
		timing = *opts.Timing
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Pool{
		deps: &deps{
			dialer:   opts.Dialer,
			creds:    opts.Credentials,
			notifier: n,
			bus:      opts.Bus,
			handler:  opts.Handler,
		},
		timing:      timing,
		maxAccounts: opts.Config.MaxAccounts,
		purger:      opts.Purger,
		forgetter:   opts.Forgetter,
		bus:         opts.Bus,
		handles:     map[string]*Handle{},
	}
}

// SetHandler 打破 Pool 与 Router 之间的构造环。
func (p *Pool) SetHandler(h EventHandler) {
	p.deps.handlerMu.Lock()
	p.deps.handler = h
	p.deps.handlerMu.Unlock()
}

// Add 登记账号；已存在时只更新配置，不影响会话。
func (p *Pool) Add(account model.Account) error {
	if account.ID == "" {
		return ErrEmptyAccountID
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[account.ID]; ok {
		h.setAccount(account)
		return nil
	}
	if p.maxAccounts > 0 && len(p.handles) >= p.maxAccounts {
		return fmt.Errorf("%w: max %d", ErrPoolFull, p.maxAccounts)
	}
	p.handles[account.ID] = newHandle(account, p.deps, p.timing)
	return nil
}

// Remove 停止会话并清理该账号的全部内存状态。
func (p *Pool) Remove(ctx context.Context, accountID string) error {
	p.mu.Lock()
	h, ok := p.handles[accountID]
	if ok {
		delete(p.handles, accountID)
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownAccount
	}
	err := h.Stop(ctx)
	purged := 0
	if p.purger != nil {
		purged = p.purger.Remove(accountID)
	}
	if p.forgetter != nil {
		p.forgetter.Forget(accountID)
	}
	p.log("info", "账号已移除", map[string]any{"accountId": accountID, "contexts": purged})
	return err
}

func (p *Pool) handle(accountID string) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handles[accountID]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return h, nil
}

func (p *Pool) Start(ctx context.Context, accountID string) error {
	h, err := p.handle(accountID)
	if err != nil {
		return err
	}
	return h.Start(ctx)
}

func (p *Pool) Stop(ctx context.Context, accountID string) error {
	h, err := p.handle(accountID)
	if err != nil {
		return err
	}
	return h.Stop(ctx)
}

func (p *Pool) Restart(ctx context.Context, accountID string) error {
	h, err := p.handle(accountID)
	if err != nil {
		return err
	}
	if err := h.Stop(ctx); err != nil {
		return err
	}
	return h.Start(ctx)
}

// StartAll 启动全部启用的账号，单个失败不影响其它账号。
func (p *Pool) StartAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range p.snapshot() {
		if !h.Account().Policy.Active {
			continue
		}
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.Start(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", h.ID(), err))
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Pool) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range p.snapshot() {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = h.Stop(ctx)
		}(h)
	}
	wg.Wait()
}

func (p *Pool) snapshot() []*Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ActiveAccounts 当前在线的账号 ID。
func (p *Pool) ActiveAccounts() []string {
	var out []string
	for _, h := range p.snapshot() {
		if h.State() == model.SessionOnline {
			out = append(out, h.ID())
		}
	}
	return out
}

func (p *Pool) Status(accountID string) (model.SessionStatus, bool) {
	h, err := p.handle(accountID)
	if err != nil {
		return model.SessionStatus{}, false
	}
	return h.Status(), true
}

// Statuses 全部账号（含 Error 状态）及其会话状态。
func (p *Pool) Statuses() []model.AccountView {
	hs := p.snapshot()
	out := make([]model.AccountView, 0, len(hs))
	for _, h := range hs {
		out = append(out, model.AccountView{Account: h.Account(), Session: h.Status()})
	}
	return out
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

func (p *Pool) Account(id string) (model.Account, bool) {
	h, err := p.handle(id)
	if err != nil {
		return model.Account{}, false
	}
	return h.Account(), true
}

// SetPolicyActive 启用/停用账号；停用后路由直接跳过其事件，会话保持。
func (p *Pool) SetPolicyActive(accountID string, active bool) (model.Account, error) {
	h, err := p.handle(accountID)
	if err != nil {
		return model.Account{}, err
	}
	h.mu.Lock()
	h.account.Policy.Active = active
	acc := h.account
	h.mu.Unlock()
	p.log("info", "账号启用状态已更新", map[string]any{"accountId": accountID, "active": active})
	return acc, nil
}

// Outbound 返回账号的动作出口。
func (p *Pool) Outbound(accountID string) (router.Outbound, bool) {
	h, err := p.handle(accountID)
	if err != nil {
		return nil, false
	}
	return h, true
}

func (p *Pool) log(level, msg string, fields map[string]any) {
	if p.bus != nil {
		p.bus.Log(level, msg, fields)
	}
}
