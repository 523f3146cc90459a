package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/notify"
)

// Connection 与聊天平台的一条连接。
type Connection interface {
	Events() <-chan model.InboundEvent
	IsConnected() bool
	Perform(ctx context.Context, action model.Action) (model.ActionResult, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, account model.Account, creds model.Credentials) (Connection, error)
}

// CredentialStore 解析账号凭证；需要重新登录时返回 errkind.ErrNeedsReauth。
type CredentialStore interface {
	Resolve(ctx context.Context, accountID string) (model.Credentials, error)
}

// ReauthMarker 可选：凭证失效时打标，供管理端展示。
type ReauthMarker interface {
	MarkNeedsReauth(ctx context.Context, accountID string, needs bool) error
}

type EventHandler interface {
	HandleEvent(ctx context.Context, evt model.InboundEvent)
}

type Timing struct {
	HealthInterval       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	StopTimeout          time.Duration
}

var (
	errNotConnected = errors.New("not connected")
	errStopped      = errors.New("session stopped")
)

// Handle 单个账号的会话：一条连接，加上入站、健康检查、重连三个循环。
type Handle struct {
	deps   *deps
	timing Timing

	mu          sync.Mutex
	account     model.Account
	state       model.SessionState
	lastErr     string
	attempts    int
	connectedAt time.Time
	updatedAt   time.Time
	conn        Connection
	connReady   chan struct{}
	cancel      context.CancelFunc
	abort       context.CancelFunc
	done        chan struct{}
	reconnectCh chan struct{}
}

type deps struct {
	dialer   Dialer
	creds    CredentialStore
	notifier notify.Notifier
	bus      *logbus.Bus

	handlerMu sync.RWMutex
	handler   EventHandler
}

func (d *deps) eventHandler() EventHandler {
	d.handlerMu.RLock()
	defer d.handlerMu.RUnlock()
	return d.handler
}

func newHandle(account model.Account, d *deps, timing Timing) *Handle {
	return &Handle{
		deps:      d,
		timing:    timing,
		account:   account,
		state:     model.SessionOffline,
		updatedAt: time.Now(),
		connReady: make(chan struct{}),
	}
}

func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.account.ID
}

func (h *Handle) Account() model.Account {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.account
}

func (h *Handle) setAccount(a model.Account) {
	h.mu.Lock()
	h.account = a
	h.mu.Unlock()
}

func (h *Handle) State() model.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Status() model.SessionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked()
}

func (h *Handle) statusLocked() model.SessionStatus {
	st := model.SessionStatus{
		AccountID:         h.account.ID,
		State:             h.state,
		LastError:         h.lastErr,
		ReconnectAttempts: h.attempts,
		UpdatedAtMs:       h.updatedAt.UnixMilli(),
	}
	if !h.connectedAt.IsZero() {
		st.ConnectedAtMs = h.connectedAt.UnixMilli()
	}
	return st
}

func (h *Handle) setStateLocked(s model.SessionState) {
	h.state = s
	h.updatedAt = time.Now()
	if h.deps.bus != nil {
		h.deps.bus.Publish(logbus.TypeSessionState, h.statusLocked())
	}
}

// Start 在线或启动中时为空操作；从 Offline/Error 启动时先立即连接一次，
// 网络类失败转入后台退避重连，凭证类失败直接进入 Error。
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case model.SessionOnline, model.SessionStarting:
		h.mu.Unlock()
		return nil
	case model.SessionStopping:
		h.mu.Unlock()
		return errors.New("session is stopping")
	}
	prevDone := h.done
	h.lastErr = ""
	h.attempts = 0
	h.setStateLocked(model.SessionStarting)
	h.mu.Unlock()

	// 上一轮循环（Error 时只取消未等待）退出后再开新一轮
	if prevDone != nil {
		timer := time.NewTimer(h.timing.StopTimeout)
		select {
		case <-prevDone:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	// Stop 只取消 runCtx；workCtx 在强制关闭或进入 Error 时才取消
	workCtx, abort := context.WithCancel(context.WithoutCancel(runCtx))
	err := h.connectOnce(ctx, runCtx)
	if err != nil && errkind.KindOf(err) == errkind.NonRetryable {
		cancel()
		abort()
		h.fail(err)
		return err
	}
	if errors.Is(err, errStopped) {
		cancel()
		abort()
		return err
	}

	h.mu.Lock()
	if h.state != model.SessionStarting {
		h.mu.Unlock()
		cancel()
		abort()
		return errStopped
	}
	h.cancel = cancel
	h.abort = abort
	h.done = make(chan struct{})
	h.reconnectCh = make(chan struct{}, 1)
	if err == nil {
		h.connectedAt = time.Now()
		h.setStateLocked(model.SessionOnline)
	}
	done, reconnectCh := h.done, h.reconnectCh
	h.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); h.inboundLoop(runCtx, workCtx) }()
	go func() { defer wg.Done(); h.healthLoop(runCtx) }()
	go func() { defer wg.Done(); h.reconnectLoop(runCtx, reconnectCh) }()
	go func() { wg.Wait(); close(done) }()

	if err != nil {
		h.log("warn", "首次连接失败，进入重连", map[string]any{"error": err.Error()})
		h.triggerReconnect()
		return nil
	}
	h.log("info", "会话已上线", nil)
	return nil
}

// Stop 取消所有循环，有界等待其退出（含处理中的事件）后关闭连接；
// 超时则中止处理中的动作并强制关闭。
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state == model.SessionOffline {
		h.mu.Unlock()
		return nil
	}
	h.setStateLocked(model.SessionStopping)
	cancel, abort, done := h.cancel, h.abort, h.done
	h.cancel, h.abort = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	forced := false
	if done != nil {
		timer := time.NewTimer(h.timing.StopTimeout)
		select {
		case <-done:
		case <-timer.C:
			forced = true
		case <-ctx.Done():
			forced = true
		}
		timer.Stop()
	}
	if abort != nil {
		abort()
	}

	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.broadcastLocked()
	h.connectedAt = time.Time{}
	h.attempts = 0
	h.setStateLocked(model.SessionOffline)
	h.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if forced {
		h.log("warn", "会话停止超时，已强制关闭连接", nil)
	} else {
		h.log("info", "会话已停止", nil)
	}
	return nil
}

// Do 在当前连接上执行动作。停止过程中连接关闭前仍可用。
func (h *Handle) Do(ctx context.Context, action model.Action) (model.ActionResult, error) {
	h.mu.Lock()
	conn, state := h.conn, h.state
	h.mu.Unlock()
	usable := state == model.SessionOnline || state == model.SessionStopping
	if conn == nil || !usable || !conn.IsConnected() {
		return model.ActionResult{}, errkind.TransientErr("perform", errNotConnected)
	}
	return conn.Perform(ctx, action)
}

// connectOnce 解析凭证并拨号；只在会话仍处于启动/在线状态时安装新连接。
func (h *Handle) connectOnce(ctx, runCtx context.Context) error {
	acc := h.Account()
	creds, err := h.deps.creds.Resolve(ctx, acc.ID)
	if err != nil {
		if errors.Is(err, errkind.ErrNeedsReauth) {
			return errkind.NonRetryableErr("resolve credentials", err)
		}
		return classify("resolve credentials", err)
	}

	dctx, cancel := context.WithTimeout(ctx, h.timing.ConnectTimeout)
	defer cancel()
	conn, err := h.deps.dialer.Dial(dctx, acc, creds)
	if err != nil {
		if errors.Is(err, errkind.ErrNeedsReauth) {
			return errkind.NonRetryableErr("dial", err)
		}
		return classify("dial", err)
	}

	h.mu.Lock()
	if runCtx.Err() != nil || (h.state != model.SessionStarting && h.state != model.SessionOnline) {
		h.mu.Unlock()
		_ = conn.Close()
		return errStopped
	}
	old := h.conn
	h.conn = conn
	h.broadcastLocked()
	h.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// classify 未分类的错误按网络抖动处理。
func classify(op string, err error) error {
	if errkind.KindOf(err) != errkind.Unknown {
		return err
	}
	return errkind.TransientErr(op, err)
}

// broadcastLocked 通知入站循环连接已更换。
func (h *Handle) broadcastLocked() {
	close(h.connReady)
	h.connReady = make(chan struct{})
}

func (h *Handle) triggerReconnect() {
	h.mu.Lock()
	ch := h.reconnectCh
	h.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *Handle) reconnectLoop(ctx context.Context, trigger <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			h.reconnect(ctx)
		}
	}
}

func (h *Handle) reconnect(ctx context.Context) {
	h.mu.Lock()
	if h.state != model.SessionOnline && h.state != model.SessionStarting {
		h.mu.Unlock()
		return
	}
	if h.state == model.SessionOnline && h.conn != nil && h.conn.IsConnected() {
		h.mu.Unlock()
		return
	}
	h.setStateLocked(model.SessionStarting)
	h.mu.Unlock()

	maxAttempts := h.timing.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	delay := h.timing.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h.mu.Lock()
		h.attempts = attempt
		h.mu.Unlock()

		err := h.connectOnce(ctx, ctx)
		if err == nil {
			h.mu.Lock()
			if h.state == model.SessionStarting {
				h.attempts = 0
				h.lastErr = ""
				h.connectedAt = time.Now()
				h.setStateLocked(model.SessionOnline)
			}
			h.mu.Unlock()
			h.log("info", "重连成功", map[string]any{"attempt": attempt})
			return
		}
		if ctx.Err() != nil || errors.Is(err, errStopped) {
			return
		}
		if errkind.KindOf(err) == errkind.NonRetryable {
			h.fail(err)
			return
		}
		lastErr = err
		h.mu.Lock()
		h.lastErr = err.Error()
		h.mu.Unlock()
		h.log("warn", "重连失败", map[string]any{"attempt": attempt, "error": err.Error(), "nextDelayMs": delay.Milliseconds()})
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if h.timing.MaxReconnectDelay > 0 && delay > h.timing.MaxReconnectDelay {
			delay = h.timing.MaxReconnectDelay
		}
	}
	h.fail(fmt.Errorf("reconnect failed after %d attempts: %w", maxAttempts, lastErr))
}

// fail 进入 Error：取消循环但不等待（可能在循环内调用），关闭连接并告警。
func (h *Handle) fail(err error) {
	h.mu.Lock()
	if h.state == model.SessionStopping || h.state == model.SessionOffline {
		h.mu.Unlock()
		return
	}
	h.lastErr = err.Error()
	cancel, abort := h.cancel, h.abort
	h.cancel, h.abort = nil, nil
	conn := h.conn
	h.conn = nil
	h.connectedAt = time.Time{}
	h.broadcastLocked()
	h.setStateLocked(model.SessionError)
	acc := h.account
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if abort != nil {
		abort()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if errors.Is(err, errkind.ErrNeedsReauth) {
		if m, ok := h.deps.creds.(ReauthMarker); ok {
			if mErr := m.MarkNeedsReauth(context.Background(), acc.ID, true); mErr != nil {
				h.log("warn", "标记凭证失效失败", map[string]any{"error": mErr.Error()})
			}
		}
	}
	h.log("error", "会话进入错误状态", map[string]any{"error": err.Error(), "kind": errkind.KindOf(err).String()})
	if h.deps.notifier != nil {
		h.deps.notifier.NotifySessionError(context.Background(), notify.Event{
			At:        time.Now().UnixMilli(),
			AccountID: acc.ID,
			Error:     err.Error(),
		})
	}
}

func (h *Handle) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(h.timing.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			state, conn := h.state, h.conn
			h.mu.Unlock()
			switch state {
			case model.SessionOnline:
				if conn == nil || !conn.IsConnected() {
					h.log("warn", "健康检查发现连接断开", nil)
					h.triggerReconnect()
				}
			case model.SessionStarting:
			default:
				return
			}
		}
	}
}

// inboundLoop 在 ctx 上循环，事件交给 workCtx 处理；单个事件处理完才检查退出。
func (h *Handle) inboundLoop(ctx, workCtx context.Context) {
	for {
		h.mu.Lock()
		conn, ready := h.conn, h.connReady
		h.mu.Unlock()

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-ready:
				continue
			}
		}

		events := conn.Events()
	drain:
		for {
			select {
			case <-ctx.Done():
				return
			case <-ready:
				break drain
			case evt, ok := <-events:
				if !ok {
					h.triggerReconnect()
					select {
					case <-ctx.Done():
						return
					case <-ready:
					}
					break drain
				}
				if ctx.Err() != nil {
					return
				}
				h.dispatch(workCtx, evt)
			}
		}
	}
}

func (h *Handle) dispatch(ctx context.Context, evt model.InboundEvent) {
	handler := h.deps.eventHandler()
	if handler == nil {
		return
	}
	if evt.AccountID == "" {
		evt.AccountID = h.ID()
	}
	defer func() {
		if r := recover(); r != nil {
			h.log("error", "事件处理异常", map[string]any{"eventId": evt.EventID, "panic": r})
		}
	}()
	handler.HandleEvent(ctx, evt)
}

func (h *Handle) log(level, msg string, fields map[string]any) {
	if h.deps.bus == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["accountId"] = h.ID()
	h.deps.bus.Log(level, msg, fields)
}
