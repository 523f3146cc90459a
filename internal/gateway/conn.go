package gateway

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/session"
)

var (
	errNoURL  = errors.New("gateway url not configured")
	errClosed = errors.New("gateway connection closed")
)

type Options struct {
	URL          string
	PingInterval time.Duration
	WriteTimeout time.Duration
	EventBuffer  int
	Bus          *logbus.Bus
}

// Dialer 通过 websocket 网关为账号建立连接。
type Dialer struct {
	opts Options
	ws   *websocket.Dialer
}

func NewDialer(opts Options) *Dialer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Dialer{
		opts: opts,
		ws:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
}

// Dial 建连并完成鉴权；鉴权被拒返回 errkind.ErrNeedsReauth。
func (d *Dialer) Dial(ctx context.Context, account model.Account, creds model.Credentials) (session.Connection, error) {
	raw := creds.Endpoint
	if raw == "" {
		raw = d.opts.URL
	}
	if raw == "" {
		return nil, errkind.NonRetryableErr("dial", errNoURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errkind.NonRetryableErr("dial", err)
	}
	q := u.Query()
	q.Set("account", account.ID)
	u.RawQuery = q.Encode()

	ws, resp, err := d.ws.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errkind.NonRetryableErr("dial", errkind.ErrNeedsReauth)
		}
		return nil, errkind.TransientErr("dial", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(dl)
		_ = ws.SetWriteDeadline(dl)
	}
	if err := ws.WriteJSON(Frame{Type: FrameAuth, AccountID: account.ID, Token: creds.Token}); err != nil {
		_ = ws.Close()
		return nil, errkind.TransientErr("auth", err)
	}
	var ack Frame
	if err := ws.ReadJSON(&ack); err != nil {
		_ = ws.Close()
		return nil, errkind.TransientErr("auth", err)
	}
	if ack.Type != FrameAuthResult || !ack.OK {
		_ = ws.Close()
		return nil, errkind.NonRetryableErr("auth", fmt.Errorf("%w: %s", errkind.ErrNeedsReauth, ack.Error))
	}
	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})

	c := &Conn{
		ws:        ws,
		accountID: account.ID,
		opts:      d.opts,
		events:    make(chan model.InboundEvent, d.opts.EventBuffer),
		pending:   map[string]chan model.ActionResult{},
		closed:    make(chan struct{}),
		entropy:   ulid.Monotonic(crand.Reader, 0),
	}
	c.connected.Store(true)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(3 * c.opts.PingInterval))
	})
	_ = ws.SetReadDeadline(time.Now().Add(3 * c.opts.PingInterval))
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Conn 一个账号的网关连接。写操作串行，读由 readLoop 独占。
type Conn struct {
	ws        *websocket.Conn
	accountID string
	opts      Options
	events    chan model.InboundEvent

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan model.ActionResult

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) Events() <-chan model.InboundEvent { return c.events }

func (c *Conn) IsConnected() bool { return c.connected.Load() }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Perform 发送动作并等待同 ID 的结果帧。
func (c *Conn) Perform(ctx context.Context, action model.Action) (model.ActionResult, error) {
	if !c.IsConnected() {
		return model.ActionResult{}, errkind.TransientErr("perform", errClosed)
	}
	if action.ID == "" {
		action.ID = c.newID()
	}
	ch := make(chan model.ActionResult, 1)
	c.pendingMu.Lock()
	c.pending[action.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, action.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(Frame{Type: FrameAction, ID: action.ID, Action: &action}); err != nil {
		return model.ActionResult{ActionID: action.ID}, errkind.TransientErr("perform", err)
	}

	select {
	case res := <-ch:
		if res.ActionID == "" {
			res.ActionID = action.ID
		}
		return res, nil
	case <-ctx.Done():
		return model.ActionResult{ActionID: action.ID}, errkind.TransientErr("perform", ctx.Err())
	case <-c.closed:
		return model.ActionResult{ActionID: action.ID}, errkind.TransientErr("perform", errClosed)
	}
}

func (c *Conn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteJSON(f)
}

func (c *Conn) readLoop() {
	defer close(c.events)
	defer c.connected.Store(false)
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.closed:
			default:
				c.log("warn", "网关连接读取失败", map[string]any{"error": err.Error()})
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(3 * c.opts.PingInterval))

		switch f.Type {
		case FrameEvent:
			if f.Event == nil {
				continue
			}
			evt := *f.Event
			if evt.AccountID == "" {
				evt.AccountID = c.accountID
			}
			if evt.Timestamp.IsZero() {
				evt.Timestamp = time.Now()
			}
			select {
			case c.events <- evt:
			case <-c.closed:
				return
			}
		case FrameResult:
			res := model.ActionResult{ActionID: f.ID, OK: f.OK, Message: f.Error}
			if f.Result != nil {
				res = *f.Result
			}
			c.pendingMu.Lock()
			ch := c.pending[f.ID]
			c.pendingMu.Unlock()
			if ch != nil {
				select {
				case ch <- res:
				default:
				}
			}
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.connected.Store(false)
				return
			}
		}
	}
}

func (c *Conn) newID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return ulid.MustNew(ulid.Now(), c.entropy).String()
}

func (c *Conn) log(level, msg string, fields map[string]any) {
	if c.opts.Bus == nil {
		return
	}
	fields["accountId"] = c.accountID
	c.opts.Bus.Log(level, msg, fields)
}
