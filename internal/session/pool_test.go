package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/notify"
)

type fakeConn struct {
	events    chan model.InboundEvent
	connected atomic.Bool
	closeOnce sync.Once
	delay     time.Duration

	mu        sync.Mutex
	performed []model.Action
}

func newFakeConn() *fakeConn {
	c := &fakeConn{events: make(chan model.InboundEvent, 8)}
	c.connected.Store(true)
	return c
}

func (c *fakeConn) Events() <-chan model.InboundEvent { return c.events }
func (c *fakeConn) IsConnected() bool                 { return c.connected.Load() }

func (c *fakeConn) Perform(ctx context.Context, a model.Action) (model.ActionResult, error) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return model.ActionResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if !c.IsConnected() {
		return model.ActionResult{}, errors.New("connection closed")
	}
	c.mu.Lock()
	c.performed = append(c.performed, a)
	c.mu.Unlock()
	return model.ActionResult{ActionID: a.ID, OK: true}, nil
}

func (c *fakeConn) Close() error {
	c.connected.Store(false)
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

type fakeDialer struct {
	mu           sync.Mutex
	calls        int
	errs         []error
	conns        []*fakeConn
	performDelay time.Duration
}

func (d *fakeDialer) Dial(context.Context, model.Account, model.Credentials) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	c.delay = d.performDelay
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type fakeCreds struct {
	mu     sync.Mutex
	failOn map[string]error
	marked map[string]bool
}

func (f *fakeCreds) Resolve(_ context.Context, id string) (model.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[id]; err != nil {
		return model.Credentials{}, err
	}
	return model.Credentials{AccountID: id, Token: "tok-" + id}, nil
}

func (f *fakeCreds) MarkNeedsReauth(_ context.Context, id string, needs bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marked == nil {
		f.marked = map[string]bool{}
	}
	f.marked[id] = needs
	return nil
}

type recordingHandler struct {
	mu     sync.Mutex
	events []model.InboundEvent
}

func (h *recordingHandler) HandleEvent(_ context.Context, evt model.InboundEvent) {
	h.mu.Lock()
	h.events = append(h.events, evt)
	h.mu.Unlock()
}

func (h *recordingHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type handlerFunc func(ctx context.Context, evt model.InboundEvent)

func (f handlerFunc) HandleEvent(ctx context.Context, evt model.InboundEvent) { f(ctx, evt) }

type countingPurger struct {
	mu      sync.Mutex
	removed []string
}

func (p *countingPurger) Remove(id string) int {
	p.mu.Lock()
	p.removed = append(p.removed, id)
	p.mu.Unlock()
	return 2
}

func (p *countingPurger) Forget(id string) {
	p.mu.Lock()
	p.removed = append(p.removed, "forget:"+id)
	p.mu.Unlock()
}

func fastTiming() *Timing {
	return &Timing{
		HealthInterval:       10 * time.Millisecond,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ConnectTimeout:       time.Second,
		StopTimeout:          time.Second,
	}
}

type harness struct {
	pool     *Pool
	dialer   *fakeDialer
	creds    *fakeCreds
	handler  *recordingHandler
	notifier *notify.Recorder
	purger   *countingPurger
}

func newHarness(t *testing.T, maxAccounts int, accounts ...string) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{},
		creds:    &fakeCreds{failOn: map[string]error{}},
		handler:  &recordingHandler{},
		notifier: &notify.Recorder{},
		purger:   &countingPurger{},
	}
	h.pool = NewPool(Options{
		Config:      config.PoolConfig{MaxAccounts: maxAccounts},
		Timing:      fastTiming(),
		Dialer:      h.dialer,
		Credentials: h.creds,
		Handler:     h.handler,
		Purger:      h.purger,
		Forgetter:   h.purger,
		Notifier:    h.notifier,
	})
	for _, id := range accounts {
		require.NoError(t, h.pool.Add(model.Account{ID: id, Policy: model.AccountPolicy{Active: true}}))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.pool.StopAll(ctx)
	})
	return h
}

func (h *harness) state(id string) model.SessionState {
	st, _ := h.pool.Status(id)
	return st.State
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, 0, "a1")
	ctx := context.Background()

	require.NoError(t, h.pool.Start(ctx, "a1"))
	require.NoError(t, h.pool.Start(ctx, "a1"))

	assert.Equal(t, 1, h.dialer.Calls())
	assert.Equal(t, model.SessionOnline, h.state("a1"))
	assert.Equal(t, []string{"a1"}, h.pool.ActiveAccounts())

	require.NoError(t, h.pool.Stop(ctx, "a1"))
	assert.Equal(t, model.SessionOffline, h.state("a1"))
	assert.False(t, h.dialer.Conn(0).IsConnected())
	assert.Empty(t, h.pool.ActiveAccounts())

	require.NoError(t, h.pool.Stop(ctx, "a1"))
}

func TestConcurrentStartDialsOnce(t *testing.T) {
	h := newHarness(t, 0, "a1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.pool.Start(context.Background(), "a1")
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.state("a1") == model.SessionOnline }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.dialer.Calls())
}

func TestAuthFailureGoesStraightToError(t *testing.T) {
	h := newHarness(t, 0, "a1")
	h.creds.failOn["a1"] = errkind.ErrNeedsReauth

	err := h.pool.Start(context.Background(), "a1")
	require.Error(t, err)
	assert.Equal(t, errkind.NonRetryable, errkind.KindOf(err))
	assert.ErrorIs(t, err, errkind.ErrNeedsReauth)

	st, ok := h.pool.Status("a1")
	require.True(t, ok)
	assert.Equal(t, model.SessionError, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 0, h.dialer.Calls())

	events := h.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.KindSessionError, events[0].Kind)
	assert.Equal(t, "a1", events[0].AccountID)

	h.creds.mu.Lock()
	assert.True(t, h.creds.marked["a1"])
	h.creds.mu.Unlock()
}

func TestTransientDialFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, 0, "a1")
	h.dialer.errs = []error{errors.New("connection refused"), errors.New("connection reset")}

	require.NoError(t, h.pool.Start(context.Background(), "a1"))

	require.Eventually(t, func() bool { return h.state("a1") == model.SessionOnline }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.dialer.Calls())

	st, _ := h.pool.Status("a1")
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Empty(t, h.notifier.Events())
}

func TestReconnectExhaustionEntersError(t *testing.T) {
	h := newHarness(t, 0, "a1")
	fail := errors.New("connection refused")
	h.dialer.errs = []error{fail, fail, fail, fail, fail, fail}

	require.NoError(t, h.pool.Start(context.Background(), "a1"))

	require.Eventually(t, func() bool { return h.state("a1") == model.SessionError }, time.Second, 5*time.Millisecond)
	// 首次连接 + 3 次重连
	assert.Equal(t, 4, h.dialer.Calls())
	st, _ := h.pool.Status("a1")
	assert.Contains(t, st.LastError, "reconnect failed after 3 attempts")
	require.Len(t, h.notifier.Events(), 1)

	// Error 状态可以被重新启动
	require.NoError(t, h.pool.Start(context.Background(), "a1"))
	require.Eventually(t, func() bool { return h.state("a1") == model.SessionOnline }, time.Second, 5*time.Millisecond)
}

func TestHealthCheckReconnectsSilentDrop(t *testing.T) {
	h := newHarness(t, 0, "a1")
	require.NoError(t, h.pool.Start(context.Background(), "a1"))

	h.dialer.Conn(0).connected.Store(false)

	require.Eventually(t, func() bool {
		c := h.dialer.Conn(1)
		return c != nil && c.IsConnected() && h.state("a1") == model.SessionOnline
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.dialer.Calls())
}

func TestInboundEventsReachHandlerAcrossReconnect(t *testing.T) {
	h := newHarness(t, 0, "a1")
	require.NoError(t, h.pool.Start(context.Background(), "a1"))

	h.dialer.Conn(0).events <- model.InboundEvent{EventID: "e1", GroupID: "g1", Text: "hi"}
	require.Eventually(t, func() bool { return h.handler.Len() == 1 }, time.Second, 5*time.Millisecond)

	h.handler.mu.Lock()
	assert.Equal(t, "a1", h.handler.events[0].AccountID)
	h.handler.mu.Unlock()

	// 连接被对端关闭后自动重连，新连接上的事件继续投递
	_ = h.dialer.Conn(0).Close()
	require.Eventually(t, func() bool {
		c := h.dialer.Conn(1)
		return c != nil && h.state("a1") == model.SessionOnline
	}, time.Second, 5*time.Millisecond)

	h.dialer.Conn(1).events <- model.InboundEvent{EventID: "e2", GroupID: "g1", Text: "again"}
	require.Eventually(t, func() bool { return h.handler.Len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDoRequiresOnlineSession(t *testing.T) {
	h := newHarness(t, 0, "a1")
	out, ok := h.pool.Outbound("a1")
	require.True(t, ok)

	_, err := out.Do(context.Background(), model.Action{ID: "x", Type: model.ActionSendMessage})
	require.Error(t, err)
	assert.Equal(t, errkind.Transient, errkind.KindOf(err))

	require.NoError(t, h.pool.Start(context.Background(), "a1"))
	res, err := out.Do(context.Background(), model.Action{ID: "x", Type: model.ActionSendMessage})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "x", res.ActionID)

	_, ok = h.pool.Outbound("nope")
	assert.False(t, ok)
}

func TestRestartRedials(t *testing.T) {
	h := newHarness(t, 0, "a1")
	ctx := context.Background()
	require.NoError(t, h.pool.Start(ctx, "a1"))
	require.NoError(t, h.pool.Restart(ctx, "a1"))

	assert.Equal(t, model.SessionOnline, h.state("a1"))
	assert.Equal(t, 2, h.dialer.Calls())
	assert.False(t, h.dialer.Conn(0).IsConnected())
	assert.True(t, h.dialer.Conn(1).IsConnected())
}

func TestPoolAddRespectsMaxAccounts(t *testing.T) {
	h := newHarness(t, 1, "a1")

	err := h.pool.Add(model.Account{ID: "a2"})
	assert.ErrorIs(t, err, ErrPoolFull)

	require.NoError(t, h.pool.Add(model.Account{ID: "a1", DisplayName: "renamed"}))
	acc, ok := h.pool.Account("a1")
	require.True(t, ok)
	assert.Equal(t, "renamed", acc.DisplayName)
	assert.Equal(t, 1, h.pool.Len())

	assert.ErrorIs(t, h.pool.Add(model.Account{}), ErrEmptyAccountID)
}

func TestPoolRemovePurgesAccountState(t *testing.T) {
	h := newHarness(t, 0, "a1", "a2")
	require.NoError(t, h.pool.Start(context.Background(), "a1"))

	require.NoError(t, h.pool.Remove(context.Background(), "a1"))

	_, ok := h.pool.Account("a1")
	assert.False(t, ok)
	assert.False(t, h.dialer.Conn(0).IsConnected())
	h.purger.mu.Lock()
	assert.Equal(t, []string{"a1", "forget:a1"}, h.purger.removed)
	h.purger.mu.Unlock()

	assert.ErrorIs(t, h.pool.Remove(context.Background(), "a1"), ErrUnknownAccount)
	assert.ErrorIs(t, h.pool.Start(context.Background(), "a1"), ErrUnknownAccount)
}

func TestStartAllSkipsInactiveAndListsErrors(t *testing.T) {
	h := newHarness(t, 0, "a1", "a2")
	require.NoError(t, h.pool.Add(model.Account{ID: "a3", Policy: model.AccountPolicy{Active: false}}))
	h.creds.failOn["a2"] = errkind.ErrNeedsReauth

	err := h.pool.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a2")

	views := h.pool.Statuses()
	require.Len(t, views, 3)
	assert.Equal(t, "a1", views[0].ID)
	assert.Equal(t, model.SessionOnline, views[0].Session.State)
	assert.Equal(t, model.SessionError, views[1].Session.State)
	assert.Equal(t, model.SessionOffline, views[2].Session.State)
	assert.Equal(t, 1, h.dialer.Calls())
}

func TestSetPolicyActive(t *testing.T) {
	h := newHarness(t, 0, "a1")

	acc, err := h.pool.SetPolicyActive("a1", false)
	require.NoError(t, err)
	assert.False(t, acc.Policy.Active)

	got, _ := h.pool.Account("a1")
	assert.False(t, got.Policy.Active)

	_, err = h.pool.SetPolicyActive("missing", true)
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

type doResult struct {
	res model.ActionResult
	err error
}

func TestStopLetsInFlightActionFinish(t *testing.T) {
	h := newHarness(t, 0, "a1")
	h.dialer.performDelay = 200 * time.Millisecond

	started := make(chan struct{})
	results := make(chan doResult, 1)
	h.pool.SetHandler(handlerFunc(func(ctx context.Context, evt model.InboundEvent) {
		out, ok := h.pool.Outbound(evt.AccountID)
		if !ok {
			results <- doResult{err: errors.New("no outbound")}
			return
		}
		close(started)
		res, err := out.Do(ctx, model.Action{ID: "act1", Type: model.ActionSendMessage, AccountID: evt.AccountID, Target: "g1", Text: "hi"})
		results <- doResult{res: res, err: err}
	}))

	ctx := context.Background()
	require.NoError(t, h.pool.Start(ctx, "a1"))
	h.dialer.Conn(0).events <- model.InboundEvent{EventID: "e1", GroupID: "g1", Text: "hello"}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.pool.Stop(ctx, "a1"))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.True(t, r.res.OK)
		assert.Equal(t, "act1", r.res.ActionID)
	case <-time.After(time.Second):
		t.Fatal("action did not finish")
	}
	assert.Equal(t, model.SessionOffline, h.state("a1"))
	assert.False(t, h.dialer.Conn(0).IsConnected())
}

func TestStopForcesCloseWhenHandlerHangs(t *testing.T) {
	timing := fastTiming()
	timing.StopTimeout = 50 * time.Millisecond
	dialer := &fakeDialer{}
	started := make(chan struct{})
	aborted := make(chan error, 1)
	pool := NewPool(Options{
		Timing:      timing,
		Dialer:      dialer,
		Credentials: &fakeCreds{failOn: map[string]error{}},
		Handler: handlerFunc(func(ctx context.Context, _ model.InboundEvent) {
			close(started)
			<-ctx.Done()
			aborted <- ctx.Err()
		}),
	})
	require.NoError(t, pool.Add(model.Account{ID: "a1", Policy: model.AccountPolicy{Active: true}}))

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx, "a1"))
	dialer.Conn(0).events <- model.InboundEvent{EventID: "e1", GroupID: "g1"}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	begin := time.Now()
	require.NoError(t, pool.Stop(ctx, "a1"))
	elapsed := time.Since(begin)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	st, ok := pool.Status("a1")
	require.True(t, ok)
	assert.Equal(t, model.SessionOffline, st.State)
	assert.False(t, dialer.Conn(0).IsConnected())

	select {
	case err := <-aborted:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
}
