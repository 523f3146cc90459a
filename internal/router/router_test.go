package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/dialogue"
	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/keyword"
	"groupbot_engine/internal/llm"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/monitor"
	"groupbot_engine/internal/ratelimit"
	"groupbot_engine/internal/redpacket"
)

type directory map[string]model.Account

func (d directory) Account(id string) (model.Account, bool) {
	a, ok := d[id]
	return a, ok
}

type fakeOutbound struct {
	mu      sync.Mutex
	actions []model.Action
	amount  string
}

func (f *fakeOutbound) Do(_ context.Context, a model.Action) (model.ActionResult, error) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
	res := model.ActionResult{ActionID: a.ID, OK: true}
	if a.Type == model.ActionClickButton && f.amount != "" {
		d := decimal.RequireFromString(f.amount)
		res.Amount = &d
	}
	return res, nil
}

func (f *fakeOutbound) sent() []model.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Action(nil), f.actions...)
}

type resolver map[string]*fakeOutbound

func (r resolver) Outbound(id string) (Outbound, bool) {
	o, ok := r[id]
	if !ok {
		return nil, false
	}
	return o, true
}

type harness struct {
	router   *Router
	out      *fakeOutbound
	contexts *dialogue.Store
	rp       *redpacket.Engine
	mon      *monitor.Service
}

func newHarness(t *testing.T, accounts directory, kw []config.KeywordRule, limits config.RateLimitConfig) *harness {
	t.Helper()
	mon := monitor.New()
	out := &fakeOutbound{amount: "1.23"}
	res := resolver{}
	for id := range accounts {
		res[id] = out
	}
	exec := NewExecutor(ExecutorOptions{
		Resolver: res,
		Config:   config.ExecutorConfig{SendQPS: 1000, SendBurst: 100},
		Monitor:  mon,
	})

	store, err := dialogue.NewStore(config.DialogueConfig{ContextCacheSize: 100})
	require.NoError(t, err)
	responder := dialogue.NewResponder(dialogue.ResponderOptions{
		Store:     store,
		Generator: llm.Static{Text: "收到"},
		Draw:      func() float64 { return 0 },
	})

	rpCfg := config.Default().Redpacket
	rpCfg.Strategies = nil
	rp := redpacket.New(redpacket.Options{
		Config:  rpCfg,
		Clicker: exec,
		Monitor: mon,
		Draw:    func() float64 { return 0 },
	})

	kwEngine, err := keyword.New(kw)
	require.NoError(t, err)

	r := New(Options{
		Accounts: accounts,
		Limiter:  ratelimit.New(limits),
		Executor: exec,
		Stages: DefaultStages(
			RedpacketStage{Engine: rp, Contexts: store},
			KeywordStage{Engine: kwEngine, Contexts: store},
			DialogueStage{Responder: responder, Monitor: mon},
		),
		Config:  config.RouterConfig{BlacklistUsers: []string{"spammer"}, BlacklistGroups: []string{"bad"}},
		Monitor: mon,
	})
	return &harness{router: r, out: out, contexts: store, rp: rp, mon: mon}
}

func replyAccount(id string) model.Account {
	return model.Account{
		ID:         id,
		SelfUserID: "self-" + id,
		Groups:     []string{"g1"},
		Policy: model.AccountPolicy{
			Active:                   true,
			ReplyRate:                1,
			MinReplyIntervalSeconds:  0,
			RedpacketEnabled:         true,
			RedpacketProbabilityBase: 1,
		},
	}
}

func TestHandleProducesDialogueReply(t *testing.T) {
	h := newHarness(t, directory{"A1": replyAccount("A1")}, nil, config.RateLimitConfig{})

	res := h.router.Handle(context.Background(), model.InboundEvent{
		EventID: "e1", AccountID: "A1", GroupID: "g1", SenderID: "u1", Text: "大家好", Timestamp: time.Now(),
	})
	require.Empty(t, res.Skipped)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, model.ActionSendMessage, res.Actions[0].Type)
	assert.NotEmpty(t, res.Actions[0].Text)
	assert.Equal(t, "g1", res.Actions[0].Target)

	c, ok := h.contexts.Peek("A1", "g1")
	require.True(t, ok)
	assert.Equal(t, 1, c.RepliesInPeriod(time.Now()))
	require.Len(t, h.out.sent(), 1)
	assert.Equal(t, int64(1), h.mon.Count(monitor.Replies, "A1"))
}

func TestHandleDropsDuplicates(t *testing.T) {
	h := newHarness(t, directory{"A1": replyAccount("A1")}, nil, config.RateLimitConfig{})
	evt := model.InboundEvent{EventID: "e1", AccountID: "A1", GroupID: "g1", SenderID: "u1", Text: "hi"}

	h.router.Handle(context.Background(), evt)
	res := h.router.Handle(context.Background(), evt)
	assert.Equal(t, SkipDuplicate, res.Skipped)
	assert.Equal(t, int64(1), h.mon.Count(monitor.Duplicates, "A1"))
	assert.Equal(t, 1, h.router.SweepDedup(time.Now().Add(2*time.Minute)))
}

func TestClassify(t *testing.T) {
	inactive := replyAccount("A2")
	inactive.Policy.Active = false
	h := newHarness(t, directory{"A1": replyAccount("A1"), "A2": inactive}, nil, config.RateLimitConfig{})

	cases := []struct {
		name string
		evt  model.InboundEvent
		skip string
		ct   model.ChatType
	}{
		{"group", model.InboundEvent{AccountID: "A1", GroupID: "g1", SenderID: "u1"}, "", model.ChatGroup},
		{"private", model.InboundEvent{AccountID: "A1", SenderID: "u1"}, "", model.ChatPrivate},
		{"channel", model.InboundEvent{AccountID: "A1", GroupID: "c1", ChatType: model.ChatChannel, SenderID: "u1"}, "", model.ChatChannel},
		{"self", model.InboundEvent{AccountID: "A1", GroupID: "g1", SenderID: "self-A1"}, SkipSelf, ""},
		{"blocked sender", model.InboundEvent{AccountID: "A1", GroupID: "g1", SenderID: "spammer"}, SkipBlockedSender, ""},
		{"blocked group", model.InboundEvent{AccountID: "A1", GroupID: "bad", SenderID: "u1"}, SkipBlockedGroup, ""},
		{"untargeted group", model.InboundEvent{AccountID: "A1", GroupID: "g9", SenderID: "u1"}, SkipNotTargeted, ""},
		{"unknown", model.InboundEvent{AccountID: "nobody", GroupID: "g1"}, SkipUnknownAccount, ""},
		{"inactive", model.InboundEvent{AccountID: "A2", GroupID: "g1"}, SkipInactive, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mc, skip := h.router.Classify(tc.evt)
			assert.Equal(t, tc.skip, skip)
			if tc.skip == "" {
				assert.Equal(t, tc.ct, mc.ChatType)
			}
		})
	}
}

func TestHandleRateLimitedSilently(t *testing.T) {
	h := newHarness(t, directory{"A1": replyAccount("A1")}, nil, config.RateLimitConfig{PerGroupPerMinute: 1})
	h.router.Handle(context.Background(), model.InboundEvent{EventID: "e1", AccountID: "A1", GroupID: "g1", SenderID: "u", Text: "a"})
	res := h.router.Handle(context.Background(), model.InboundEvent{EventID: "e2", AccountID: "A1", GroupID: "g1", SenderID: "u", Text: "b"})
	assert.Equal(t, SkipRateLimited, res.Skipped)
	assert.Empty(t, res.Actions)
	assert.Equal(t, int64(1), h.mon.Count(monitor.RateLimited, "A1"))
}

func TestKeywordStopSkipsDialogue(t *testing.T) {
	h := newHarness(t, directory{"A1": replyAccount("A1")}, []config.KeywordRule{
		{Name: "ad", Pattern: "广告", Action: "delete_message", Stop: true},
	}, config.RateLimitConfig{})

	res := h.router.Handle(context.Background(), model.InboundEvent{EventID: "e1", AccountID: "A1", GroupID: "g1", SenderID: "u", MessageID: "m1", Text: "看广告"})
	require.Len(t, res.Actions, 1)
	assert.Equal(t, model.ActionDeleteMessage, res.Actions[0].Type)
	last := res.Stages[len(res.Stages)-1]
	assert.Equal(t, "keyword", last.Stage)
	assert.True(t, last.Skip)
}

func TestRedpacketAndReplyOnSameEvent(t *testing.T) {
	h := newHarness(t, directory{"A1": replyAccount("A1")}, nil, config.RateLimitConfig{})

	res := h.router.Handle(context.Background(), model.InboundEvent{
		EventID: "e1", AccountID: "A1", GroupID: "g1", SenderID: "u", MessageID: "m1", Text: "红包来了",
		Buttons: []model.InteractiveButton{{Text: "抢", CallbackData: "rp:env1:5:3"}},
	})
	require.Len(t, res.Stages, 4)
	assert.True(t, res.Stages[0].ActionTaken)
	assert.True(t, res.Stages[3].ActionTaken)

	var types []model.ActionType
	for _, a := range h.out.sent() {
		types = append(types, a.Type)
	}
	// 点击、手气最佳播报、对话回复
	assert.Equal(t, []model.ActionType{model.ActionClickButton, model.ActionSendMessage, model.ActionSendMessage}, types)
	assert.Equal(t, "rp:env1:5:3", h.out.sent()[0].CallbackData)
	assert.Equal(t, 1, h.rp.HourlyCount("A1", time.Now()))
}

type clickerFunc func(ctx context.Context, drop *model.Drop, accountID string) (model.ActionResult, error)

func (f clickerFunc) Click(ctx context.Context, drop *model.Drop, accountID string) (model.ActionResult, error) {
	return f(ctx, drop, accountID)
}

func TestRedpacketStageReadsContextOnEngineClock(t *testing.T) {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return at }
	store, err := dialogue.NewStore(config.DialogueConfig{ContextCacheSize: 10}, dialogue.WithClock(clock))
	require.NoError(t, err)
	acc := replyAccount("A1")
	c := store.Get("A1", "g1")
	d, _, _ := c.TryReserve("hi", acc.Policy, at, func() float64 { return 0 })
	require.True(t, d.OK)

	rpCfg := config.Default().Redpacket
	rpCfg.Strategies = nil
	clicks := 0
	rp := redpacket.New(redpacket.Options{
		Config: rpCfg,
		Clicker: clickerFunc(func(context.Context, *model.Drop, string) (model.ActionResult, error) {
			clicks++
			return model.ActionResult{OK: true}, nil
		}),
		Now:  clock,
		Draw: func() float64 { return 0 },
	})

	stage := RedpacketStage{Engine: rp, Contexts: store}
	res := stage.Run(context.Background(), MessageContext{
		Account:  acc,
		ChatType: model.ChatGroup,
		Event: model.InboundEvent{
			AccountID: "A1", GroupID: "g1", MessageID: "m1",
			Buttons: []model.InteractiveButton{{CallbackData: "rp:env1:5:3"}},
		},
	})
	assert.True(t, res.ActionTaken)
	assert.Equal(t, 1, clicks)
	// 按墙钟读取会把回复周期提前滚动
	assert.Equal(t, 1, c.RepliesInPeriod(at))
}

func TestDedupShardsAndTTL(t *testing.T) {
	d := NewDedup(4096, time.Minute)
	now := time.Now()

	var wg sync.WaitGroup
	dupes := make([]int, 8)
	for w := range dupes {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if d.Seen(fmt.Sprintf("A1|e%d", i), now) {
					dupes[w]++
				}
			}
		}(w)
	}
	wg.Wait()
	total := 0
	for _, n := range dupes {
		total += n
	}
	// 每个 key 只有第一次登记不算重复
	assert.Equal(t, 8*50-50, total)

	assert.True(t, d.Seen("A1|e1", now.Add(30*time.Second)))
	assert.False(t, d.Seen("A1|e1", now.Add(2*time.Minute)))
	assert.Equal(t, 49, d.Sweep(now.Add(90*time.Second)))
	assert.Equal(t, 1, d.Len())
}

type panicStage struct{}

func (panicStage) Name() string { return "boom" }
func (panicStage) Run(context.Context, MessageContext) StageResult {
	panic("stage exploded")
}

type countStage struct{ n *int }

func (countStage) Name() string { return "count" }
func (s countStage) Run(context.Context, MessageContext) StageResult {
	*s.n++
	return StageResult{}
}

func TestStagePanicDoesNotAbortPipeline(t *testing.T) {
	n := 0
	r := New(Options{
		Accounts: directory{"A1": replyAccount("A1")},
		Stages:   []Stage{panicStage{}, countStage{n: &n}},
	})
	res := r.Handle(context.Background(), model.InboundEvent{EventID: "e1", AccountID: "A1", GroupID: "g1", SenderID: "u"})
	require.Len(t, res.Stages, 2)
	assert.Contains(t, res.Stages[0].Error, "stage exploded")
	assert.Equal(t, 1, n)
}

func TestExecutorOfflineAccount(t *testing.T) {
	mon := monitor.New()
	x := NewExecutor(ExecutorOptions{Resolver: resolver{}, Monitor: mon})
	_, err := x.Execute(context.Background(), model.Action{Type: model.ActionSendMessage, AccountID: "ghost", Target: "g1", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, errkind.Transient, errkind.KindOf(err))
	assert.Equal(t, int64(1), mon.Count(monitor.ActionsFailed, "ghost"))

	_, err = x.Execute(context.Background(), model.Action{Type: "teleport", AccountID: "ghost"})
	assert.Equal(t, errkind.NonRetryable, errkind.KindOf(err))
}

func TestExecutorDelayHonorsCancel(t *testing.T) {
	out := &fakeOutbound{}
	x := NewExecutor(ExecutorOptions{
		Resolver: resolver{"A1": out},
		Config:   config.ExecutorConfig{MinDelayMs: 5000, MaxDelayMs: 5000},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := x.Execute(ctx, model.Action{Type: model.ActionSendMessage, AccountID: "A1", Target: "g1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, out.sent())
}

func TestExecutorPacingDelayRange(t *testing.T) {
	x := NewExecutor(ExecutorOptions{Config: config.ExecutorConfig{MinDelayMs: 100, MaxDelayMs: 300}, Jitter: func() float64 { return 0.5 }})
	assert.Equal(t, 200*time.Millisecond, x.pacingDelay())
	x = NewExecutor(ExecutorOptions{})
	assert.Zero(t, x.pacingDelay())
}
