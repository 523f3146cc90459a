package redpacket

import (
	"context"
	crand "crypto/rand"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/monitor"
	"groupbot_engine/internal/notify"
)

// Clicker 实际点击红包按钮（由 ActionExecutor 实现）。
type Clicker interface {
	Click(ctx context.Context, drop *model.Drop, accountID string) (model.ActionResult, error)
}

// Recorder 持久化参与记录。
type Recorder interface {
	InsertParticipation(ctx context.Context, rec model.ParticipationRecord) error
}

var errNoClicker = errors.New("no clicker configured")

type Options struct {
	Config   config.RedpacketConfig
	Strategy Strategy
	Source   DropSource
	Clicker  Clicker
	Recorder Recorder
	Notifier notify.Notifier
	Monitor  monitor.Sink
	Bus      *logbus.Bus
	Now      func() time.Time
	Draw     func() float64
}

// Outcome 一次参与尝试的结果。Err 为 BusinessRejection 时表示正常的否定决策。
type Outcome struct {
	Record       model.ParticipationRecord
	Err          error
	Announcement *model.Action
}

type dropState struct {
	drop         *model.Drop
	lastSeen     time.Time
	claimedCount int
	participants []string
	bestAccount  string
	bestAmount   decimal.Decimal
	announced    bool
}

// clickMark 点击标记：n 为 1 已尝试，2 已出现过重复尝试。
type clickMark struct {
	n  int
	at time.Time
}

type hourKey struct {
	accountID string
	hour      int64
}

type Engine struct {
	cfg       config.RedpacketConfig
	minAmount decimal.Decimal
	strategy  Strategy
	source    DropSource
	clicker   Clicker
	recorder  Recorder
	notifier  notify.Notifier
	monitor   monitor.Sink
	bus       *logbus.Bus
	now       func() time.Time
	draw      func() float64

	mu      sync.Mutex
	drops   map[string]*dropState
	seen    map[string]time.Time // accountID|dropID -> 首次评估时间
	clicks  map[string]clickMark // accountID|dropID
	hourly  map[hourKey]int
	records []model.ParticipationRecord
	recHead int
	recSize int

	statusMu    sync.Mutex
	statusCache map[string]statusCacheEntry

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func New(opts Options) *Engine {
	e := &Engine{
		cfg:         opts.Config,
		minAmount:   opts.Config.MinAmountDecimal(),
		strategy:    opts.Strategy,
		source:      opts.Source,
		clicker:     opts.Clicker,
		recorder:    opts.Recorder,
		notifier:    opts.Notifier,
		monitor:     opts.Monitor,
		bus:         opts.Bus,
		now:         opts.Now,
		draw:        opts.Draw,
		drops:       make(map[string]*dropState),
		seen:        make(map[string]time.Time),
		clicks:      make(map[string]clickMark),
		hourly:      make(map[hourKey]int),
		statusCache: make(map[string]statusCacheEntry),
	}
	if e.strategy == nil {
		e.strategy = Composite{}
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.monitor == nil {
		e.monitor = monitor.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.draw == nil {
		e.draw = rand.Float64
	}
	capacity := e.cfg.RecordCap
	if capacity <= 0 {
		capacity = 1000
	}
	e.records = make([]model.ParticipationRecord, capacity)
	e.entropy = ulid.Monotonic(crand.Reader, 0)
	return e
}

// SetClicker 打破 Engine 与 Executor 之间的构造环。
func (e *Engine) SetClicker(c Clicker) {
	e.mu.Lock()
	e.clicker = c
	e.mu.Unlock()
}

func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// Now 引擎使用的时钟。
func (e *Engine) Now() time.Time { return e.now() }

func clickKey(accountID, dropID string) string { return accountID + "|" + dropID }

func hourBucket(t time.Time) int64 {
	return t.Truncate(time.Hour).Unix()
}

// Detect 识别事件中的红包，返回本账号在去重窗口内首次看到的红包。
// 状态接口调用不持锁，失败时退化为仅按钮识别。
func (e *Engine) Detect(ctx context.Context, evt model.InboundEvent) []*model.Drop {
	if !e.cfg.Enabled || evt.GroupID == "" {
		return nil
	}
	now := e.now()
	found := structural(evt, e.cfg.CallbackPrefixes, now)

	if e.source != nil && (len(found) > 0 || hasTriggerWord(evt.Text, e.cfg.TriggerWords)) {
		infos, err := e.activeDrops(ctx, evt.GroupID, now)
		if err != nil {
			e.log("debug", "红包状态查询失败，仅按钮识别", map[string]any{"groupId": evt.GroupID, "error": err.Error()})
		}
		found = mergeStatus(found, infos, evt, now)
	}
	if len(found) == 0 {
		return nil
	}

	window := e.cfg.DedupWindow()
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.Drop
	for _, d := range found {
		st, ok := e.drops[d.DropID]
		if ok {
			// 同一红包再次出现只刷新时间，聚合与播报状态保留
			st.lastSeen = now
		} else {
			st = &dropState{drop: d, lastSeen: now}
			e.drops[d.DropID] = st
		}
		key := clickKey(evt.AccountID, d.DropID)
		if at, ok := e.seen[key]; ok && now.Sub(at) < window {
			continue
		}
		e.seen[key] = now
		out = append(out, st.drop)
		e.monitor.Inc(monitor.DropsDetected, evt.AccountID)
	}
	return out
}

func mergeStatus(found []*model.Drop, infos []DropInfo, evt model.InboundEvent, now time.Time) []*model.Drop {
	byID := make(map[string]*model.Drop, len(found))
	for _, d := range found {
		byID[d.DropID] = d
	}
	for _, info := range infos {
		if info.EnvelopeID == "" {
			continue
		}
		if !info.ExpiresAt.IsZero() && now.After(info.ExpiresAt) {
			continue
		}
		if info.Remaining != nil && *info.Remaining <= 0 {
			continue
		}
		id := model.DropID(evt.GroupID, info.EnvelopeID)
		if d, ok := byID[id]; ok {
			// 尚未登记，补全按钮上缺失的字段
			if d.Amount == nil {
				d.Amount = info.Amount
			}
			if d.TotalCount == nil {
				d.TotalCount = info.TotalCount
			}
			continue
		}
		d := &model.Drop{
			DropID:     id,
			GroupID:    evt.GroupID,
			EnvelopeID: info.EnvelopeID,
			SenderID:   info.SenderID,
			MessageID:  evt.MessageID,
			Amount:     info.Amount,
			TotalCount: info.TotalCount,
			DetectedAt: now,
			DetectedBy: model.DropFromStatusAPI,
		}
		byID[id] = d
		found = append(found, d)
	}
	return found
}

func (e *Engine) activeDrops(ctx context.Context, groupID string, now time.Time) ([]DropInfo, error) {
	ttl := e.cfg.StatusAPI.CacheTTL()
	e.statusMu.Lock()
	if c, ok := e.statusCache[groupID]; ok && now.Sub(c.at) < ttl {
		e.statusMu.Unlock()
		return c.drops, c.err
	}
	e.statusMu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, e.cfg.StatusAPI.Timeout())
	defer cancel()
	infos, err := e.source.GetActiveDrops(qctx, groupID)

	e.statusMu.Lock()
	e.statusCache[groupID] = statusCacheEntry{at: now, drops: infos, err: err}
	e.statusMu.Unlock()
	return infos, err
}

// Evaluate 计算参与概率。
func (e *Engine) Evaluate(drop *model.Drop, account model.Account, lastReplyAt time.Time) float64 {
	now := e.now()
	return e.strategy.Evaluate(EvalInput{
		Drop:        drop,
		Account:     account,
		HourlyCount: e.HourlyCount(account.ID, now),
		LastReplyAt: lastReplyAt,
		Now:         now,
	})
}

func (e *Engine) Decide(p float64) bool {
	return e.draw() < p
}

// Participate 执行一次参与。同一 (账号, 红包) 至多成功一次。
func (e *Engine) Participate(ctx context.Context, drop *model.Drop, account model.Account) Outcome {
	now := e.now()
	rec := model.ParticipationRecord{
		ID:        e.newID(now),
		DropID:    drop.DropID,
		AccountID: account.ID,
		Timestamp: now,
	}

	switch {
	case !e.cfg.Enabled:
		return e.reject(rec, errkind.ErrRedpacketDisabled, false)
	case !account.Policy.Active:
		return e.reject(rec, errkind.ErrAccountInactive, false)
	case !account.Policy.RedpacketEnabled:
		return e.reject(rec, errkind.ErrRedpacketDisabled, false)
	}

	key := clickKey(account.ID, drop.DropID)
	hk := hourKey{accountID: account.ID, hour: hourBucket(now)}

	e.mu.Lock()
	if m, ok := e.clicks[key]; ok {
		if m.n == 1 {
			e.clicks[key] = clickMark{n: 2, at: m.at}
		}
		e.mu.Unlock()
		return e.reject(rec, errkind.ErrDuplicateClick, true)
	}
	e.clicks[key] = clickMark{n: 1, at: now}
	if drop.Amount != nil && drop.Amount.LessThan(e.minAmount) {
		e.mu.Unlock()
		return e.reject(rec, errkind.ErrBelowMinimum, true)
	}
	if limit := e.cfg.MaxPerHour; limit > 0 && e.hourly[hk] >= limit {
		e.mu.Unlock()
		return e.reject(rec, errkind.ErrQuotaExceeded, true)
	}
	// 先占用本小时额度，失败再归还，保证并发下不超额
	e.hourly[hk]++
	clicker := e.clicker
	e.mu.Unlock()

	var (
		res model.ActionResult
		err error
	)
	if clicker == nil {
		err = errkind.Unavailable("redpacket click", errNoClicker)
	} else {
		res, err = clicker.Click(ctx, drop, account.ID)
	}
	if err == nil && !res.OK {
		err = errkind.Reject(firstNonEmpty(res.Message, "claim_failed"))
	}

	if err != nil {
		e.mu.Lock()
		if e.hourly[hk] > 0 {
			e.hourly[hk]--
		}
		e.mu.Unlock()
		rec.Error = err.Error()
		e.appendRecord(ctx, rec)
		e.monitor.Inc(monitor.ParticipationsFailed, account.ID)
		e.log("info", "红包领取失败", map[string]any{"accountId": account.ID, "dropId": drop.DropID, "error": err.Error()})
		return Outcome{Record: rec, Err: err}
	}

	rec.Success = true
	rec.Amount = res.Amount
	e.appendRecord(ctx, rec)
	e.monitor.Inc(monitor.ParticipationsOK, account.ID)

	out := Outcome{Record: rec}
	if a := e.updateAggregate(drop, rec); a != nil {
		out.Announcement = a
		amount := ""
		if rec.Amount != nil {
			amount = rec.Amount.String()
		}
		e.notifier.NotifyBestLuck(ctx, notify.Event{
			At:        now.UnixMilli(),
			AccountID: account.ID,
			GroupID:   drop.GroupID,
			DropID:    drop.DropID,
			Amount:    amount,
		})
	}
	fields := map[string]any{"accountId": account.ID, "dropId": drop.DropID}
	if rec.Amount != nil {
		fields["amount"] = rec.Amount.String()
	}
	e.log("info", "红包领取成功", fields)
	return out
}

// updateAggregate 更新红包聚合并判定手气最佳；需要播报时先标记再返回动作。
func (e *Engine) updateAggregate(drop *model.Drop, rec model.ParticipationRecord) *model.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.drops[drop.DropID]
	if !ok {
		st = &dropState{drop: drop, lastSeen: rec.Timestamp}
		e.drops[drop.DropID] = st
	}
	st.claimedCount++
	st.participants = append(st.participants, rec.AccountID)

	if rec.Amount == nil {
		return nil
	}
	if st.bestAccount != "" && !rec.Amount.GreaterThan(st.bestAmount) {
		return nil
	}
	st.bestAccount = rec.AccountID
	st.bestAmount = *rec.Amount
	if st.announced {
		return nil
	}
	st.announced = true
	return &model.Action{
		Type:      model.ActionSendMessage,
		AccountID: rec.AccountID,
		Target:    drop.GroupID,
		Text:      e.cfg.BestLuckText,
		ReplyTo:   drop.MessageID,
		Source:    "redpacket:best_luck",
	}
}

func (e *Engine) reject(rec model.ParticipationRecord, err error, record bool) Outcome {
	rec.Error = errkind.Code(err)
	if record {
		e.appendRecord(context.Background(), rec)
	}
	e.log("debug", "红包参与跳过", map[string]any{"accountId": rec.AccountID, "dropId": rec.DropID, "reason": rec.Error})
	return Outcome{Record: rec, Err: err}
}

func (e *Engine) appendRecord(ctx context.Context, rec model.ParticipationRecord) {
	e.mu.Lock()
	e.records[e.recHead] = rec
	e.recHead = (e.recHead + 1) % len(e.records)
	if e.recSize < len(e.records) {
		e.recSize++
	}
	recorder := e.recorder
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(logbus.TypeParticipation, rec)
	}
	if recorder != nil {
		if err := recorder.InsertParticipation(ctx, rec); err != nil {
			e.log("warn", "参与记录写入失败", map[string]any{"dropId": rec.DropID, "error": err.Error()})
		}
	}
}

// Records 最近的参与记录，新的在前；limit<=0 返回全部。
func (e *Engine) Records(limit int) []model.ParticipationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.recSize
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.ParticipationRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (e.recHead - 1 - i + len(e.records)) % len(e.records)
		out = append(out, e.records[idx])
	}
	return out
}

func (e *Engine) DropStats(dropID string) (model.DropStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.drops[dropID]
	if !ok {
		return model.DropStats{}, false
	}
	out := model.DropStats{
		DropID:       dropID,
		ClaimedCount: st.claimedCount,
		Participants: append([]string(nil), st.participants...),
		BestAccount:  st.bestAccount,
		Announced:    st.announced,
	}
	if st.drop.TotalCount != nil {
		left := *st.drop.TotalCount - st.claimedCount
		if left < 0 {
			left = 0
		}
		out.Remaining = &left
	}
	return out, true
}

func (e *Engine) HourlyCount(accountID string, t time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hourly[hourKey{accountID: accountID, hour: hourBucket(t)}]
}

// ClickAttempts 点击记录计数：0 未尝试，1 已尝试，2 已出现过重复尝试。
func (e *Engine) ClickAttempts(accountID, dropID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks[clickKey(accountID, dropID)].n
}

// Sweep 清理过期的去重记录与旧的小时计数；红包聚合和点击标记
// 按 ClaimRetention 保留，窗口过后再次出现的红包仍不能重复领取。
func (e *Engine) Sweep(now time.Time) int {
	window := e.cfg.DedupWindow()
	retention := e.cfg.ClaimRetention()
	current := hourBucket(now)
	removed := 0

	e.mu.Lock()
	for id, st := range e.drops {
		if now.Sub(st.lastSeen) >= retention {
			delete(e.drops, id)
			removed++
		}
	}
	for k, at := range e.seen {
		if now.Sub(at) >= window {
			delete(e.seen, k)
		}
	}
	for k, m := range e.clicks {
		if now.Sub(m.at) < retention {
			continue
		}
		if st, ok := e.drops[dropIDOf(k)]; ok && now.Sub(st.lastSeen) < retention {
			continue
		}
		delete(e.clicks, k)
	}
	for k := range e.hourly {
		if k.hour < current {
			delete(e.hourly, k)
		}
	}
	e.mu.Unlock()

	e.statusMu.Lock()
	for g, c := range e.statusCache {
		if now.Sub(c.at) >= e.cfg.StatusAPI.CacheTTL() {
			delete(e.statusCache, g)
		}
	}
	e.statusMu.Unlock()
	return removed
}

func dropIDOf(key string) string {
	if _, dropID, ok := strings.Cut(key, "|"); ok {
		return dropID
	}
	return key
}

func (e *Engine) newID(now time.Time) string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), e.entropy).String()
}

func (e *Engine) log(level, msg string, fields map[string]any) {
	if e.bus != nil {
		e.bus.Log(level, msg, fields)
	}
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
