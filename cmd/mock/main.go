package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"groupbot_engine/internal/gateway"
	"groupbot_engine/internal/model"
)

// 本地联调用的假网关：/mock/gateway 走 websocket 帧协议，/mock/groups/{id}/drops 模拟红包状态接口。
func main() {
	addr := flag.String("addr", ":8080", "listen address")
	token := flag.String("token", "", "accepted token, empty accepts any non-empty token")
	every := flag.Duration("every", 3*time.Second, "event interval per connection")
	groups := flag.String("groups", "g1,g2", "comma separated group ids")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	m := &mockGateway{
		token:  *token,
		every:  *every,
		groups: strings.Split(*groups, ","),
		drops:  make(map[string]*mockDrop),
		log:    logger,
	}

	r := chi.NewRouter()
	r.Get("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	r.Get("/mock/gateway", m.serveGateway)
	r.Get("/mock/groups/{groupId}/drops", m.serveDrops)

	srv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	logger.Info().Str("addr", *addr).Msg("mock 网关启动")
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("mock 网关退出")
	}
}

type mockDrop struct {
	ID        string
	GroupID   string
	SenderID  string
	Amount    decimal.Decimal
	Total     int
	Remaining int
	ExpiresAt time.Time
	claimed   map[string]bool
}

type mockGateway struct {
	token  string
	every  time.Duration
	groups []string
	log    zerolog.Logger

	mu    sync.Mutex
	seq   int
	drops map[string]*mockDrop
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (m *mockGateway) serveGateway(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var auth gateway.Frame
	if err := conn.ReadJSON(&auth); err != nil || auth.Type != gateway.FrameAuth {
		return
	}
	ack := gateway.Frame{Type: gateway.FrameAuthResult, ID: auth.ID, OK: true}
	if auth.Token == "" || (m.token != "" && auth.Token != m.token) {
		ack.OK = false
		ack.Error = "invalid token"
	}
	if err := conn.WriteJSON(ack); err != nil || !ack.OK {
		return
	}
	if auth.AccountID != "" {
		accountID = auth.AccountID
	}
	m.log.Info().Str("accountId", accountID).Msg("账号已接入")

	var writeMu sync.Mutex
	write := func(f gateway.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(f)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f gateway.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != gateway.FrameAction || f.Action == nil {
				continue
			}
			res := m.perform(accountID, *f.Action)
			res.ActionID = f.ID
			if err := write(gateway.Frame{Type: gateway.FrameResult, ID: f.ID, Result: &res}); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			m.log.Info().Str("accountId", accountID).Msg("账号断开")
			return
		case <-ticker.C:
			evt := m.nextEvent(accountID)
			if err := write(gateway.Frame{Type: gateway.FrameEvent, Event: &evt}); err != nil {
				return
			}
		}
	}
}

var chatter = []string{
	"大家好",
	"今天有活动吗",
	"在吗",
	"这个怎么玩",
	"谢谢老板",
	"哈哈哈",
}

// nextEvent 每五条消息里有一条是红包。
func (m *mockGateway) nextEvent(accountID string) model.InboundEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	group := m.groups[rand.Intn(len(m.groups))]
	sender := fmt.Sprintf("u%d", rand.Intn(20)+1)
	evt := model.InboundEvent{
		EventID:    ulid.Make().String(),
		AccountID:  accountID,
		GroupID:    group,
		ChatType:   model.ChatGroup,
		SenderID:   sender,
		SenderName: "用户" + sender,
		MessageID:  fmt.Sprintf("m%d", m.seq),
		Timestamp:  time.Now(),
	}
	if m.seq%5 != 0 {
		evt.Text = chatter[rand.Intn(len(chatter))]
		return evt
	}

	d := &mockDrop{
		ID:        fmt.Sprintf("env%d", m.seq),
		GroupID:   group,
		SenderID:  sender,
		Amount:    decimal.NewFromInt(int64(rand.Intn(200) + 1)),
		Total:     rand.Intn(5) + 1,
		ExpiresAt: time.Now().Add(2 * time.Minute),
		claimed:   make(map[string]bool),
	}
	d.Remaining = d.Total
	m.drops[d.ID] = d
	evt.Text = "恭喜发财，大吉大利"
	evt.Buttons = []model.InteractiveButton{{
		Text:         "抢红包",
		CallbackData: fmt.Sprintf("rp:%s:%s:%d", d.ID, d.Amount.String(), d.Total),
	}}
	return evt
}

func (m *mockGateway) perform(accountID string, a model.Action) model.ActionResult {
	if a.Type != model.ActionClickButton {
		return model.ActionResult{OK: true}
	}
	parts := strings.Split(a.CallbackData, ":")
	if len(parts) < 2 {
		return model.ActionResult{Message: "bad callback"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drops[parts[1]]
	switch {
	case !ok || time.Now().After(d.ExpiresAt):
		return model.ActionResult{Message: "expired"}
	case d.claimed[accountID]:
		return model.ActionResult{Message: "already claimed"}
	case d.Remaining <= 0:
		return model.ActionResult{Message: "claimed out"}
	}
	d.claimed[accountID] = true
	d.Remaining--

	share := d.Amount.Div(decimal.NewFromInt(int64(d.Total)))
	// 手气随机浮动在 0.5x 到 1.5x 之间
	got := share.Mul(decimal.NewFromFloat(0.5 + rand.Float64())).Round(2)
	return model.ActionResult{OK: true, Amount: &got}
}

type dropDTO struct {
	EnvelopeID     string          `json:"envelopeId"`
	SenderID       string          `json:"senderId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	TotalCount     int             `json:"totalCount"`
	RemainingCount int             `json:"remainingCount"`
	ExpiresAtMs    int64           `json:"expiresAtMs"`
}

func (m *mockGateway) serveDrops(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupId")
	now := time.Now()

	m.mu.Lock()
	out := make([]dropDTO, 0)
	for id, d := range m.drops {
		if now.After(d.ExpiresAt) {
			delete(m.drops, id)
			continue
		}
		if d.GroupID != groupID || d.Remaining <= 0 {
			continue
		}
		out = append(out, dropDTO{
			EnvelopeID:     d.ID,
			SenderID:       d.SenderID,
			Amount:         d.Amount,
			TotalCount:     d.Total,
			RemainingCount: d.Remaining,
			ExpiresAtMs:    d.ExpiresAt.UnixMilli(),
		})
	}
	m.mu.Unlock()

	writeJSON(w, map[string]any{"success": true, "data": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
