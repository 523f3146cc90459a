package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/dialogue"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/monitor"
	"groupbot_engine/internal/redpacket"
	"groupbot_engine/internal/session"
	"groupbot_engine/internal/store/sqlite"
)

type stubConn struct {
	events chan model.InboundEvent
	once   sync.Once
}

func (c *stubConn) Events() <-chan model.InboundEvent { return c.events }
func (c *stubConn) IsConnected() bool                 { return true }
func (c *stubConn) Perform(_ context.Context, a model.Action) (model.ActionResult, error) {
	return model.ActionResult{ActionID: a.ID, OK: true}, nil
}
func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}

type stubDialer struct{}

func (stubDialer) Dial(context.Context, model.Account, model.Credentials) (session.Connection, error) {
	return &stubConn{events: make(chan model.InboundEvent)}, nil
}

type apiHarness struct {
	srv   *httptest.Server
	store *sqlite.Store
	pool  *session.Pool

	access *syncBuffer

	mu       sync.Mutex
	testSent []model.EmailSettings
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Cors.AllowOrigins = []string{"http://admin.local"}

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := logbus.New(64)
	contexts, err := dialogue.NewStore(cfg.Dialogue)
	require.NoError(t, err)
	pool := session.NewPool(session.Options{
		Config:      cfg.Pool,
		Timing:      &session.Timing{HealthInterval: time.Second, ReconnectDelay: 10 * time.Millisecond, MaxReconnectDelay: 50 * time.Millisecond, MaxReconnectAttempts: 1, ConnectTimeout: time.Second, StopTimeout: time.Second},
		Dialer:      stubDialer{},
		Credentials: st,
		Purger:      contexts,
		Bus:         bus,
	})
	t.Cleanup(func() { pool.StopAll(context.Background()) })

	h := &apiHarness{store: st, pool: pool, access: &syncBuffer{}}
	api := New(Options{
		Cfg:       cfg,
		Bus:       bus,
		Store:     st,
		Pool:      pool,
		Redpacket: redpacket.New(redpacket.Options{Config: cfg.Redpacket}),
		Monitor:   monitor.New(),
		Contexts:  contexts,
		AccessLog: h.access,
		SendTestEmail: func(_ context.Context, s model.EmailSettings) error {
			h.mu.Lock()
			h.testSent = append(h.testSent, s)
			h.mu.Unlock()
			return nil
		},
	})
	h.srv = httptest.NewServer(api.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	OK    bool            `json:"ok"`
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

func TestHealthAndExpvar(t *testing.T) {
	h := newAPIHarness(t)

	code, env := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.OK)

	resp, err := http.Get(h.srv.URL + "/debug/vars")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAccountLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	code, env := h.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{
		"id":          "bot-1",
		"displayName": "Bot One",
		"groups":      []string{"g1"},
		"token":       "tok",
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	var view model.AccountView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "bot-1", view.ID)
	assert.True(t, view.Policy.Active)
	assert.Equal(t, 0.3, view.Policy.ReplyRate)
	assert.Equal(t, model.SessionOffline, view.Session.State)

	code, env = h.do(t, http.MethodPost, "/api/v1/accounts/bot-1/start", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var st model.SessionStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, model.SessionOnline, st.State)

	code, env = h.do(t, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"activeAccounts":["bot-1"]`)

	code, _ = h.do(t, http.MethodPost, "/api/v1/accounts/bot-1/stop", nil)
	require.Equal(t, http.StatusOK, code)
	got, _ := h.pool.Status("bot-1")
	assert.Equal(t, model.SessionOffline, got.State)

	code, env = h.do(t, http.MethodPost, "/api/v1/accounts/bot-1/disable", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	stored, err := h.store.GetAccount(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.False(t, stored.Policy.Active)

	code, _ = h.do(t, http.MethodDelete, "/api/v1/accounts/bot-1", nil)
	require.Equal(t, http.StatusOK, code)
	code, env = h.do(t, http.MethodGet, "/api/v1/accounts", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestAccountOpErrors(t *testing.T) {
	h := newAPIHarness(t)

	code, _ := h.do(t, http.MethodPost, "/api/v1/accounts/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, code)

	// 没有令牌的账号需要重新登录
	code, env := h.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"id": "bot-2"})
	require.Equal(t, http.StatusOK, code, env.Error)
	code, env = h.do(t, http.MethodPost, "/api/v1/accounts/bot-2/start", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.NotEmpty(t, env.Error)

	code, _ = h.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRecordsAndDropStats(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.store.InsertParticipation(context.Background(), model.ParticipationRecord{
		ID: "r1", DropID: "g1:e1", AccountID: "a1", Timestamp: time.Now(), Error: "quota_exceeded",
	}))

	code, env := h.do(t, http.MethodGet, "/api/v1/redpacket/records?accountId=a1&limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	var recs []model.ParticipationRecord
	require.NoError(t, json.Unmarshal(env.Data, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "quota_exceeded", recs[0].Error)

	code, _ = h.do(t, http.MethodGet, "/api/v1/redpacket/records?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/redpacket/drops/g1:nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEmailSettingsMaskSecret(t *testing.T) {
	h := newAPIHarness(t)

	code, _ := h.do(t, http.MethodPost, "/api/v1/settings/email", map[string]any{"enabled": true, "email": "not-an-email", "authCode": "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := h.do(t, http.MethodPost, "/api/v1/settings/email", map[string]any{"enabled": true, "email": "ops@qq.com", "authCode": "secret"})
	require.Equal(t, http.StatusOK, code, env.Error)
	var saved model.EmailSettings
	require.NoError(t, json.Unmarshal(env.Data, &saved))
	assert.Equal(t, maskedSecret, saved.AuthCode)

	// 回传掩码不会覆盖已存的授权码
	code, _ = h.do(t, http.MethodPost, "/api/v1/settings/email", map[string]any{"authCode": maskedSecret})
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/settings/email/test", nil)
	require.Equal(t, http.StatusOK, code)
	h.mu.Lock()
	require.Len(t, h.testSent, 1)
	assert.Equal(t, "secret", h.testSent[0].AuthCode)
	h.mu.Unlock()

	code, env = h.do(t, http.MethodGet, "/api/v1/settings/email", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), maskedSecret)
}

func TestCorsPreflight(t *testing.T) {
	h := newAPIHarness(t)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/v1/accounts", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://admin.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://admin.local", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.local")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAccessLogUsesRoutePattern(t *testing.T) {
	h := newAPIHarness(t)

	code, _ := h.do(t, http.MethodPost, "/api/v1/accounts/ghost/stop", nil)
	require.Equal(t, http.StatusNotFound, code)

	assert.Eventually(t, func() bool {
		return strings.Contains(h.access.String(), "/api/v1/accounts/{id}/stop")
	}, time.Second, 10*time.Millisecond)
}
