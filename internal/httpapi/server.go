package httpapi

import (
	"context"
	"errors"
	"expvar"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"
	"github.com/google/uuid"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/dialogue"
	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/monitor"
	"groupbot_engine/internal/notify"
	"groupbot_engine/internal/redpacket"
	"groupbot_engine/internal/session"
	"groupbot_engine/internal/store/sqlite"
	"groupbot_engine/internal/ws"
)

const maskedSecret = "******"

type Options struct {
	Cfg       config.Config
	Bus       *logbus.Bus
	Store     *sqlite.Store
	Pool      *session.Pool
	Redpacket *redpacket.Engine
	Monitor   *monitor.Service
	Contexts  *dialogue.Store
	// SendTestEmail 默认 notify.SendTestEmail
	SendTestEmail func(ctx context.Context, settings model.EmailSettings) error
	// AccessLog 非空时按 JSON 行写 /api/v1 访问日志
	AccessLog io.Writer
}

type Server struct {
	cfg       config.Config
	bus       *logbus.Bus
	store     *sqlite.Store
	pool      *session.Pool
	redpacket *redpacket.Engine
	monitor   *monitor.Service
	contexts  *dialogue.Store
	ws        *ws.Handler
	sendTest  func(ctx context.Context, settings model.EmailSettings) error
	accessLog io.Writer
}

func New(opts Options) *Server {
	send := opts.SendTestEmail
	if send == nil {
		send = notify.SendTestEmail
	}
	return &Server{
		cfg:       opts.Cfg,
		bus:       opts.Bus,
		store:     opts.Store,
		pool:      opts.Pool,
		redpacket: opts.Redpacket,
		monitor:   opts.Monitor,
		contexts:  opts.Contexts,
		ws:        ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
		sendTest:  send,
		accessLog: opts.AccessLog,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/ws", s.ws)
	r.Get("/debug/vars", expvar.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return corsMiddleware(s.cfg.Server.Cors, next) })
		r.Use(s.requestLog)
		if s.accessLog != nil {
			r.Use(accessLogMiddleware(s.accessLog))
		}

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleUpsertAccount)
		r.Delete("/accounts/{id}", s.handleDeleteAccount)
		r.Post("/accounts/{id}/start", s.handleAccountOp("start"))
		r.Post("/accounts/{id}/stop", s.handleAccountOp("stop"))
		r.Post("/accounts/{id}/restart", s.handleAccountOp("restart"))
		r.Post("/accounts/{id}/enable", s.handleSetActive(true))
		r.Post("/accounts/{id}/disable", s.handleSetActive(false))

		r.Get("/redpacket/records", s.handleRecords)
		r.Get("/redpacket/drops/{dropId}", s.handleDropStats)
		r.Get("/metrics", s.handleMetrics)

		r.Get("/settings/email", s.handleGetEmailSettings)
		r.Post("/settings/email", s.handleSaveEmailSettings)
		r.Post("/settings/email/test", s.handleEmailTest)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.bus == nil {
			return
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.bus.Log("debug", "API 请求", map[string]any{
			"requestId":  chimw.GetReqID(r.Context()),
			"method":     r.Method,
			"route":      route,
			"status":     ww.Status(),
			"durationMs": time.Since(start).Milliseconds(),
		})
	})
}

func accessLogMiddleware(out io.Writer) func(http.Handler) http.Handler {
	return httplog.RequestLogger(
		slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{})),
		&httplog.Options{
			Level:              slog.LevelInfo,
			Schema:             httplog.Schema{ResponseStatus: "status", ResponseDuration: "duration_ms"},
			LogRequestBody:     func(*http.Request) bool { return false },
			LogResponseBody:    func(*http.Request) bool { return false },
			LogRequestHeaders:  []string{},
			LogResponseHeaders: []string{},
			LogExtraAttrs: func(req *http.Request, _ string, _ int) []slog.Attr {
				route := req.URL.Path
				if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
					route = rc.RoutePattern()
				}
				return []slog.Attr{
					slog.String("request_id", chimw.GetReqID(req.Context())),
					slog.String("method", req.Method),
					slog.String("route", route),
				}
			},
		},
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "storage unavailable"})
			return
		}
	}
	out := map[string]any{"ok": true}
	if s.pool != nil {
		out["data"] = map[string]any{"accounts": s.pool.Len(), "online": len(s.pool.ActiveAccounts())}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": s.pool.Statuses()})
}

type accountPayload struct {
	ID            string               `json:"id,omitempty"`
	DisplayName   *string              `json:"displayName,omitempty"`
	SelfUserID    *string              `json:"selfUserId,omitempty"`
	CredentialRef *string              `json:"credentialRef,omitempty"`
	Groups        *[]string            `json:"groups,omitempty"`
	Policy        *model.AccountPolicy `json:"policy,omitempty"`
	Token         *string              `json:"token,omitempty"`
	Endpoint      *string              `json:"endpoint,omitempty"`
	Start         bool                 `json:"start,omitempty"`
}

func (s *Server) handleUpsertAccount(w http.ResponseWriter, r *http.Request) {
	var body accountPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	id := strings.TrimSpace(body.ID)
	next, exists := s.pool.Account(id)
	if !exists {
		if id == "" {
			id = uuid.NewString()
		}
		next = model.Account{ID: id, Policy: model.AccountPolicy{Active: true, RedpacketEnabled: true}}
	}
	if body.DisplayName != nil {
		next.DisplayName = strings.TrimSpace(*body.DisplayName)
	}
	if body.SelfUserID != nil {
		next.SelfUserID = strings.TrimSpace(*body.SelfUserID)
	}
	if body.CredentialRef != nil {
		next.CredentialRef = strings.TrimSpace(*body.CredentialRef)
	}
	if body.Groups != nil {
		next.Groups = *body.Groups
	}
	if body.Policy != nil {
		next.Policy = *body.Policy
	}
	next.Policy = s.cfg.FillPolicy(next.Policy)

	var creds model.Credentials
	if body.Token != nil {
		creds.Token = strings.TrimSpace(*body.Token)
	}
	if body.Endpoint != nil {
		creds.Endpoint = strings.TrimSpace(*body.Endpoint)
	}

	if err := s.pool.Add(next); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrPoolFull) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	saved, err := s.store.UpsertAccount(r.Context(), next, creds)
	if err != nil {
		if !exists {
			_ = s.pool.Remove(r.Context(), id)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	_ = s.pool.Add(saved)

	if body.Start {
		if err := s.pool.Start(r.Context(), saved.ID); err != nil {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "data": saved})
			return
		}
	}
	st, _ := s.pool.Status(saved.ID)
	writeJSON(w, http.StatusOK, map[string]any{"data": model.AccountView{Account: saved, Session: st}})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pool.Remove(r.Context(), id); err != nil && !errors.Is(err, session.ErrUnknownAccount) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAccountOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var err error
		switch op {
		case "start":
			err = s.pool.Start(r.Context(), id)
		case "stop":
			err = s.pool.Stop(r.Context(), id)
		case "restart":
			err = s.pool.Restart(r.Context(), id)
		}
		if err != nil {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
			return
		}
		st, _ := s.pool.Status(id)
		writeJSON(w, http.StatusOK, map[string]any{"data": st})
	}
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acc, err := s.pool.SetPolicyActive(id, active)
		if err != nil {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
			return
		}
		if err := s.store.SetAccountPolicy(r.Context(), id, acc.Policy); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": acc})
	}
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseInt(q.Get("limit"), 100)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": s.redpacket.Records(limit)})
		return
	}
	recs, err := s.store.ListParticipations(r.Context(), sqlite.ParticipationFilter{
		AccountID: q.Get("accountId"),
		DropID:    q.Get("dropId"),
		Limit:     limit,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []model.ParticipationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": recs})
}

func (s *Server) handleDropStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.redpacket.DropStats(chi.URLParam(r, "dropId"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "drop not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	data := map[string]any{
		"activeAccounts": s.pool.ActiveAccounts(),
		"accounts":       s.pool.Len(),
	}
	if s.monitor != nil {
		data["counters"] = s.monitor.Snapshot()
	}
	if s.contexts != nil {
		data["contexts"] = s.contexts.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleGetEmailSettings(w http.ResponseWriter, r *http.Request) {
	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if val.AuthCode != "" {
		val.AuthCode = maskedSecret
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": val})
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
}

func (s *Server) handleSaveEmailSettings(w http.ResponseWriter, r *http.Request) {
	var body emailSettingsPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	current, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	next := current
	if body.Enabled != nil {
		next.Enabled = *body.Enabled
	}
	if body.Email != nil {
		next.Email = strings.TrimSpace(*body.Email)
	}
	if body.AuthCode != nil {
		if ac := strings.TrimSpace(*body.AuthCode); ac != maskedSecret {
			next.AuthCode = ac
		}
	}
	if next.Enabled {
		if err := notify.ValidateEmailSettings(next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
	}

	saved, err := s.store.UpsertEmailSettings(r.Context(), next)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if saved.AuthCode != "" {
		saved.AuthCode = maskedSecret
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": saved})
}

type emailTestPayload struct {
	Email    string `json:"email,omitempty"`
	AuthCode string `json:"authCode,omitempty"`
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	var body emailTestPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if v := strings.TrimSpace(body.Email); v != "" {
		val.Email = v
	}
	if v := strings.TrimSpace(body.AuthCode); v != "" && v != maskedSecret {
		val.AuthCode = v
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	if err := s.sendTest(ctx, val); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// statusFor 把会话错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownAccount):
		return http.StatusNotFound
	case errkind.KindOf(err) == errkind.NonRetryable:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseInt(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}
