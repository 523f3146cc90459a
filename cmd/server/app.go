package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/dialogue"
	"groupbot_engine/internal/gateway"
	"groupbot_engine/internal/httpapi"
	"groupbot_engine/internal/keyword"
	"groupbot_engine/internal/llm"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/monitor"
	"groupbot_engine/internal/notify"
	"groupbot_engine/internal/ratelimit"
	"groupbot_engine/internal/redpacket"
	"groupbot_engine/internal/redpacket/gamestatus"
	"groupbot_engine/internal/router"
	"groupbot_engine/internal/scheduler"
	"groupbot_engine/internal/session"
	"groupbot_engine/internal/store/sqlite"
)

type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	bus      *logbus.Bus
	store    *sqlite.Store
	pool     *session.Pool
	notifier *notify.EmailNotifier
	sched    *scheduler.Scheduler
	server   *http.Server
}

func buildApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	bus := logbus.New(cfg.Log.BusCapacity)
	bus.SetLogger(&logger)

	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	mon := monitor.New()
	mon.Publish("groupbot_")

	contexts, err := dialogue.NewStore(cfg.Dialogue)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var gen llm.Generator
	if cfg.LLM.APIKey != "" {
		gen = llm.NewOpenAIClient(cfg.LLM)
	} else {
		bus.Log("warn", "未配置 LLM apiKey，对话回复关闭", nil)
	}
	responder := dialogue.NewResponder(dialogue.ResponderOptions{
		Store:     contexts,
		Generator: gen,
		Config:    cfg.Dialogue,
		LLM:       llm.Options{Model: cfg.LLM.Model, Temperature: cfg.LLM.Temperature, MaxTokens: cfg.LLM.MaxTokens},
		Bus:       bus,
	})

	keywords, err := keyword.New(cfg.Keywords)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	strategy, err := redpacket.BuildStrategy(cfg.Redpacket)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var source redpacket.DropSource
	if cfg.Redpacket.StatusAPI.BaseURL != "" {
		source = gamestatus.New(cfg.Redpacket.StatusAPI)
	}

	notifier := notify.NewEmailNotifier(notify.EmailOptions{Settings: store, Bus: bus})

	packets := redpacket.New(redpacket.Options{
		Config:   cfg.Redpacket,
		Strategy: strategy,
		Source:   source,
		Recorder: store,
		Notifier: notifier,
		Monitor:  mon,
		Bus:      bus,
	})

	exec := router.NewExecutor(router.ExecutorOptions{Config: cfg.Executor, Bus: bus, Monitor: mon})
	packets.SetClicker(exec)

	limiter := ratelimit.New(cfg.RateLimit)
	rt := router.New(router.Options{
		Limiter:  limiter,
		Executor: exec,
		Stages: router.DefaultStages(
			router.RedpacketStage{Engine: packets, Contexts: contexts, Bus: bus},
			router.KeywordStage{Engine: keywords, Contexts: contexts},
			router.DialogueStage{Responder: responder, Monitor: mon},
		),
		Config:  cfg.Router,
		Monitor: mon,
		Bus:     bus,
	})

	pool := session.NewPool(session.Options{
		Config:      cfg.Pool,
		Dialer:      gateway.NewDialer(gateway.Options{URL: cfg.Gateway.URL, Bus: bus}),
		Credentials: store,
		Handler:     rt,
		Purger:      contexts,
		Forgetter:   exec,
		Notifier:    notifier,
		Bus:         bus,
	})
	rt.SetAccounts(pool)
	exec.SetResolver(pool)

	sched := scheduler.New(time.Second, bus)
	sched.Register("dialogue_sweep", cfg.Dialogue.SweepInterval(), func(time.Time) {
		res := contexts.Sweep()
		mon.SetContextOccupancy(res.Live)
		if res.Expired+res.Evicted > 0 {
			bus.Log("info", "对话上下文已回收", map[string]any{"expired": res.Expired, "evicted": res.Evicted, "live": res.Live})
		}
	})
	sched.Register("context_occupancy", 10*time.Second, func(time.Time) { mon.SetContextOccupancy(contexts.Len()) })
	sched.Register("router_dedup_sweep", cfg.Router.DedupTTL(), func(now time.Time) { rt.SweepDedup(now) })
	sched.Register("rate_limit_sweep", time.Minute, func(now time.Time) { limiter.Sweep(now) })
	sched.Register("redpacket_sweep", cfg.Redpacket.DedupWindow(), func(now time.Time) { packets.Sweep(now) })
	sched.Register("keyword_sweep", time.Minute, func(now time.Time) { keywords.Sweep(now) })
	sched.Register("participation_prune", time.Hour, func(now time.Time) {
		pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		n, err := store.PruneParticipations(pctx, now.Add(-cfg.Storage.RecordRetention()))
		if err != nil {
			bus.Log("warn", "参与记录清理失败", map[string]any{"error": err.Error()})
			return
		}
		if n > 0 {
			bus.Log("info", "参与记录已清理", map[string]any{"removed": n})
		}
	})

	var accessLog io.Writer
	if cfg.Server.AccessLog {
		accessLog = os.Stdout
	}
	api := httpapi.New(httpapi.Options{
		Cfg:       cfg,
		Bus:       bus,
		Store:     store,
		Pool:      pool,
		Redpacket: packets,
		Monitor:   mon,
		Contexts:  contexts,
		AccessLog: accessLog,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		store:    store,
		pool:     pool,
		notifier: notifier,
		sched:    sched,
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// seedAccounts 把配置文件里的账号写入存储，再把存储里的全部账号装入池。
func (a *app) seedAccounts(ctx context.Context) error {
	for _, acc := range a.cfg.Accounts {
		if existing, err := a.store.GetAccount(ctx, acc.ID); err == nil {
			acc.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, sqlite.ErrNotFound) {
			return err
		}
		if _, err := a.store.UpsertAccount(ctx, acc, model.Credentials{}); err != nil {
			return fmt.Errorf("seed account %s: %w", acc.ID, err)
		}
	}
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		acc.Policy = a.cfg.FillPolicy(acc.Policy)
		if err := a.pool.Add(acc); err != nil {
			a.bus.Log("warn", "账号未装入会话池", map[string]any{"accountId": acc.ID, "error": err.Error()})
		}
	}
	return nil
}

func (a *app) run(ctx context.Context) error {
	if err := a.seedAccounts(ctx); err != nil {
		return err
	}
	if err := a.pool.StartAll(ctx); err != nil {
		a.bus.Log("warn", "部分账号启动失败", map[string]any{"error": err.Error()})
	}
	a.sched.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		a.bus.Log("info", "HTTP 服务启动", map[string]any{"addr": a.cfg.Server.Addr})
		serverErr <- a.server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.bus.Log("info", "收到退出信号", nil)
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
			a.bus.Log("error", "HTTP 服务异常退出", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)
	return runErr
}

func (a *app) shutdown(ctx context.Context) {
	_ = a.server.Shutdown(ctx)
	a.sched.Stop()
	a.pool.StopAll(ctx)
	_ = a.notifier.Close(ctx)
	a.bus.Log("info", "服务已停止", nil)
	a.bus.Close()
	_ = a.store.Close()
}
