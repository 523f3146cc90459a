package dialogue

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/llm"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
)

type Responder struct {
	store *Store
	gen   llm.Generator
	cfg   config.DialogueConfig
	opts  llm.Options
	bus   *logbus.Bus
	now   func() time.Time
	draw  func() float64
}

type ResponderOptions struct {
	Store     *Store
	Generator llm.Generator
	Config    config.DialogueConfig
	LLM       llm.Options
	Bus       *logbus.Bus
	Now       func() time.Time
	Draw      func() float64
}

func NewResponder(opts ResponderOptions) *Responder {
	r := &Responder{
		store: opts.Store,
		gen:   opts.Generator,
		cfg:   opts.Config,
		opts:  opts.LLM,
		bus:   opts.Bus,
		now:   opts.Now,
		draw:  opts.Draw,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.draw == nil {
		r.draw = rand.Float64
	}
	return r
}

// Respond 决定是否回复并生成文本；LLM 失败视为不回复，返回空串。
// LLM 调用期间不持有任何上下文锁。
func (r *Responder) Respond(ctx context.Context, evt model.InboundEvent, account model.Account) (string, Decision) {
	c := r.store.Get(account.ID, evt.ChatID())
	now := r.now()
	d, res, snap := c.TryReserve(strings.TrimSpace(evt.Text), account.Policy, now, r.draw)
	if !d.OK {
		return "", d
	}

	if r.gen == nil {
		c.Release(res)
		return "", Decision{Reason: "no_generator"}
	}
	prompt := account.Policy.SystemPrompt
	if prompt == "" {
		prompt = r.cfg.SystemPrompt
	}
	text, err := r.gen.Generate(ctx, snap.History, prompt, r.opts)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		c.Release(res)
		if r.bus != nil {
			fields := map[string]any{"accountId": account.ID, "groupId": evt.GroupID}
			if err != nil {
				fields["error"] = err.Error()
			}
			r.bus.Log("warn", "生成回复失败，跳过", fields)
		}
		return "", Decision{Reason: "generate_failed"}
	}
	c.Commit(text, r.now())
	return text, d
}
