package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"groupbot_engine/internal/dialogue"
	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/keyword"
	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
	"groupbot_engine/internal/monitor"
	"groupbot_engine/internal/redpacket"
)

// StageResult Skip 只用于硬性排除，"已处理"不应设置 Skip。
type StageResult struct {
	ActionTaken bool
	Skip        bool
	Actions     []model.Action
	Err         error
}

type Stage interface {
	Name() string
	Run(ctx context.Context, mc MessageContext) StageResult
}

type RedpacketStage struct {
	Engine   *redpacket.Engine
	Contexts *dialogue.Store
	Bus      *logbus.Bus
}

func (RedpacketStage) Name() string { return "redpacket" }

func (s RedpacketStage) Run(ctx context.Context, mc MessageContext) StageResult {
	if s.Engine == nil || !s.Engine.Enabled() || mc.ChatType != model.ChatGroup {
		return StageResult{}
	}
	drops := s.Engine.Detect(ctx, mc.Event)
	if len(drops) == 0 {
		return StageResult{}
	}

	var lastReply time.Time
	if s.Contexts != nil {
		if c, ok := s.Contexts.Peek(mc.Account.ID, mc.Event.GroupID); ok {
			lastReply = c.Snapshot(s.Engine.Now()).LastReplyTime
		}
	}

	var res StageResult
	var errs []error
	for _, d := range drops {
		p := s.Engine.Evaluate(d, mc.Account, lastReply)
		if !s.Engine.Decide(p) {
			if s.Bus != nil {
				s.Bus.Log("debug", "策略决定不参与红包", map[string]any{"accountId": mc.Account.ID, "dropId": d.DropID, "p": p})
			}
			continue
		}
		out := s.Engine.Participate(ctx, d, mc.Account)
		res.ActionTaken = true
		if out.Announcement != nil {
			res.Actions = append(res.Actions, *out.Announcement)
		}
		if out.Err != nil && !errkind.IsRejection(out.Err) {
			errs = append(errs, out.Err)
		}
	}
	res.Err = errors.Join(errs...)
	return res
}

type KeywordStage struct {
	Engine   *keyword.Engine
	Contexts *dialogue.Store
}

func (KeywordStage) Name() string { return "keyword" }

func (s KeywordStage) Run(_ context.Context, mc MessageContext) StageResult {
	if s.Engine == nil {
		return StageResult{}
	}
	hits := s.Engine.Match(mc.Event)
	if len(hits) == 0 {
		return StageResult{}
	}
	var res StageResult
	for _, h := range hits {
		res.Actions = append(res.Actions, h.Actions...)
		if h.Rule.Stop {
			res.Skip = true
		}
	}
	res.ActionTaken = len(res.Actions) > 0
	if s.Contexts != nil {
		if c, ok := s.Contexts.Peek(mc.Account.ID, mc.Event.ChatID()); ok {
			c.SetTopic(hits[0].Rule.Name)
		}
	}
	return res
}

// ScheduledStage 定时消息占位，入站事件不会触发。
type ScheduledStage struct{}

func (ScheduledStage) Name() string { return "scheduled" }

func (ScheduledStage) Run(context.Context, MessageContext) StageResult { return StageResult{} }

type DialogueStage struct {
	Responder *dialogue.Responder
	Monitor   monitor.Sink
}

func (DialogueStage) Name() string { return "dialogue" }

func (s DialogueStage) Run(ctx context.Context, mc MessageContext) StageResult {
	if s.Responder == nil || mc.ChatType == model.ChatChannel {
		return StageResult{}
	}
	text, d := s.Responder.Respond(ctx, mc.Event, mc.Account)
	if !d.OK || strings.TrimSpace(text) == "" {
		return StageResult{}
	}
	if s.Monitor != nil {
		s.Monitor.Inc(monitor.Replies, mc.Account.ID)
	}
	return StageResult{
		ActionTaken: true,
		Actions: []model.Action{{
			Type:      model.ActionSendMessage,
			AccountID: mc.Account.ID,
			Target:    mc.Event.ChatID(),
			Text:      text,
			Source:    "dialogue",
		}},
	}
}

// DefaultStages 按优先级排列的标准阶段。
func DefaultStages(rp RedpacketStage, kw KeywordStage, dl DialogueStage) []Stage {
	return []Stage{rp, kw, ScheduledStage{}, dl}
}
