package keyword

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/model"
)

// 匹配方式
const (
	MatchContains = "contains"
	MatchExact    = "exact"
	MatchPrefix   = "prefix"
	MatchRegex    = "regex"
)

type Rule struct {
	Name      string
	Match     string
	Pattern   string
	Reply     string
	Action    model.ActionType
	ForwardTo string
	Groups    map[string]struct{}
	Cooldown  time.Duration
	Stop      bool

	re *regexp.Regexp
}

type Hit struct {
	Rule    *Rule
	Actions []model.Action
}

// Engine 关键词触发。冷却按 (规则, 群) 计算。
type Engine struct {
	rules []*Rule
	now   func() time.Time

	mu       sync.Mutex
	lastFire map[string]time.Time
}

func New(rules []config.KeywordRule) (*Engine, error) {
	e := &Engine{now: time.Now, lastFire: make(map[string]time.Time)}
	for i, rc := range rules {
		r, err := compile(rc)
		if err != nil {
			return nil, fmt.Errorf("keyword rule %d (%s): %w", i, rc.Name, err)
		}
		e.rules = append(e.rules, r)
	}
	return e, nil
}

func compile(rc config.KeywordRule) (*Rule, error) {
	r := &Rule{
		Name:      rc.Name,
		Match:     strings.ToLower(strings.TrimSpace(rc.Match)),
		Pattern:   rc.Pattern,
		Reply:     rc.Reply,
		Action:    model.ActionType(rc.Action),
		ForwardTo: rc.ForwardTo,
		Cooldown:  time.Duration(rc.CooldownSeconds) * time.Second,
		Stop:      rc.Stop,
	}
	if r.Name == "" {
		r.Name = rc.Pattern
	}
	if r.Match == "" {
		r.Match = MatchContains
	}
	if r.Action == "" {
		r.Action = model.ActionSendMessage
	}
	switch r.Action {
	case model.ActionSendMessage, model.ActionDeleteMessage, model.ActionForwardMessage, model.ActionLeaveGroup:
	default:
		return nil, fmt.Errorf("unsupported action %q", r.Action)
	}
	if r.Action == model.ActionSendMessage && r.Reply == "" {
		return nil, fmt.Errorf("send_message rule needs reply")
	}
	if r.Action == model.ActionForwardMessage && r.ForwardTo == "" {
		return nil, fmt.Errorf("forward_message rule needs forwardTo")
	}
	switch r.Match {
	case MatchContains, MatchExact, MatchPrefix:
	case MatchRegex:
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, err
		}
		r.re = re
	default:
		return nil, fmt.Errorf("unknown match %q", rc.Match)
	}
	if len(rc.Groups) > 0 {
		r.Groups = make(map[string]struct{}, len(rc.Groups))
		for _, g := range rc.Groups {
			r.Groups[g] = struct{}{}
		}
	}
	return r, nil
}

func (r *Rule) matches(text string) bool {
	switch r.Match {
	case MatchExact:
		return strings.EqualFold(strings.TrimSpace(text), r.Pattern)
	case MatchPrefix:
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), strings.ToLower(r.Pattern))
	case MatchRegex:
		return r.re.MatchString(text)
	default:
		return strings.Contains(strings.ToLower(text), strings.ToLower(r.Pattern))
	}
}

func (r *Rule) appliesTo(groupID string) bool {
	if r.Groups == nil {
		return true
	}
	_, ok := r.Groups[groupID]
	return ok
}

func (r *Rule) actionsFor(evt model.InboundEvent) []model.Action {
	a := model.Action{
		Type:      r.Action,
		AccountID: evt.AccountID,
		Target:    evt.ChatID(),
		MessageID: evt.MessageID,
		Source:    "keyword:" + r.Name,
	}
	switch r.Action {
	case model.ActionSendMessage:
		a.Text = r.Reply
		a.ReplyTo = evt.MessageID
	case model.ActionForwardMessage:
		a.ForwardTo = r.ForwardTo
	}
	return []model.Action{a}
}

// Match 返回命中的规则；遇到 Stop 规则后不再继续匹配。
func (e *Engine) Match(evt model.InboundEvent) []Hit {
	if evt.Text == "" || len(e.rules) == 0 {
		return nil
	}
	now := e.now()
	var hits []Hit
	for _, r := range e.rules {
		if !r.appliesTo(evt.GroupID) || !r.matches(evt.Text) {
			continue
		}
		if !e.fire(r, evt.ChatID(), now) {
			continue
		}
		hits = append(hits, Hit{Rule: r, Actions: r.actionsFor(evt)})
		if r.Stop {
			break
		}
	}
	return hits
}

func (e *Engine) fire(r *Rule, chatID string, now time.Time) bool {
	if r.Cooldown <= 0 {
		return true
	}
	key := r.Name + "|" + chatID
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastFire[key]; ok && now.Sub(last) < r.Cooldown {
		return false
	}
	e.lastFire[key] = now
	return true
}

// Sweep 清理已过冷却期的记录。
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var maxCooldown time.Duration
	for _, r := range e.rules {
		if r.Cooldown > maxCooldown {
			maxCooldown = r.Cooldown
		}
	}
	n := 0
	for k, t := range e.lastFire {
		if now.Sub(t) >= maxCooldown {
			delete(e.lastFire, k)
			n++
		}
	}
	return n
}
