package dialogue

import (
	"strings"
	"time"

	"groupbot_engine/internal/model"
)

// 不回复的原因
const (
	ReasonOK       = ""
	ReasonInactive = "inactive"
	ReasonQuota    = "quota"
	ReasonInterval = "interval"
	ReasonEmpty    = "empty"
	ReasonChance   = "chance"
)

type ReplyInput struct {
	Text            string
	Policy          model.AccountPolicy
	RepliesInPeriod int
	LastReplyTime   time.Time
	Now             time.Time
}

type Decision struct {
	OK     bool
	Reason string
}

// ShouldReply 按固定顺序检查：账号启用、周期额度、最小间隔、非空文本、概率。
// 随机数只在前四项都通过后才抽取。
func ShouldReply(in ReplyInput, draw func() float64) Decision {
	p := in.Policy
	if !p.Active {
		return Decision{Reason: ReasonInactive}
	}
	if p.MaxRepliesPerPeriod > 0 && in.RepliesInPeriod >= p.MaxRepliesPerPeriod {
		return Decision{Reason: ReasonQuota}
	}
	if gap := p.MinReplyInterval(); gap > 0 && !in.LastReplyTime.IsZero() && in.Now.Sub(in.LastReplyTime) < gap {
		return Decision{Reason: ReasonInterval}
	}
	if strings.TrimSpace(in.Text) == "" {
		return Decision{Reason: ReasonEmpty}
	}
	if draw() >= p.ReplyRate {
		return Decision{Reason: ReasonChance}
	}
	return Decision{OK: true}
}
