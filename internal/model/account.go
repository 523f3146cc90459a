package model

import "time"

type AccountPolicy struct {
	Active                   bool    `json:"active" yaml:"active"`
	ReplyRate                float64 `json:"replyRate" yaml:"replyRate"`
	MaxRepliesPerPeriod      int     `json:"maxRepliesPerPeriod" yaml:"maxRepliesPerPeriod"`
	MinReplyIntervalSeconds  int     `json:"minReplyIntervalSeconds" yaml:"minReplyIntervalSeconds"`
	RedpacketEnabled         bool    `json:"redpacketEnabled" yaml:"redpacketEnabled"`
	RedpacketProbabilityBase float64 `json:"redpacketProbabilityBase" yaml:"redpacketProbabilityBase"`
	SystemPrompt             string  `json:"systemPrompt,omitempty" yaml:"systemPrompt"`
}

func (p AccountPolicy) MinReplyInterval() time.Duration {
	if p.MinReplyIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(p.MinReplyIntervalSeconds) * time.Second
}

type Account struct {
	ID            string        `json:"id" yaml:"id"`
	DisplayName   string        `json:"displayName,omitempty" yaml:"displayName"`
	SelfUserID    string        `json:"selfUserId,omitempty" yaml:"selfUserId"`
	CredentialRef string        `json:"credentialRef,omitempty" yaml:"credentialRef"`
	Groups        []string      `json:"groups" yaml:"groups"`
	Policy        AccountPolicy `json:"policy" yaml:"policy"`
	CreatedAt     time.Time     `json:"createdAt" yaml:"-"`
	UpdatedAt     time.Time     `json:"updatedAt" yaml:"-"`
}

func (a Account) InGroup(groupID string) bool {
	if len(a.Groups) == 0 {
		return true
	}
	for _, g := range a.Groups {
		if g == groupID {
			return true
		}
	}
	return false
}

// Credentials 由会话存储解析得到，对引擎而言是不透明的。
type Credentials struct {
	AccountID string `json:"accountId"`
	Token     string `json:"-"`
	Endpoint  string `json:"endpoint,omitempty"`
}
