package model

import "time"

type ChatType string

const (
	ChatGroup   ChatType = "group"
	ChatPrivate ChatType = "private"
	ChatChannel ChatType = "channel"
)

type Attachment struct {
	Kind   string `json:"kind"`
	FileID string `json:"fileId,omitempty"`
	URL    string `json:"url,omitempty"`
}

type InteractiveButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callbackData,omitempty"`
	URL          string `json:"url,omitempty"`
}

type InboundEvent struct {
	EventID     string              `json:"eventId"`
	AccountID   string              `json:"accountId"`
	GroupID     string              `json:"groupId,omitempty"`
	ChatType    ChatType            `json:"chatType"`
	SenderID    string              `json:"senderId"`
	SenderName  string              `json:"senderName,omitempty"`
	MessageID   string              `json:"messageId,omitempty"`
	Text        string              `json:"text,omitempty"`
	Attachments []Attachment        `json:"attachments,omitempty"`
	Buttons     []InteractiveButton `json:"buttons,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// ChatID 私聊没有 groupID 时用发送者作为会话键。
func (e InboundEvent) ChatID() string {
	if e.GroupID != "" {
		return e.GroupID
	}
	return e.SenderID
}

type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
