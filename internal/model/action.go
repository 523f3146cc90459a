package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ActionType string

const (
	ActionSendMessage    ActionType = "send_message"
	ActionForwardMessage ActionType = "forward_message"
	ActionDeleteMessage  ActionType = "delete_message"
	ActionJoinGroup      ActionType = "join_group"
	ActionLeaveGroup     ActionType = "leave_group"
	ActionClickButton    ActionType = "click_button"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionSendMessage, ActionForwardMessage, ActionDeleteMessage, ActionJoinGroup, ActionLeaveGroup, ActionClickButton:
		return true
	default:
		return false
	}
}

type Action struct {
	ID        string     `json:"id,omitempty"`
	Type      ActionType `json:"type"`
	AccountID string     `json:"accountId"`
	Target    string     `json:"target"`
	Text      string     `json:"text,omitempty"`
	MessageID string     `json:"messageId,omitempty"`
	// ForwardTo 转发目标会话
	ForwardTo    string        `json:"forwardTo,omitempty"`
	CallbackData string        `json:"callbackData,omitempty"`
	ReplyTo      string        `json:"replyTo,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Source       string        `json:"source,omitempty"`
}

type ActionResult struct {
	ActionID string           `json:"actionId,omitempty"`
	OK       bool             `json:"ok"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Message  string           `json:"message,omitempty"`
}
