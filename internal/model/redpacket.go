package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type DropSourceKind string

const (
	DropFromButton    DropSourceKind = "button"
	DropFromStatusAPI DropSourceKind = "status_api"
)

// Drop 一次红包投放。创建后不可变。
type Drop struct {
	DropID       string           `json:"dropId"`
	GroupID      string           `json:"groupId"`
	EnvelopeID   string           `json:"envelopeId"`
	SenderID     string           `json:"senderId,omitempty"`
	MessageID    string           `json:"messageId,omitempty"`
	CallbackData string           `json:"callbackData,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	TotalCount   *int             `json:"totalCount,omitempty"`
	DetectedAt   time.Time        `json:"detectedAt"`
	DetectedBy   DropSourceKind   `json:"detectedBy"`
}

func DropID(groupID, envelopeID string) string {
	return groupID + ":" + envelopeID
}

type ParticipationRecord struct {
	ID        string           `json:"id"`
	DropID    string           `json:"dropId"`
	AccountID string           `json:"accountId"`
	Success   bool             `json:"success"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type DropStats struct {
	DropID       string   `json:"dropId"`
	ClaimedCount int      `json:"claimedCount"`
	Participants []string `json:"participants"`
	Remaining    *int     `json:"remaining,omitempty"`
	BestAccount  string   `json:"bestAccount,omitempty"`
	Announced    bool     `json:"announced"`
}
