package redpacket

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"groupbot_engine/internal/model"
)

// DropInfo 红包状态接口返回的一条在投红包。
type DropInfo struct {
	EnvelopeID string
	SenderID   string
	Amount     *decimal.Decimal
	TotalCount *int
	Remaining  *int
	ExpiresAt  time.Time
}

// DropSource 权威的红包状态查询。
type DropSource interface {
	GetActiveDrops(ctx context.Context, groupID string) ([]DropInfo, error)
}

type buttonPayload struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Amount json.RawMessage `json:"amount"`
	Count  *int            `json:"count"`
}

// parseCallback 识别按钮回调：<prefix>:<id>[:amount[:count]] 或
// {"type":"redpacket","id":...}。
func parseCallback(data string, prefixes []string) (envelopeID string, amount *decimal.Decimal, count *int, ok bool) {
	data = strings.TrimSpace(data)
	if data == "" {
		return "", nil, nil, false
	}
	if strings.HasPrefix(data, "{") {
		var p buttonPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return "", nil, nil, false
		}
		if !isRedpacketType(p.Type, prefixes) {
			return "", nil, nil, false
		}
		id := rawString(p.ID)
		if id == "" {
			return "", nil, nil, false
		}
		if s := rawString(p.Amount); s != "" {
			if d, err := decimal.NewFromString(s); err == nil {
				amount = &d
			}
		}
		return id, amount, p.Count, true
	}

	parts := strings.Split(data, ":")
	if len(parts) < 2 || !isRedpacketType(parts[0], prefixes) || parts[1] == "" {
		return "", nil, nil, false
	}
	if len(parts) > 2 && parts[2] != "" {
		if d, err := decimal.NewFromString(parts[2]); err == nil {
			amount = &d
		}
	}
	if len(parts) > 3 {
		if n, err := strconv.Atoi(parts[3]); err == nil && n > 0 {
			count = &n
		}
	}
	return parts[1], amount, count, true
}

func isRedpacketType(v string, prefixes []string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "redpacket" {
		return true
	}
	for _, p := range prefixes {
		if strings.EqualFold(v, p) {
			return true
		}
	}
	return false
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func hasTriggerWord(text string, words []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, w := range words {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// structural 从按钮中识别红包。同一事件里的重复按钮只保留第一个。
func structural(evt model.InboundEvent, prefixes []string, now time.Time) []*model.Drop {
	if evt.GroupID == "" {
		return nil
	}
	var out []*model.Drop
	seen := make(map[string]struct{})
	for _, b := range evt.Buttons {
		id, amount, count, ok := parseCallback(b.CallbackData, prefixes)
		if !ok {
			continue
		}
		dropID := model.DropID(evt.GroupID, id)
		if _, dup := seen[dropID]; dup {
			continue
		}
		seen[dropID] = struct{}{}
		out = append(out, &model.Drop{
			DropID:       dropID,
			GroupID:      evt.GroupID,
			EnvelopeID:   id,
			SenderID:     evt.SenderID,
			MessageID:    evt.MessageID,
			CallbackData: b.CallbackData,
			Amount:       amount,
			TotalCount:   count,
			DetectedAt:   now,
			DetectedBy:   model.DropFromButton,
		})
	}
	return out
}

type statusCacheEntry struct {
	at    time.Time
	drops []DropInfo
	err   error
}
