package gamestatus

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/errkind"
	"groupbot_engine/internal/redpacket"
)

type apiEnvelope[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    T      `json:"data"`
}

type dropDTO struct {
	EnvelopeID     string           `json:"envelopeId"`
	SenderID       string           `json:"senderId,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	TotalCount     *int             `json:"totalCount,omitempty"`
	RemainingCount *int             `json:"remainingCount,omitempty"`
	ExpiresAtMs    int64            `json:"expiresAtMs,omitempty"`
}

// Client 红包状态接口：GET {baseURL}/groups/{groupID}/drops。
type Client struct {
	client *resty.Client
}

func New(cfg config.StatusAPIConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout()).
		SetHeader("Accept", "application/json")
	return &Client{client: client}
}

func (c *Client) GetActiveDrops(ctx context.Context, groupID string) ([]redpacket.DropInfo, error) {
	var resp apiEnvelope[[]dropDTO]
	r, err := c.client.R().
		SetContext(ctx).
		SetResult(&resp).
		Get("/groups/" + url.PathEscape(groupID) + "/drops")
	if err != nil {
		return nil, errkind.Unavailable("drop status", err)
	}
	if r.IsError() {
		return nil, errkind.Unavailable("drop status", errors.New(r.Status()))
	}
	if !resp.Success {
		if resp.Error == "" {
			resp.Error = "query failed"
		}
		return nil, errkind.Unavailable("drop status", errors.New(resp.Error))
	}

	out := make([]redpacket.DropInfo, 0, len(resp.Data))
	for _, d := range resp.Data {
		info := redpacket.DropInfo{
			EnvelopeID: d.EnvelopeID,
			SenderID:   d.SenderID,
			Amount:     d.Amount,
			TotalCount: d.TotalCount,
			Remaining:  d.RemainingCount,
		}
		if d.ExpiresAtMs > 0 {
			info.ExpiresAt = time.UnixMilli(d.ExpiresAtMs)
		}
		out = append(out, info)
	}
	return out, nil
}
