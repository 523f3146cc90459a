package gateway

import "groupbot_engine/internal/model"

// 网关帧类型
const (
	FrameAuth       = "auth"
	FrameAuthResult = "auth_result"
	FrameEvent      = "event"
	FrameAction     = "action"
	FrameResult     = "result"
)

// Frame 网关协议里的一帧，按 Type 取对应字段。
type Frame struct {
	Type      string              `json:"type"`
	ID        string              `json:"id,omitempty"`
	AccountID string              `json:"accountId,omitempty"`
	Token     string              `json:"token,omitempty"`
	OK        bool                `json:"ok,omitempty"`
	Error     string              `json:"error,omitempty"`
	Event     *model.InboundEvent `json:"event,omitempty"`
	Action    *model.Action       `json:"action,omitempty"`
	Result    *model.ActionResult `json:"result,omitempty"`
}
