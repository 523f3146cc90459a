package model

type EmailSettings struct {
	Enabled  bool   `json:"enabled"`
	Email    string `json:"email"`
	AuthCode string `json:"authCode,omitempty"`
}

type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionOnline   SessionState = "online"
	SessionStopping SessionState = "stopping"
	SessionOffline  SessionState = "offline"
	SessionError    SessionState = "error"
)

type SessionStatus struct {
	AccountID         string       `json:"accountId"`
	State             SessionState `json:"state"`
	LastError         string       `json:"lastError,omitempty"`
	ReconnectAttempts int          `json:"reconnectAttempts"`
	ConnectedAtMs     int64        `json:"connectedAtMs,omitempty"`
	UpdatedAtMs       int64        `json:"updatedAtMs"`
}

type AccountView struct {
	Account
	Session SessionStatus `json:"session"`
}
