package errkind

import (
	"context"
	"errors"
	"net"
	"strings"
)

type Kind int

const (
	Unknown Kind = iota
	// NonRetryable 凭证/授权失败，会话无法自愈，需要人工介入。
	NonRetryable
	// Transient 超时、连接重置等网络抖动，可退避重试。
	Transient
	// BusinessRejection 正常的否定决策（配额、重复点击、金额过低……），不是错误。
	BusinessRejection
	// CollaboratorUnavailable 外部能力（LLM、红包状态查询）不可用，本次跳过该能力。
	CollaboratorUnavailable
)

func (k Kind) String() string {
	switch k {
	case NonRetryable:
		return "non_retryable"
	case Transient:
		return "transient"
	case BusinessRejection:
		return "business_rejection"
	case CollaboratorUnavailable:
		return "collaborator_unavailable"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else if e.Code != "" {
		b.WriteString(e.Code)
	} else {
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two rejections carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code != "" && t.Code == e.Code
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Reject(code string) *Error {
	return &Error{Kind: BusinessRejection, Code: code}
}

func NonRetryableErr(op string, err error) error {
	return &Error{Kind: NonRetryable, Op: op, Err: err}
}

func TransientErr(op string, err error) error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

func Unavailable(op string, err error) error {
	return &Error{Kind: CollaboratorUnavailable, Op: op, Err: err}
}

var (
	ErrNeedsReauth = &Error{Kind: NonRetryable, Code: "needs_reauth"}

	ErrDuplicateClick    = Reject("duplicate_click")
	ErrBelowMinimum      = Reject("below_minimum")
	ErrQuotaExceeded     = Reject("quota_exceeded")
	ErrAccountInactive   = Reject("account_inactive")
	ErrRedpacketDisabled = Reject("redpacket_disabled")
)

// KindOf 沿错误链找到第一个带分类的错误；未分类的超时视为 Transient。
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Unknown
}

func IsRetryable(err error) bool {
	switch KindOf(err) {
	case NonRetryable, BusinessRejection:
		return false
	default:
		return true
	}
}

func IsRejection(err error) bool {
	return KindOf(err) == BusinessRejection
}

// Code 返回业务拒绝码，没有则为空。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
