package collab

import (
	"context"
	"errors"
)

var (
	ErrAccessDenied          = errors.New("access denied")
	ErrNotFound              = errors.New("not found")
	ErrPersistence           = errors.New("persistence failure")
	ErrTransport             = errors.New("transport failure")
	ErrPermissionUnavailable = errors.New("permission check unavailable")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrNotJoined             = errors.New("connection has not joined document")
)

// 下发给客户端的 error 事件原因码
const (
	CodeAccessDenied          = "ACCESS_DENIED"
	CodeNotFound              = "NOT_FOUND"
	CodePersistenceFailure    = "PERSISTENCE_FAILURE"
	CodePermissionUnavailable = "PERMISSION_UNAVAILABLE"
	CodeNotJoined             = "NOT_JOINED"
	CodeConnectionClosed      = "CONNECTION_CLOSED"
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeTimeout               = "TIMEOUT"
	CodeInternal              = "INTERNAL"
)

// ReasonCode 把内部错误映射成线上协议的原因码
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrPermissionUnavailable):
		return CodePermissionUnavailable
	case errors.Is(err, ErrPersistence):
		return CodePersistenceFailure
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConnectionClosed):
		return CodeConnectionClosed
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
