package permission

import (
	"context"
	"errors"

	"collabCoordinator/backend/internal/metrics"
)

// ErrDocumentNotFound 文档不存在
var ErrDocumentNotFound = errors.New("document not found")

// Gate 是协作核心使用的权限校验接口
type Gate interface {
	CheckAccess(ctx context.Context, userID uint64, docID string, required Role) (bool, error)
}

// GateFunc 让普通函数实现 Gate
type GateFunc func(ctx context.Context, userID uint64, docID string, required Role) (bool, error)

func (f GateFunc) CheckAccess(ctx context.Context, userID uint64, docID string, required Role) (bool, error) {
	return f(ctx, userID, docID, required)
}

// RoleStore 查询用户在文档上的角色，没有任何授权时返回 RoleNone
type RoleStore interface {
	ResolveRole(ctx context.Context, userID uint64, docID string) (Role, error)
}

// StoreGate 每次都直接查库
type StoreGate struct {
	store RoleStore
}

func NewStoreGate(store RoleStore) *StoreGate {
	return &StoreGate{store: store}
}

func (g *StoreGate) CheckAccess(ctx context.Context, userID uint64, docID string, required Role) (bool, error) {
	role, err := g.store.ResolveRole(ctx, userID, docID)
	if err != nil {
		metrics.PermissionChecks.WithLabelValues(outcomeOf(err)).Inc()
		return false, err
	}
	ok := role.Allows(required)
	metrics.PermissionChecks.WithLabelValues(allowLabel(ok)).Inc()
	return ok, nil
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrDocumentNotFound) {
		return "not_found"
	}
	return "error"
}

func allowLabel(ok bool) string {
	if ok {
		return "allowed"
	}
	return "denied"
}
