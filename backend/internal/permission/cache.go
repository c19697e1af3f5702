package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"collabCoordinator/backend/internal/metrics"
)

const DefaultRoleTTL = 30 * time.Second

// CachedGate 在 RoleStore 之前加一层短 TTL 的本地缓存；
// 同一 (用户, 文档) 的并发查询通过 singleflight 合并成一次回源。
// 文档不存在和查询失败都不缓存。
type CachedGate struct {
	store RoleStore
	cache *ttlcache.Cache[string, Role]
	sf    singleflight.Group
}

func NewCachedGate(store RoleStore, ttl time.Duration) *CachedGate {
	if ttl <= 0 {
		ttl = DefaultRoleTTL
	}
	cache := ttlcache.New[string, Role](
		ttlcache.WithTTL[string, Role](ttl),
		ttlcache.WithCapacity[string, Role](50_000),
		// 命中不续期，角色变更最多延迟一个 TTL 生效
		ttlcache.WithDisableTouchOnHit[string, Role](),
	)
	return &CachedGate{store: store, cache: cache}
}

// Start 启动过期清理，阻塞直到 Stop
func (g *CachedGate) Start() { g.cache.Start() }

func (g *CachedGate) Stop() { g.cache.Stop() }

func roleKey(userID uint64, docID string) string {
	return fmt.Sprintf("%d:%s", userID, docID)
}

func (g *CachedGate) CheckAccess(ctx context.Context, userID uint64, docID string, required Role) (bool, error) {
	key := roleKey(userID, docID)
	if item := g.cache.Get(key); item != nil {
		metrics.PermissionChecks.WithLabelValues("cache_hit").Inc()
		return item.Value().Allows(required), nil
	}

	v, err, _ := g.sf.Do(key, func() (interface{}, error) {
		role, err := g.store.ResolveRole(ctx, userID, docID)
		if err != nil {
			return RoleNone, err
		}
		g.cache.Set(key, role, ttlcache.DefaultTTL)
		return role, nil
	})
	if err != nil {
		metrics.PermissionChecks.WithLabelValues(outcomeOf(err)).Inc()
		return false, err
	}
	ok := v.(Role).Allows(required)
	metrics.PermissionChecks.WithLabelValues(allowLabel(ok)).Inc()
	return ok, nil
}

// Invalidate 清除某用户在某文档上的缓存角色
func (g *CachedGate) Invalidate(userID uint64, docID string) {
	g.cache.Delete(roleKey(userID, docID))
}

// Len 缓存条目数
func (g *CachedGate) Len() int {
	return g.cache.Len()
}
