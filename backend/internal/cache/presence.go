package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisMirror 把协作核心的在线状态镜像到 Redis，供其他服务读取。
// 实现 collab.PresenceMirror。
type RedisMirror struct {
	rdb redis.UniversalClient
	log zerolog.Logger
}

type PresenceMember struct {
	UserID      uint64 `json:"userId"`
	DisplayName string `json:"displayName"`
}

func NewRedisMirror(rdb redis.UniversalClient, log zerolog.Logger) *RedisMirror {
	return &RedisMirror{rdb: rdb, log: log.With().Str("component", "redis-mirror").Logger()}
}

// 清理过期成员，返回清理数量
var pruneScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = namesKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *RedisMirror) AddMember(ctx context.Context, docID string, userID uint64, displayName string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember
	tx := p.rdb.TxPipeline()
	// score 使用 expireAt（Unix 秒）表达逻辑 TTL
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, displayName)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	// 索引键不在同一个 hash slot，单独写
	return p.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (p *RedisMirror) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisMirror) SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

func (p *RedisMirror) GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error) {
	b, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

// Documents 返回有在线成员记录的文档
func (p *RedisMirror) Documents(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, docsKey()).Result()
}

// AliveMembers 先清理过期成员，再返回仍在线的成员
func (p *RedisMirror) AliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	if err := pruneScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, raw := range aliveIDs {
		uid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: uid, DisplayName: name})
	}
	return members, nil
}

// Prune 清理所有文档的过期成员，文档没有成员后从索引中移除
func (p *RedisMirror) Prune(ctx context.Context) (int, error) {
	docs, err := p.Documents(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	total := 0
	for _, docID := range docs {
		n, err := pruneScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return total, err
		}
		total += n
		left, err := p.rdb.ZCard(ctx, roomKey(docID)).Result()
		if err != nil {
			return total, err
		}
		if left == 0 {
			if err := p.rdb.SRem(ctx, docsKey(), docID).Err(); err != nil {
				// 索引残留只会让下一轮多扫一个空文档
				p.log.Warn().Err(err).Str("doc", docID).Msg("remove empty document from presence index failed")
			}
		}
	}
	return total, nil
}

// RunJanitor 定期执行 Prune，直到 ctx 结束。
// 进程崩溃时没来得及 RemoveMember 的成员靠这里过期。
func (p *RedisMirror) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if err != nil {
				p.log.Warn().Err(err).Msg("presence prune failed")
				continue
			}
			if n > 0 {
				p.log.Debug().Int("expired", n).Msg("pruned expired presence")
			}
		}
	}
}
