package cache

import (
	"fmt"
	"strconv"
)

// 键语义：
// - roomKey(docID):            房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):           房间内 userId→displayName 映射（Hash）
// - cursorKey(docID, userID):  最近一次光标/选区（String，自带 TTL）
// - docsKey():                 有在线成员的文档索引（Set<docID>）

const (
	keyRoomFmt   = "presence:room:{docID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{docID:%s}" // Hash<userId -> displayName>
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"  // String
	keyDocsSet   = "presence:docs"                  // Set<docID>
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
func docsKey() string              { return keyDocsSet }

func cursorKey(docID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, docID, strconv.FormatUint(userID, 10))
}
