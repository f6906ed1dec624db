package presence

import "fmt"

// 键语义：
// - roomKey(docID):             文档在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):            文档内 userId→username 映射（Hash）
// - cursorKey(docID, userID):   某个成员的光标/选区（String，带 TTL）

// {docID:%s} 作为 hash tag，保证同一文档的键落在同一个 slot，Lua 脚本才能跨键执行
const (
	keyRoomFmt   = "presence:room:{docID:%s}"
	keyNamesFmt  = "presence:room:names:{docID:%s}"
	keyCursorFmt = "presence:cursor:{docID:%s}:%d"
)

func roomKey(docID string) string                  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string                 { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID string, userID uint64) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
