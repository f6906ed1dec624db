package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind 文档类型标签，注册时绑定，之后不可变
type Kind string

const (
	KindFolder            Kind = "folder"
	KindDocument          Kind = "document"
	KindDatabase          Kind = "database"
	KindDatabaseRow       Kind = "database_row"
	KindWorkspaceDatabase Kind = "workspace_database"
	KindAwareness         Kind = "awareness"
	KindUserProfile       Kind = "user_profile"
)

var knownKinds = map[Kind]struct{}{
	KindFolder:            {},
	KindDocument:          {},
	KindDatabase:          {},
	KindDatabaseRow:       {},
	KindWorkspaceDatabase: {},
	KindAwareness:         {},
	KindUserProfile:       {},
}

func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

func (k Kind) String() string { return string(k) }

// ParseKind 大小写不敏感，兼容 "DatabaseRow" / "database-row" 之类写法
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "databaserow":
		norm = string(KindDatabaseRow)
	case "workspacedatabase":
		norm = string(KindWorkspaceDatabase)
	case "userprofile":
		norm = string(KindUserProfile)
	}
	k := Kind(norm)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Type 消息类型
type Type string

const (
	// 客户端 -> 服务端：握手，payload 为本地已有状态（可以为空）
	TypeSyncRequest Type = "sync_request"
	// 服务端 -> 客户端：握手完成，payload 为服务端合并后的状态
	TypeSyncDone Type = "sync_done"
	// 双向：增量更新
	TypeUpdate Type = "update"
	// 临时的在线状态（光标等），不参与文档合并
	TypeAwareness Type = "awareness"
)

// Message 两条通道（服务端 socket / 本地广播）共用的线上格式
// - Payload 对路由是不透明的字节，JSON 编码时自动 base64
// - Timestamp 只是展示用的元数据，不参与排序
type Message struct {
	DocumentID   string     `json:"docId"`
	DocumentKind Kind       `json:"kind"`
	Type         Type       `json:"type"`
	Payload      []byte     `json:"payload,omitempty"`
	Timestamp    *time.Time `json:"ts,omitempty"`
	// 发送方标识，用于广播通道过滤自己发出的消息
	Origin string `json:"origin,omitempty"`
}

var (
	ErrMalformedMessage = errors.New("MALFORMED_MESSAGE")
	ErrUnknownKind      = errors.New("UNKNOWN_DOCUMENT_KIND")
)

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.DocumentID == "" || m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing docId or type", ErrMalformedMessage)
	}
	return m, nil
}

// Stamp 返回带当前时间戳的副本
func (m Message) Stamp(now time.Time) Message {
	t := now.UTC()
	m.Timestamp = &t
	return m
}
