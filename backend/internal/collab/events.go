package collab

import (
	"encoding/json"
	"time"
)

// 出站事件类型
const (
	EventWelcome          = "welcome"
	EventActiveUsers      = "active-users"
	EventUserJoined       = "user-joined"
	EventCursorMoved      = "cursor-moved"
	EventSelectionChanged = "selection-changed"
	EventContentUpdated   = "content-updated"
	EventArticleSaved     = "article-saved"
	EventUserLeft         = "user-left"
	EventError            = "error"
)

type Participant struct {
	SessionID   string     `json:"sessionId"`
	UserID      uint64     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	AvatarRef   string     `json:"avatarRef,omitempty"`
	Cursor      *Position  `json:"cursor,omitempty"`
	Selection   *Selection `json:"selection,omitempty"`
}

// Event 是协调器推送给客户端的消息，字段按类型选择性填充
type Event struct {
	Type         string          `json:"type"`
	DocID        string          `json:"docId,omitempty"`
	ConnID       string          `json:"connectionId,omitempty"`
	UserID       uint64          `json:"userId,omitempty"`
	DisplayName  string          `json:"displayName,omitempty"`
	AvatarRef    string          `json:"avatarRef,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
	Position     *Position       `json:"position,omitempty"`
	Selection    *Selection      `json:"selection,omitempty"`
	Cleared      bool            `json:"cleared,omitempty"` // selection-changed 且选区被清空
	Operations   json.RawMessage `json:"operations,omitempty"`
	Sequence     uint64          `json:"sequence,omitempty"`
	Version      uint64          `json:"version,omitempty"`
	Title        string          `json:"title,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// stamp 事件时间戳，零值时省略该字段
func stamp(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ErrorEvent 构造只发给请求方的 error 事件
func ErrorEvent(docID string, err error) Event {
	return Event{Type: EventError, DocID: docID, Code: ReasonCode(err), Message: err.Error()}
}

// Subscriber 是房间成员在广播层的抽象，由传输层（websocket 连接）实现。
// Deliver 必须在 timeout 内返回；Close 可能被多次调用。
type Subscriber interface {
	ID() string
	Deliver(evt Event, timeout time.Duration) error
	Close()
}
