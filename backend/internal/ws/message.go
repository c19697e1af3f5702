package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"collabCoordinator/backend/internal/collab"
)

// 入站消息类型
const (
	MsgJoinDocument    = "join-document"
	MsgCursorUpdate    = "cursor-update"
	MsgSelectionUpdate = "selection-update"
	MsgContentChange   = "content-change"
	MsgSaveDocument    = "save-document"
	MsgLeaveDocument   = "leave-document"
	MsgHeartbeat       = "heartbeat"
)

var ErrInvalidMessage = errors.New("invalid message")

// ClientMessage 是客户端发来的消息，字段按 type 选择性填写。
// userId 只作参考，连接认证出的身份优先。
type ClientMessage struct {
	Type        string            `json:"type"`
	DocID       string            `json:"documentId"`
	UserID      uint64            `json:"userId,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	AvatarRef   string            `json:"avatarRef,omitempty"`
	Position    *collab.Position  `json:"position,omitempty"`
	Selection   *collab.Selection `json:"selection,omitempty"`
	Title       string            `json:"title,omitempty"`
	Content     string            `json:"content,omitempty"`

	// content-change 的 operations 原样转发，不解码
	Operations json.RawMessage `json:"-"`
}

// ParseClientMessage 先用 gjson 看 type，再按类型解码和校验
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	if !gjson.ValidBytes(raw) {
		return ClientMessage{}, fmt.Errorf("%w: malformed json", ErrInvalidMessage)
	}
	typ := gjson.GetBytes(raw, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return ClientMessage{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	var msg ClientMessage
	switch typ.Str {
	case MsgHeartbeat:
		return ClientMessage{Type: MsgHeartbeat}, nil
	case MsgJoinDocument, MsgCursorUpdate, MsgSelectionUpdate, MsgContentChange, MsgSaveDocument, MsgLeaveDocument:
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, typ.Str)
	}

	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.DocID == "" {
		return ClientMessage{}, fmt.Errorf("%w: %s requires documentId", ErrInvalidMessage, msg.Type)
	}

	switch msg.Type {
	case MsgCursorUpdate:
		if msg.Position == nil {
			return ClientMessage{}, fmt.Errorf("%w: cursor-update requires position", ErrInvalidMessage)
		}
	case MsgContentChange:
		ops := gjson.GetBytes(raw, "operations")
		if !ops.Exists() {
			return ClientMessage{}, fmt.Errorf("%w: content-change requires operations", ErrInvalidMessage)
		}
		msg.Operations = json.RawMessage(ops.Raw)
	}
	return msg, nil
}

// invalidEvent 构造 INVALID_MESSAGE 错误事件
func invalidEvent(err error) collab.Event {
	return collab.Event{Type: collab.EventError, Code: collab.CodeInvalidMessage, Message: err.Error()}
}

func welcomeEvent(connID string, userID uint64) collab.Event {
	return collab.Event{Type: collab.EventWelcome, ConnID: connID, UserID: userID}
}
