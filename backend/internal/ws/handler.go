package ws

import (
	"context"

	"collabCoordinator/backend/internal/collab"
)

// handler 把一条入站消息分派到生命周期管理器，结果只回给本连接
type handler struct {
	conn *Conn
	cc   *collab.Connection
	lc   *collab.Lifecycle
}

func (h *handler) handle(ctx context.Context, raw []byte) {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		h.conn.log.Debug().Err(err).Msg("rejected inbound message")
		h.conn.reply(invalidEvent(err))
		return
	}

	switch msg.Type {
	case MsgJoinDocument:
		participants, err := h.lc.Join(ctx, h.cc, collab.JoinRequest{
			DocID:   msg.DocID,
			UserID:  msg.UserID,
			Profile: collab.Profile{DisplayName: msg.DisplayName, AvatarRef: msg.AvatarRef},
		})
		if err != nil {
			h.fail(msg.DocID, err)
			return
		}
		h.conn.reply(collab.Event{Type: collab.EventActiveUsers, DocID: msg.DocID, Participants: participants})

	case MsgCursorUpdate:
		h.check(msg.DocID, h.lc.MoveCursor(h.cc, msg.DocID, *msg.Position))

	case MsgSelectionUpdate:
		h.check(msg.DocID, h.lc.ChangeSelection(h.cc, msg.DocID, msg.Selection))

	case MsgContentChange:
		// 房间已不存在时静默丢弃
		_, _, err := h.lc.Relay(h.cc, msg.DocID, msg.UserID, msg.Operations)
		h.check(msg.DocID, err)

	case MsgSaveDocument:
		snap, err := h.lc.Save(ctx, h.cc, collab.SaveRequest{
			DocID:   msg.DocID,
			UserID:  msg.UserID,
			Title:   msg.Title,
			Content: msg.Content,
		})
		if err != nil {
			h.fail(msg.DocID, err)
			return
		}
		h.conn.reply(collab.SavedEvent(snap))

	case MsgLeaveDocument:
		h.check(msg.DocID, h.lc.Leave(h.cc, msg.DocID))

	case MsgHeartbeat:
		h.check("", h.lc.Heartbeat(h.cc))
	}
}

func (h *handler) check(docID string, err error) {
	if err != nil {
		h.fail(docID, err)
	}
}

func (h *handler) fail(docID string, err error) {
	h.conn.log.Info().Err(err).Str("doc", docID).Msg("request failed")
	h.conn.reply(collab.ErrorEvent(docID, err))
}
