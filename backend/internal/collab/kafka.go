package collab

import (
	"context"
	"encoding/json"
	"time"
)

// 写入 Kafka 的事件类型
const (
	KafkaEventContentUpdated = "CONTENT_UPDATED"
	KafkaEventArticleSaved   = "ARTICLE_SAVED"
)

// CollabEvent 是发往 Kafka 的协作事件，以 docId 作为分区键
type CollabEvent struct {
	EventType  string          `json:"eventType"`
	DocID      string          `json:"docId"`
	AuthorID   uint64          `json:"authorId"`
	ConnID     string          `json:"connectionId,omitempty"`
	Sequence   uint64          `json:"sequence,omitempty"`
	Version    uint64          `json:"version,omitempty"`
	Title      string          `json:"title,omitempty"`
	Operations json.RawMessage `json:"operations,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// EventSink 接收已被接受的内容变更和保存事件（下游审计/回放用）
type EventSink interface {
	Enqueue(ctx context.Context, evt CollabEvent) error
}
