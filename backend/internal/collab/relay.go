package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"collabCoordinator/backend/internal/metrics"
)

// 转发到事件流时最多等待的时间，超过即丢弃
const sinkEnqueueTimeout = 20 * time.Millisecond

// Relay 给内容变更分配文档内序号并广播，不解析也不合并 payload
type Relay struct {
	broadcaster *Broadcaster
	sink        EventSink
	log         zerolog.Logger
	now         func() time.Time
}

// sink 可以为 nil
func NewRelay(broadcaster *Broadcaster, sink EventSink, log zerolog.Logger) *Relay {
	return &Relay{
		broadcaster: broadcaster,
		sink:        sink,
		log:         log.With().Str("component", "relay").Logger(),
		now:         time.Now,
	}
}

// Relay 返回分配的序号；房间不存在（无人加入或最后一人刚离开）时静默丢弃，ok=false
func (r *Relay) Relay(docID string, userID uint64, connID string, payload json.RawMessage) (uint64, bool) {
	ts := r.now()
	seq, ok := r.broadcaster.PublishSequenced(docID, func(seq uint64) Event {
		return Event{
			Type:       EventContentUpdated,
			DocID:      docID,
			UserID:     userID,
			Operations: payload,
			Sequence:   seq,
			Timestamp:  stamp(ts),
		}
	}, connID)
	if !ok {
		metrics.RelaysDropped.Inc()
		r.log.Debug().Str("doc", docID).Str("conn", connID).Msg("no room for content change, dropped")
		return 0, false
	}

	if r.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkEnqueueTimeout)
		err := r.sink.Enqueue(ctx, CollabEvent{
			EventType:  KafkaEventContentUpdated,
			DocID:      docID,
			AuthorID:   userID,
			ConnID:     connID,
			Sequence:   seq,
			Operations: payload,
			OccurredAt: ts,
		})
		cancel()
		if err != nil {
			r.log.Warn().Err(err).Str("doc", docID).Uint64("seq", seq).Msg("content change not forwarded to event stream")
		}
	}
	return seq, true
}
