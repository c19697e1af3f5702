package collab

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabCoordinator/backend/internal/metrics"
)

// 单个连接的投递超时默认值
const DefaultDeliveryTimeout = 100 * time.Millisecond

// room 是一个文档的在线连接集合。
// pubMu 串行化该房间的扇出，保证同一发布者的事件顺序以及序号与投递顺序一致；
// mu 只保护 members / seq。
type room struct {
	docID   string
	pubMu   sync.Mutex
	mu      sync.Mutex
	members map[string]Subscriber
	order   []string // 加入顺序，扇出按此顺序进行
	seq     uint64
	closed  bool
}

func (rm *room) snapshot() []Subscriber {
	subs := make([]Subscriber, 0, len(rm.order))
	for _, id := range rm.order {
		if s, ok := rm.members[id]; ok {
			subs = append(subs, s)
		}
	}
	return subs
}

// Broadcaster 按文档维护房间并向房间内连接扇出事件。
// 房间在第一个订阅时惰性创建，最后一个成员离开时回收；
// 回收后重建的房间序号从 1 重新开始。
type Broadcaster struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	timeout time.Duration
	log     zerolog.Logger
}

func NewBroadcaster(deliveryTimeout time.Duration, log zerolog.Logger) *Broadcaster {
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	return &Broadcaster{
		rooms:   make(map[string]*room),
		timeout: deliveryTimeout,
		log:     log.With().Str("component", "broadcaster").Logger(),
	}
}

func (b *Broadcaster) getRoom(docID string) *room {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rooms[docID]
}

// Subscribe 将连接加入文档房间
func (b *Broadcaster) Subscribe(docID string, sub Subscriber) {
	for {
		b.mu.Lock()
		rm := b.rooms[docID]
		if rm == nil {
			rm = &room{docID: docID, members: make(map[string]Subscriber)}
			b.rooms[docID] = rm
			metrics.ActiveRooms.Inc()
		}
		b.mu.Unlock()

		rm.mu.Lock()
		if rm.closed {
			// 与最后一个成员离开竞争，房间已被回收
			rm.mu.Unlock()
			continue
		}
		if _, ok := rm.members[sub.ID()]; !ok {
			rm.order = append(rm.order, sub.ID())
		}
		rm.members[sub.ID()] = sub
		rm.mu.Unlock()
		return
	}
}

// Unsubscribe 将连接移出房间，幂等；最后一个成员离开时回收房间
func (b *Broadcaster) Unsubscribe(docID, connID string) {
	rm := b.getRoom(docID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	if _, ok := rm.members[connID]; !ok {
		rm.mu.Unlock()
		return
	}
	delete(rm.members, connID)
	for i, id := range rm.order {
		if id == connID {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
	empty := len(rm.members) == 0
	if empty {
		rm.closed = true
	}
	rm.mu.Unlock()

	if empty {
		b.mu.Lock()
		if b.rooms[docID] == rm {
			delete(b.rooms, docID)
			metrics.ActiveRooms.Dec()
		}
		b.mu.Unlock()
	}
}

// Publish 把事件投递给房间内除 excludeConnID 以外的所有连接，返回成功投递的数量。
// 投递失败的连接会被移出房间并关闭，不影响其他连接，也不向发布方报错。
func (b *Broadcaster) Publish(docID string, evt Event, excludeConnID string) int {
	rm := b.getRoom(docID)
	if rm == nil {
		return 0
	}
	rm.pubMu.Lock()
	defer rm.pubMu.Unlock()

	rm.mu.Lock()
	subs := rm.snapshot()
	rm.mu.Unlock()
	return b.fanOut(rm, subs, evt, excludeConnID)
}

// PublishSequenced 递增房间序号后用 build 构造事件并扇出。
// 房间不存在时不创建，返回 ok=false。
func (b *Broadcaster) PublishSequenced(docID string, build func(seq uint64) Event, excludeConnID string) (uint64, bool) {
	rm := b.getRoom(docID)
	if rm == nil {
		return 0, false
	}
	rm.pubMu.Lock()
	defer rm.pubMu.Unlock()

	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return 0, false
	}
	rm.seq++
	seq := rm.seq
	subs := rm.snapshot()
	rm.mu.Unlock()

	b.fanOut(rm, subs, build(seq), excludeConnID)
	return seq, true
}

// fanOut 要求调用方持有 rm.pubMu
func (b *Broadcaster) fanOut(rm *room, subs []Subscriber, evt Event, excludeConnID string) int {
	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
	delivered := 0
	var failed []Subscriber
	for _, s := range subs {
		if s.ID() == excludeConnID {
			continue
		}
		if err := s.Deliver(evt, b.timeout); err != nil {
			b.log.Warn().Err(err).Str("doc", rm.docID).Str("conn", s.ID()).Str("event", evt.Type).
				Msg("delivery failed, dropping connection from room")
			metrics.DeliveryFailures.Inc()
			failed = append(failed, s)
			continue
		}
		delivered++
	}
	for _, s := range failed {
		b.Unsubscribe(rm.docID, s.ID())
		// 关闭传输层，读循环退出后由生命周期管理器清理会话并广播离开
		go s.Close()
	}
	return delivered
}

// Send 直接投递给单个连接（例如 active-users 只发给加入者）
func (b *Broadcaster) Send(sub Subscriber, evt Event) error {
	return sub.Deliver(evt, b.timeout)
}

// Members 返回房间内连接 ID（按加入顺序）
func (b *Broadcaster) Members(docID string) []string {
	rm := b.getRoom(docID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]string, len(rm.order))
	copy(out, rm.order)
	return out
}

// HasRoom 房间是否存在
func (b *Broadcaster) HasRoom(docID string) bool {
	return b.getRoom(docID) != nil
}

// RoomCount 当前房间数量
func (b *Broadcaster) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}
