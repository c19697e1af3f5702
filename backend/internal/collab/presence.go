package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PresenceMirror 把在线状态同步到外部共享存储（Redis），供其他服务读取。
// 镜像失败只记日志，不影响协作核心。
type PresenceMirror interface {
	AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error
}

type JoinRequest struct {
	DocID   string
	UserID  uint64
	Profile Profile
}

// Presence 负责加入/离开/光标/选区这类在线状态变更：
// 先提交注册表，再恰好广播一次。
type Presence struct {
	registry    *Registry
	broadcaster *Broadcaster
	mirror      PresenceMirror
	mirrorTTL   time.Duration
	log         zerolog.Logger

	// mirrorQ 只在 mu 下写入和关闭
	mu         sync.RWMutex
	mirrorQ    chan func()
	mirrorDone chan struct{}
	closed     bool
	// 每个会话最近一次续期镜像成员的时间
	refreshed map[string]time.Time
}

// mirror 可以为 nil（不启用 Redis 镜像）
func NewPresence(registry *Registry, broadcaster *Broadcaster, mirror PresenceMirror, log zerolog.Logger) *Presence {
	p := &Presence{
		registry:    registry,
		broadcaster: broadcaster,
		mirror:      mirror,
		mirrorTTL:   2 * DefaultStaleWindow,
		log:         log.With().Str("component", "presence").Logger(),
		refreshed:   make(map[string]time.Time),
	}
	if mirror != nil {
		p.mirrorQ = make(chan func(), 1024)
		p.mirrorDone = make(chan struct{})
		go p.mirrorLoop()
	}
	return p
}

// Close 停止镜像 worker，等待已入队的写入执行完；之后的镜像写入直接丢弃
func (p *Presence) Close() {
	p.mu.Lock()
	if p.closed || p.mirrorQ == nil {
		p.closed = true
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.mirrorQ)
	p.mu.Unlock()
	<-p.mirrorDone
}

// Join 创建会话、订阅房间并向其他人广播 user-joined；返回当前在线列表（含加入者本人）。
// 重复加入不会再次广播，created=false。
func (p *Presence) Join(req JoinRequest, sub Subscriber) ([]Participant, Session, bool) {
	sess, created := p.registry.Join(req.DocID, req.UserID, sub.ID(), req.Profile)
	if created {
		p.broadcaster.Subscribe(req.DocID, sub)
	}
	active := p.registry.ListActive(req.DocID)
	participants := make([]Participant, 0, len(active))
	for _, s := range active {
		participants = append(participants, s.participant())
	}
	if !created {
		return participants, sess, false
	}

	p.broadcaster.Publish(req.DocID, Event{
		Type:        EventUserJoined,
		DocID:       req.DocID,
		UserID:      req.UserID,
		DisplayName: req.Profile.DisplayName,
		AvatarRef:   req.Profile.AvatarRef,
		Timestamp:   stamp(sess.JoinedAt),
	}, sub.ID())
	p.mirrorJoin(sess)
	return participants, sess, true
}

// MoveCursor 更新光标后广播 cursor-moved（不回显给发起者）
func (p *Presence) MoveCursor(docID, connID string, pos Position) error {
	cur, ok := p.registry.Lookup(connID, docID)
	if !ok {
		return ErrNotJoined
	}
	sess, ok := p.registry.UpdateCursor(cur.ID, &pos)
	if !ok {
		// 与断线清理竞争，会话已不存在
		p.log.Debug().Str("doc", docID).Str("conn", connID).Msg("cursor update for vanished session")
		return nil
	}
	p.broadcaster.Publish(docID, Event{
		Type:     EventCursorMoved,
		DocID:    docID,
		UserID:   sess.UserID,
		Position: sess.Cursor,
	}, connID)
	p.mirrorCursor(sess)
	p.Refresh(sess)
	return nil
}

// ChangeSelection 更新选区后广播 selection-changed，sel 为 nil 表示清空选区
func (p *Presence) ChangeSelection(docID, connID string, sel *Selection) error {
	cur, ok := p.registry.Lookup(connID, docID)
	if !ok {
		return ErrNotJoined
	}
	sess, ok := p.registry.UpdateSelection(cur.ID, sel)
	if !ok {
		p.log.Debug().Str("doc", docID).Str("conn", connID).Msg("selection update for vanished session")
		return nil
	}
	p.broadcaster.Publish(docID, Event{
		Type:      EventSelectionChanged,
		DocID:     docID,
		UserID:    sess.UserID,
		Selection: sess.Selection,
		Cleared:   sess.Selection == nil,
	}, connID)
	p.mirrorCursor(sess)
	p.Refresh(sess)
	return nil
}

// Leave 显式离开：删除会话并通知剩余所有成员
func (p *Presence) Leave(docID, connID string) (Session, bool) {
	cur, ok := p.registry.Lookup(connID, docID)
	if !ok {
		return Session{}, false
	}
	sess, ok := p.registry.Remove(cur.ID)
	if !ok {
		// 已被并发的清理删掉，由那一方负责广播
		return Session{}, false
	}
	p.Depart(sess)
	return sess, true
}

// Depart 针对已从注册表删除的会话：退订房间并广播 user-left（不排除任何人）
func (p *Presence) Depart(sess Session) {
	p.broadcaster.Unsubscribe(sess.DocID, sess.ConnID)
	p.broadcaster.Publish(sess.DocID, Event{
		Type:        EventUserLeft,
		DocID:       sess.DocID,
		UserID:      sess.UserID,
		DisplayName: sess.Profile.DisplayName,
		Timestamp:   stamp(time.Now()),
	}, "")
	p.mirrorLeave(sess)
}

// Participants 返回文档当前在线列表
func (p *Presence) Participants(docID string) []Participant {
	active := p.registry.ListActive(docID)
	out := make([]Participant, 0, len(active))
	for _, s := range active {
		out = append(out, s.participant())
	}
	return out
}

// Refresh 续期会话在镜像中的成员分数。会话仍有活动（心跳、光标、内容变更）时调用，
// 每个会话至多每 mirrorTTL/4 写一次；会话已被删除时什么都不做。
func (p *Presence) Refresh(sess Session) {
	if p.mirror == nil {
		return
	}
	now := p.registry.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.refreshed[sess.ID]; ok && now.Sub(last) < p.mirrorTTL/4 {
		return
	}
	// 与 mirrorLeave 在同一把锁下检查，续期不会排到 RemoveMember 之后
	if cur, ok := p.registry.Lookup(sess.ConnID, sess.DocID); !ok || cur.ID != sess.ID {
		return
	}
	p.refreshed[sess.ID] = now
	p.pushLocked("refresh", sess, func(ctx context.Context) error {
		return p.mirror.AddMember(ctx, sess.DocID, sess.UserID, sess.Profile.DisplayName, p.mirrorTTL)
	})
}

// 镜像写入放到单独的 worker 串行执行，不阻塞连接的读循环；队列满时丢弃
func (p *Presence) enqueueMirror(op string, sess Session, fn func(ctx context.Context) error) {
	if p.mirror == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.pushLocked(op, sess, fn)
}

// pushLocked 调用方持有 mu（读锁或写锁）
func (p *Presence) pushLocked(op string, sess Session, fn func(ctx context.Context) error) {
	if p.closed {
		return
	}
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if err := fn(ctx); err != nil {
			p.log.Warn().Err(err).Str("op", op).Str("doc", sess.DocID).Uint64("user", sess.UserID).Msg("presence mirror failed")
		}
	}
	select {
	case p.mirrorQ <- task:
	default:
		p.log.Warn().Str("op", op).Str("doc", sess.DocID).Msg("presence mirror queue full, dropped")
	}
}

func (p *Presence) mirrorLoop() {
	defer close(p.mirrorDone)
	for task := range p.mirrorQ {
		task()
	}
}

func (p *Presence) mirrorJoin(sess Session) {
	if p.mirror == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed[sess.ID] = p.registry.now()
	p.pushLocked("join", sess, func(ctx context.Context) error {
		return p.mirror.AddMember(ctx, sess.DocID, sess.UserID, sess.Profile.DisplayName, p.mirrorTTL)
	})
}

func (p *Presence) mirrorCursor(sess Session) {
	if p.mirror == nil {
		return
	}
	b, err := marshalCursor(sess)
	if err != nil {
		return
	}
	p.enqueueMirror("cursor", sess, func(ctx context.Context) error {
		return p.mirror.SetCursor(ctx, sess.DocID, sess.UserID, b, p.mirrorTTL)
	})
}

func (p *Presence) mirrorLeave(sess Session) {
	if p.mirror == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.refreshed, sess.ID)
	// 同一用户可能还有其他标签页在线
	for _, s := range p.registry.ListActive(sess.DocID) {
		if s.UserID == sess.UserID {
			return
		}
	}
	p.pushLocked("leave", sess, func(ctx context.Context) error {
		return p.mirror.RemoveMember(ctx, sess.DocID, sess.UserID)
	})
}

func marshalCursor(sess Session) ([]byte, error) {
	return json.Marshal(struct {
		Cursor    *Position  `json:"cursor,omitempty"`
		Selection *Selection `json:"selection,omitempty"`
	}{sess.Cursor, sess.Selection})
}
