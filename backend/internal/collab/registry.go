package collab

import (
	"sort"
	"sync"
	"time"

	"collabCoordinator/backend/internal/metrics"
)

// docSessions 是单个文档的会话分片，拥有自己的锁
type docSessions struct {
	mu       sync.Mutex
	sessions map[string]*Session // sessionID -> session
	byConn   map[string]string   // connID -> sessionID
}

// Registry 记录所有活跃的 (文档, 用户, 连接) 会话。
// 每个文档一把锁；mu 只保护分片表和两个索引。
type Registry struct {
	mu     sync.RWMutex
	docs   map[string]*docSessions
	docOf  map[string]string              // sessionID -> docID
	byConn map[string]map[string]struct{} // connID -> set of sessionID

	joinSeq uint64
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		docs:   make(map[string]*docSessions),
		docOf:  make(map[string]string),
		byConn: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// SetClock 仅供测试替换时钟
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) shard(docID string, create bool) *docSessions {
	r.mu.RLock()
	ds := r.docs[docID]
	r.mu.RUnlock()
	if ds != nil || !create {
		return ds
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ds = r.docs[docID]; ds == nil {
		ds = &docSessions{
			sessions: make(map[string]*Session),
			byConn:   make(map[string]string),
		}
		r.docs[docID] = ds
	}
	return ds
}

// Join 为连接在文档中创建会话。同一 (连接, 文档) 重复加入时直接返回已有会话，created=false。
// 调用方需要先通过权限校验。
func (r *Registry) Join(docID string, userID uint64, connID string, profile Profile) (Session, bool) {
	for {
		ds := r.shard(docID, true)
		ds.mu.Lock()
		// 分片可能在拿锁前被最后一个 Remove 回收，重新取
		r.mu.RLock()
		live := r.docs[docID] == ds
		r.mu.RUnlock()
		if !live {
			ds.mu.Unlock()
			continue
		}
		if sid, ok := ds.byConn[connID]; ok {
			s := ds.sessions[sid].clone()
			ds.mu.Unlock()
			return s, false
		}
		now := r.now()
		r.mu.Lock()
		r.joinSeq++
		s := &Session{
			ID:           NewID(),
			DocID:        docID,
			UserID:       userID,
			ConnID:       connID,
			Profile:      profile,
			JoinedAt:     now,
			LastActivity: now,
			joinSeq:      r.joinSeq,
		}
		r.docOf[s.ID] = docID
		if r.byConn[connID] == nil {
			r.byConn[connID] = make(map[string]struct{})
		}
		r.byConn[connID][s.ID] = struct{}{}
		r.mu.Unlock()

		ds.sessions[s.ID] = s
		ds.byConn[connID] = s.ID
		out := s.clone()
		ds.mu.Unlock()
		metrics.ActiveSessions.Inc()
		return out, true
	}
}

// mutate 在会话所在分片的锁内执行 fn，会话不存在时返回 false
func (r *Registry) mutate(sessionID string, fn func(s *Session)) (Session, bool) {
	r.mu.RLock()
	docID, ok := r.docOf[sessionID]
	r.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	ds := r.shard(docID, false)
	if ds == nil {
		return Session{}, false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	s, ok := ds.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	fn(s)
	s.LastActivity = r.now()
	return s.clone(), true
}

// UpdateCursor 覆盖光标并刷新活跃时间；会话已不存在（与断线竞争）时返回 false
func (r *Registry) UpdateCursor(sessionID string, pos *Position) (Session, bool) {
	return r.mutate(sessionID, func(s *Session) {
		if pos == nil {
			s.Cursor = nil
			return
		}
		p := *pos
		s.Cursor = &p
	})
}

// UpdateSelection 覆盖选区（nil 表示清空）并刷新活跃时间
func (r *Registry) UpdateSelection(sessionID string, sel *Selection) (Session, bool) {
	return r.mutate(sessionID, func(s *Session) {
		if sel == nil {
			s.Selection = nil
			return
		}
		v := *sel
		s.Selection = &v
	})
}

// Touch 只刷新活跃时间
func (r *Registry) Touch(sessionID string) bool {
	_, ok := r.mutate(sessionID, func(*Session) {})
	return ok
}

// Remove 删除会话，幂等
func (r *Registry) Remove(sessionID string) (Session, bool) {
	r.mu.RLock()
	docID, ok := r.docOf[sessionID]
	r.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	ds := r.shard(docID, false)
	if ds == nil {
		return Session{}, false
	}
	ds.mu.Lock()
	s, ok := ds.sessions[sessionID]
	if !ok {
		ds.mu.Unlock()
		return Session{}, false
	}
	out := r.removeLocked(ds, s)
	ds.mu.Unlock()
	return out, true
}

// removeLocked 要求调用方持有 ds.mu
func (r *Registry) removeLocked(ds *docSessions, s *Session) Session {
	delete(ds.sessions, s.ID)
	if ds.byConn[s.ConnID] == s.ID {
		delete(ds.byConn, s.ConnID)
	}

	r.mu.Lock()
	delete(r.docOf, s.ID)
	if set := r.byConn[s.ConnID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(r.byConn, s.ConnID)
		}
	}
	// 空分片回收，Join 会检测到并重新创建
	if len(ds.sessions) == 0 && r.docs[s.DocID] == ds {
		delete(r.docs, s.DocID)
	}
	r.mu.Unlock()

	metrics.ActiveSessions.Dec()
	return s.clone()
}

// Lookup 返回连接在某文档中的会话
func (r *Registry) Lookup(connID, docID string) (Session, bool) {
	ds := r.shard(docID, false)
	if ds == nil {
		return Session{}, false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	sid, ok := ds.byConn[connID]
	if !ok {
		return Session{}, false
	}
	return ds.sessions[sid].clone(), true
}

// ListActive 按加入时间返回文档内的所有会话
func (r *Registry) ListActive(docID string) []Session {
	ds := r.shard(docID, false)
	if ds == nil {
		return nil
	}
	ds.mu.Lock()
	out := make([]Session, 0, len(ds.sessions))
	for _, s := range ds.sessions {
		out = append(out, s.clone())
	}
	ds.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].joinSeq < out[j].joinSeq
	})
	return out
}

// SessionsForConn 返回某连接持有的所有会话（一个连接可加入多个文档）
func (r *Registry) SessionsForConn(connID string) []Session {
	r.mu.RLock()
	type ref struct{ sid, docID string }
	refs := make([]ref, 0, len(r.byConn[connID]))
	for sid := range r.byConn[connID] {
		refs = append(refs, ref{sid: sid, docID: r.docOf[sid]})
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(refs))
	for _, ref := range refs {
		ds := r.shard(ref.docID, false)
		if ds == nil {
			continue
		}
		ds.mu.Lock()
		if s, ok := ds.sessions[ref.sid]; ok {
			out = append(out, s.clone())
		}
		ds.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].joinSeq < out[j].joinSeq })
	return out
}

// SweepStale 删除所有最后活跃时间早于 now-window 的会话并返回它们。
// 注册表本身不广播，离开事件由调用方（生命周期管理器）负责。
func (r *Registry) SweepStale(now time.Time, window time.Duration) []Session {
	r.mu.RLock()
	shards := make([]*docSessions, 0, len(r.docs))
	for _, ds := range r.docs {
		shards = append(shards, ds)
	}
	r.mu.RUnlock()

	var swept []Session
	for _, ds := range shards {
		ds.mu.Lock()
		var stale []*Session
		for _, s := range ds.sessions {
			if s.Stale(now, window) {
				stale = append(stale, s)
			}
		}
		for _, s := range stale {
			swept = append(swept, r.removeLocked(ds, s))
		}
		ds.mu.Unlock()
	}
	sort.Slice(swept, func(i, j int) bool { return swept[i].joinSeq < swept[j].joinSeq })
	return swept
}

// Len 返回当前会话总数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docOf)
}
