package collab

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeSub 记录收到的事件；fail=true 时投递失败，block=true 时阻塞到超时
type fakeSub struct {
	id string

	mu     sync.Mutex
	events []Event
	fail   bool
	block  bool
	closed int
}

func newFakeSub(id string) *fakeSub { return &fakeSub{id: id} }

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Deliver(evt Event, timeout time.Duration) error {
	f.mu.Lock()
	fail, block := f.fail, f.block
	f.mu.Unlock()
	if block {
		time.Sleep(timeout)
		return errors.New("delivery timed out")
	}
	if fail {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	f.events = append(f.events, evt)
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeSub) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSub) all() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeSub) ofType(typ string) []Event {
	var out []Event
	for _, e := range f.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSub) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

// memSink 记录写入事件流的事件
type memSink struct {
	mu     sync.Mutex
	events []CollabEvent
}

func (s *memSink) Enqueue(_ context.Context, evt CollabEvent) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *memSink) all() []CollabEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CollabEvent, len(s.events))
	copy(out, s.events)
	return out
}

// memVersions 在内存里原子分配版本号
type memVersions struct {
	mu       sync.Mutex
	versions map[string]uint64
	saved    []VersionSnapshot
	err      error
	delay    time.Duration
}

func newMemVersions() *memVersions {
	return &memVersions{versions: make(map[string]uint64)}
}

func (m *memVersions) CreateVersion(ctx context.Context, docID, title, content string, authorID uint64) (VersionSnapshot, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return VersionSnapshot{}, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return VersionSnapshot{}, m.err
	}
	m.versions[docID]++
	snap := VersionSnapshot{
		DocID:     docID,
		Version:   m.versions[docID],
		Title:     title,
		Content:   content,
		AuthorID:  authorID,
		CreatedAt: time.Now(),
	}
	m.saved = append(m.saved, snap)
	return snap, nil
}

func (m *memVersions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// memMirror 记录镜像调用，成员过期时间按 clock 计算
type memMirror struct {
	mu      sync.Mutex
	clock   func() time.Time
	members map[string]map[uint64]string
	expires map[string]map[uint64]time.Time
	adds    int
	cursors int
}

func newMemMirror() *memMirror {
	return &memMirror{
		clock:   time.Now,
		members: make(map[string]map[uint64]string),
		expires: make(map[string]map[uint64]time.Time),
	}
}

func (m *memMirror) AddMember(_ context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[docID] == nil {
		m.members[docID] = make(map[uint64]string)
		m.expires[docID] = make(map[uint64]time.Time)
	}
	m.members[docID][userID] = username
	m.expires[docID][userID] = m.clock().Add(ttl)
	m.adds++
	return nil
}

func (m *memMirror) RemoveMember(_ context.Context, docID string, userID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[docID], userID)
	delete(m.expires[docID], userID)
	return nil
}

func (m *memMirror) expiresAt(docID string, userID uint64) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expires[docID][userID]
}

func (m *memMirror) addCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adds
}

func (m *memMirror) SetCursor(context.Context, string, uint64, []byte, time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors++
	return nil
}

func (m *memMirror) memberCount(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members[docID])
}
