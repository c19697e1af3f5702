package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabCoordinator/backend/internal/metrics"
	"collabCoordinator/backend/internal/permission"
)

// ConnState 连接状态机：Connected -> Joined -> Connected(离开全部文档) -> Terminated
type ConnState int

const (
	StateConnected ConnState = iota
	StateJoined
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return "terminated"
	}
}

// Connection 是生命周期管理器眼中的一个传输连接
type Connection struct {
	sub    Subscriber
	userID uint64 // 握手时认证出的身份，0 表示未认证

	mu         sync.Mutex
	joined     map[string]struct{}
	terminated bool
	once       sync.Once
}

func (c *Connection) ID() string { return c.sub.ID() }

func (c *Connection) UserID() uint64 { return c.userID }

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.terminated:
		return StateTerminated
	case len(c.joined) > 0:
		return StateJoined
	default:
		return StateConnected
	}
}

// Documents 已加入的文档
func (c *Connection) Documents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for d := range c.joined {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (c *Connection) hasJoined(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[docID]
	return ok && !c.terminated
}

func (c *Connection) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

type LifecycleOptions struct {
	GateTimeout   time.Duration
	StaleWindow   time.Duration
	SweepInterval time.Duration
}

func (o *LifecycleOptions) withDefaults() {
	if o.GateTimeout <= 0 {
		o.GateTimeout = 2 * time.Second
	}
	if o.StaleWindow <= 0 {
		o.StaleWindow = DefaultStaleWindow
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
}

// Lifecycle 串起注册表、在线状态、中继和保存：
// 按连接维护状态机，断线时恰好清理一次，并定期清理失联会话。
type Lifecycle struct {
	registry *Registry
	presence *Presence
	relay    *Relay
	saver    *Saver
	gate     permission.Gate
	opts     LifecycleOptions
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// gate 用于加入时的 viewer 校验，可以是带缓存的实现
func NewLifecycle(registry *Registry, presence *Presence, relay *Relay, saver *Saver, gate permission.Gate, opts LifecycleOptions, log zerolog.Logger) *Lifecycle {
	opts.withDefaults()
	return &Lifecycle{
		registry: registry,
		presence: presence,
		relay:    relay,
		saver:    saver,
		gate:     gate,
		opts:     opts,
		log:      log.With().Str("component", "lifecycle").Logger(),
		conns:    make(map[string]*Connection),
	}
}

// Register 登记一个新连接，状态为 Connected
func (l *Lifecycle) Register(sub Subscriber, userID uint64) *Connection {
	c := &Connection{sub: sub, userID: userID, joined: make(map[string]struct{})}
	l.mu.Lock()
	l.conns[sub.ID()] = c
	l.mu.Unlock()
	metrics.ActiveConnections.Inc()
	return c
}

func (l *Lifecycle) connection(connID string) *Connection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conns[connID]
}

// Connections 当前登记的连接数
func (l *Lifecycle) Connections() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

// identity 认证身份优先于消息里自报的 userId
func (c *Connection) identity(claimed uint64) uint64 {
	if c.userID != 0 {
		return c.userID
	}
	return claimed
}

// Join 校验 viewer 权限后加入文档，返回当前在线列表（active-users）。
// 权限校验在任何锁之外完成；被拒绝或超时不会留下会话。
func (l *Lifecycle) Join(ctx context.Context, c *Connection, req JoinRequest) ([]Participant, error) {
	if c.isTerminated() {
		return nil, ErrConnectionClosed
	}
	req.UserID = c.identity(req.UserID)
	if err := CheckGate(ctx, l.gate, l.opts.GateTimeout, req.UserID, req.DocID, permission.RoleViewer); err != nil {
		l.log.Info().Err(err).Str("doc", req.DocID).Uint64("user", req.UserID).Msg("join rejected")
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil, ErrConnectionClosed
	}
	participants, _, created := l.presence.Join(req, c.sub)
	c.joined[req.DocID] = struct{}{}
	if created {
		l.log.Debug().Str("doc", req.DocID).Str("conn", c.ID()).Uint64("user", req.UserID).Msg("joined")
	}
	return participants, nil
}

// Leave 显式离开；未加入时视为无害的竞争，直接返回
func (l *Lifecycle) Leave(c *Connection, docID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return ErrConnectionClosed
	}
	if _, ok := c.joined[docID]; !ok {
		l.log.Debug().Str("doc", docID).Str("conn", c.ID()).Msg("leave for document not joined")
		return nil
	}
	delete(c.joined, docID)
	l.presence.Leave(docID, c.ID())
	return nil
}

func (l *Lifecycle) MoveCursor(c *Connection, docID string, pos Position) error {
	if c.isTerminated() {
		return ErrConnectionClosed
	}
	return l.presence.MoveCursor(docID, c.ID(), pos)
}

func (l *Lifecycle) ChangeSelection(c *Connection, docID string, sel *Selection) error {
	if c.isTerminated() {
		return ErrConnectionClosed
	}
	return l.presence.ChangeSelection(docID, c.ID(), sel)
}

// Relay 转发内容变更，返回分配的序号；房间已不存在时 ok=false 且不报错
func (l *Lifecycle) Relay(c *Connection, docID string, claimedUser uint64, payload json.RawMessage) (uint64, bool, error) {
	if c.isTerminated() {
		return 0, false, ErrConnectionClosed
	}
	sess, ok := l.registry.Lookup(c.ID(), docID)
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", ErrNotJoined, docID)
	}
	l.registry.Touch(sess.ID)
	l.presence.Refresh(sess)
	seq, ok := l.relay.Relay(docID, c.identity(claimedUser), c.ID(), payload)
	return seq, ok, nil
}

// Save 持久化一个版本。连接必须已加入该文档。
func (l *Lifecycle) Save(ctx context.Context, c *Connection, req SaveRequest) (VersionSnapshot, error) {
	if c.isTerminated() {
		return VersionSnapshot{}, ErrConnectionClosed
	}
	if !c.hasJoined(req.DocID) {
		return VersionSnapshot{}, fmt.Errorf("%w: %s", ErrNotJoined, req.DocID)
	}
	req.UserID = c.identity(req.UserID)
	req.ConnID = c.ID()
	if sess, ok := l.registry.Lookup(c.ID(), req.DocID); ok {
		l.registry.Touch(sess.ID)
	}
	return l.saver.Save(ctx, req)
}

// Heartbeat 刷新连接所有会话的活跃时间并续期镜像。
// 传输层收到 pong 或 heartbeat 消息时调用。
func (l *Lifecycle) Heartbeat(c *Connection) error {
	if c.isTerminated() {
		return ErrConnectionClosed
	}
	for _, s := range l.registry.SessionsForConn(c.ID()) {
		if l.registry.Touch(s.ID) {
			l.presence.Refresh(s)
		}
	}
	return nil
}

// Terminate 传输层关闭时调用，多次调用只清理一次。
// 对连接加入的每个文档删除会话并广播一次 user-left，返回清理的会话数。
func (l *Lifecycle) Terminate(c *Connection) int {
	removed := 0
	c.once.Do(func() {
		c.mu.Lock()
		c.terminated = true
		c.joined = make(map[string]struct{})
		c.mu.Unlock()

		for _, s := range l.registry.SessionsForConn(c.ID()) {
			sess, ok := l.registry.Remove(s.ID)
			if !ok {
				// 已被清理任务删除并广播过
				continue
			}
			l.presence.Depart(sess)
			removed++
		}

		l.mu.Lock()
		if l.conns[c.ID()] == c {
			delete(l.conns, c.ID())
			metrics.ActiveConnections.Dec()
		}
		l.mu.Unlock()
		l.log.Debug().Str("conn", c.ID()).Int("sessions", removed).Msg("connection terminated")
	})
	return removed
}

// Sweep 清理 now 时刻已失联的会话，每个都广播 user-left。
// 活着的传输会靠 pong 续期，所以会话过期说明传输已卡死：
// 关闭该连接，客户端重连后重新加入，其余会话由 Terminate 清理。
func (l *Lifecycle) Sweep(now time.Time) []Session {
	swept := l.registry.SweepStale(now, l.opts.StaleWindow)
	stale := make(map[string]*Connection)
	for _, s := range swept {
		l.presence.Depart(s)
		if c := l.connection(s.ConnID); c != nil {
			c.mu.Lock()
			// 期间可能已重新加入同一文档
			if _, still := l.registry.Lookup(s.ConnID, s.DocID); !still {
				delete(c.joined, s.DocID)
				if !c.terminated {
					stale[c.ID()] = c
				}
			}
			c.mu.Unlock()
		}
	}
	for _, c := range stale {
		l.log.Info().Str("conn", c.ID()).Msg("closing connection with expired sessions")
		c.sub.Close()
	}
	if len(swept) > 0 {
		metrics.SweptSessions.Add(float64(len(swept)))
		l.log.Info().Int("sessions", len(swept)).Msg("swept stale sessions")
	}
	return swept
}

// RunSweeper 按 SweepInterval 周期执行 Sweep，直到 ctx 结束
func (l *Lifecycle) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.Sweep(now)
		}
	}
}

// Sessions 当前会话总数
func (l *Lifecycle) Sessions() int {
	return l.registry.Len()
}

// Participants 供 HTTP 查询在线列表
func (l *Lifecycle) Participants(docID string) []Participant {
	return l.presence.Participants(docID)
}
