package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabCoordinator/backend/internal/collab"
)

// Manager 负责 websocket 握手，并把每个连接接入生命周期管理器
type Manager struct {
	lc       *collab.Lifecycle
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

func NewManager(lc *collab.Lifecycle, opts Options, log zerolog.Logger) *Manager {
	opts.withDefaults()
	m := &Manager{
		lc:    lc,
		opts:  opts,
		log:   log.With().Str("component", "ws").Logger(),
		conns: make(map[string]*Conn),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

// checkOrigin 没有配置白名单时放行；一些环境不发送 Origin 或为 "null"
func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range m.opts.AllowedOrigins {
		if p != "" && strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect 升级连接并阻塞到连接关闭；身份由鉴权中间件写入 gin.Context
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(wsConn, userID, m.opts, m.log)
	cc := m.lc.Register(conn, userID)
	m.track(conn)
	m.wg.Add(1)
	defer func() {
		m.lc.Terminate(cc)
		conn.Close()
		m.untrack(conn)
		m.wg.Done()
	}()

	// 先启动写循环，保证 welcome 能及时发出
	go conn.writeLoop()
	conn.reply(welcomeEvent(conn.ID(), userID))

	// 读循环阻塞至连接关闭
	conn.readLoop(context.Background(), &handler{conn: conn, cc: cc, lc: m.lc})
}

func (m *Manager) track(c *Conn) {
	m.mu.Lock()
	m.conns[c.ID()] = c
	m.mu.Unlock()
}

func (m *Manager) untrack(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID())
	m.mu.Unlock()
}

// Count 当前连接数
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown 关闭所有连接并等待清理完成。
// http.Server.Shutdown 不会关闭已被劫持的 websocket 连接。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
