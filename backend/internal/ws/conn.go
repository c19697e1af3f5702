package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabCoordinator/backend/internal/collab"
)

type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// 直接回复给本连接时的投递超时
	ReplyTimeout time.Duration
	// 允许的 Origin 前缀，空表示不限制
	AllowedOrigins []string
}

func (o *Options) withDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = time.Second
	}
}

// Conn 是一个 websocket 连接，实现 collab.Subscriber。
// 所有出站消息都经过 send 队列，由 writeLoop 单独写出；
// 关闭只关 done，不关 send，避免并发 Deliver 写已关闭的通道。
type Conn struct {
	id     string
	userID uint64
	ws     *websocket.Conn
	send   chan collab.Event
	done   chan struct{}
	once   sync.Once
	opts   Options
	log    zerolog.Logger
}

func newConn(ws *websocket.Conn, userID uint64, opts Options, log zerolog.Logger) *Conn {
	id := collab.NewID()
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan collab.Event, opts.SendBuffer),
		done:   make(chan struct{}),
		opts:   opts,
		log:    log.With().Str("conn", id).Uint64("user", userID).Logger(),
	}
}

func (c *Conn) ID() string { return c.id }

// Deliver 在 timeout 内把事件放入发送队列，队列一直满说明对端卡住了
func (c *Conn) Deliver(evt collab.Event, timeout time.Duration) error {
	select {
	case <-c.done:
		return collab.ErrConnectionClosed
	case c.send <- evt:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.send <- evt:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: send queue full for %s", collab.ErrTransport, timeout)
	case <-c.done:
		return collab.ErrConnectionClosed
	}
}

// Close 关闭连接，可重复调用
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// reply 直接回复本连接；回复不进去时关闭连接
func (c *Conn) reply(evt collab.Event) {
	if err := c.Deliver(evt, c.opts.ReplyTimeout); err != nil {
		c.log.Warn().Err(err).Str("event", evt.Type).Msg("reply failed, closing connection")
		c.Close()
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case evt := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteJSON(evt); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop 阻塞读取直到连接断开，每条消息交给 handler 处理
func (c *Conn) readLoop(ctx context.Context, h *handler) {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		// 只读不写的客户端也靠 pong 保持会话活跃
		_ = h.lc.Heartbeat(h.cc)
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		// 任何入站消息都说明对端还活着
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		h.handle(ctx, raw)
	}
}
