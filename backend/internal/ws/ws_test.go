package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabCoordinator/backend/internal/collab"
	"collabCoordinator/backend/internal/permission"
)

func TestParseClientMessage(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"malformed", `{"type":`, true},
		{"missing type", `{"documentId":"d"}`, true},
		{"unknown type", `{"type":"op_submit","documentId":"d"}`, true},
		{"join without doc", `{"type":"join-document"}`, true},
		{"cursor without position", `{"type":"cursor-update","documentId":"d"}`, true},
		{"change without operations", `{"type":"content-change","documentId":"d"}`, true},
		{"heartbeat", `{"type":"heartbeat"}`, false},
		{"join", `{"type":"join-document","documentId":"d","userId":1,"displayName":"a"}`, false},
		{"selection cleared", `{"type":"selection-update","documentId":"d","selection":null}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseContentChangeKeepsOperationsVerbatim(t *testing.T) {
	raw := `{"type":"content-change","documentId":"doc-1","operations":[{"retain":3},{"insert":"hé"}]}`
	msg, err := ParseClientMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, `[{"retain":3},{"insert":"hé"}]`, string(msg.Operations))
}

type memVersions struct {
	mu sync.Mutex
	n  map[string]uint64
}

func (m *memVersions) CreateVersion(_ context.Context, docID, title, content string, authorID uint64) (collab.VersionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n[docID]++
	return collab.VersionSnapshot{DocID: docID, Version: m.n[docID], Title: title, Content: content, AuthorID: authorID, CreatedAt: time.Now()}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Manager) {
	t.Helper()
	srv, m, _ := newTestServerWith(t, Options{}, collab.NewRegistry())
	return srv, m
}

func newTestServerWith(t *testing.T, opts Options, reg *collab.Registry) (*httptest.Server, *Manager, *collab.Lifecycle) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zerolog.Nop()
	allow := permission.GateFunc(func(_ context.Context, userID uint64, _ string, required permission.Role) (bool, error) {
		// 用户 3 只有只读权限
		if userID == 3 {
			return required == permission.RoleViewer, nil
		}
		return true, nil
	})
	br := collab.NewBroadcaster(100*time.Millisecond, log)
	presence := collab.NewPresence(reg, br, nil, log)
	relay := collab.NewRelay(br, nil, log)
	saver := collab.NewSaver(allow, &memVersions{n: map[string]uint64{}}, br, nil, collab.SaverOptions{}, log)
	lc := collab.NewLifecycle(reg, presence, relay, saver, allow, collab.LifecycleOptions{}, log)
	m := NewManager(lc, opts, log)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		uid, _ := strconv.ParseUint(c.Query("uid"), 10, 64)
		c.Set("userId", uid)
		m.WebSocketConnect(c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		srv.Close()
	})
	return srv, m, lc
}

func dial(t *testing.T, srv *httptest.Server, uid int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?uid=" + strconv.Itoa(uid)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	welcome := readEvent(t, c)
	require.Equal(t, collab.EventWelcome, welcome.Type)
	require.NotEmpty(t, welcome.ConnID)
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) collab.Event {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt collab.Event
	require.NoError(t, c.ReadJSON(&evt))
	return evt
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestWebsocketCollaboration(t *testing.T) {
	srv, m := newTestServer(t)
	a := dial(t, srv, 1)
	b := dial(t, srv, 2)

	send(t, a, `{"type":"join-document","documentId":"doc-1","displayName":"A"}`)
	evt := readEvent(t, a)
	require.Equal(t, collab.EventActiveUsers, evt.Type)
	require.Len(t, evt.Participants, 1)

	send(t, b, `{"type":"join-document","documentId":"doc-1","displayName":"B"}`)
	evt = readEvent(t, b)
	require.Equal(t, collab.EventActiveUsers, evt.Type)
	require.Len(t, evt.Participants, 2)
	evt = readEvent(t, a)
	require.Equal(t, collab.EventUserJoined, evt.Type)
	assert.Equal(t, uint64(2), evt.UserID)
	assert.Equal(t, "B", evt.DisplayName)

	send(t, a, `{"type":"cursor-update","documentId":"doc-1","position":{"line":3,"column":5}}`)
	evt = readEvent(t, b)
	require.Equal(t, collab.EventCursorMoved, evt.Type)
	assert.Equal(t, uint64(1), evt.UserID)
	assert.Equal(t, collab.Position{Line: 3, Column: 5}, *evt.Position)

	send(t, b, `{"type":"content-change","documentId":"doc-1","operations":{"insert":"x"}}`)
	evt = readEvent(t, a)
	require.Equal(t, collab.EventContentUpdated, evt.Type)
	assert.Equal(t, uint64(1), evt.Sequence)
	assert.JSONEq(t, `{"insert":"x"}`, string(evt.Operations))

	send(t, a, `{"type":"save-document","documentId":"doc-1","title":"t","content":"x"}`)
	evt = readEvent(t, a)
	require.Equal(t, collab.EventArticleSaved, evt.Type)
	assert.Equal(t, uint64(1), evt.Version)
	evt = readEvent(t, b)
	require.Equal(t, collab.EventArticleSaved, evt.Type)
	assert.Equal(t, uint64(1), evt.Version)

	// A 断开，B 收到一次 user-left
	require.NoError(t, a.Close())
	evt = readEvent(t, b)
	require.Equal(t, collab.EventUserLeft, evt.Type)
	assert.Equal(t, uint64(1), evt.UserID)
	assert.Eventually(t, func() bool { return m.Count() == 1 }, time.Second, 10*time.Millisecond)
	_ = b.Close()
}

func TestWebsocketErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	viewer := dial(t, srv, 3)

	send(t, viewer, `not json`)
	evt := readEvent(t, viewer)
	require.Equal(t, collab.EventError, evt.Type)
	assert.Equal(t, collab.CodeInvalidMessage, evt.Code)

	send(t, viewer, `{"type":"cursor-update","documentId":"doc-1","position":{"line":1,"column":1}}`)
	evt = readEvent(t, viewer)
	assert.Equal(t, collab.CodeNotJoined, evt.Code)

	send(t, viewer, `{"type":"join-document","documentId":"doc-1"}`)
	evt = readEvent(t, viewer)
	require.Equal(t, collab.EventActiveUsers, evt.Type)

	send(t, viewer, `{"type":"save-document","documentId":"doc-1","content":"x"}`)
	evt = readEvent(t, viewer)
	require.Equal(t, collab.EventError, evt.Type)
	assert.Equal(t, collab.CodeAccessDenied, evt.Code)
	assert.Equal(t, "doc-1", evt.DocID)
	_ = viewer.Close()
}

type wsClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *wsClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *wsClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// pump 持续读取客户端连接（同时让客户端回应 ping），事件写入返回的通道
func pump(c *websocket.Conn) <-chan collab.Event {
	out := make(chan collab.Event, 64)
	go func() {
		defer close(out)
		for {
			var evt collab.Event
			if err := c.ReadJSON(&evt); err != nil {
				return
			}
			out <- evt
		}
	}()
	return out
}

func next(t *testing.T, events <-chan collab.Event, typ string) collab.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if evt.Type == typ {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestWebsocketPongKeepsPassiveReaderJoined(t *testing.T) {
	clock := &wsClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := collab.NewRegistry()
	reg.SetClock(clock.Now)
	srv, _, lc := newTestServerWith(t, Options{PingInterval: 10 * time.Millisecond, PongWait: time.Second}, reg)

	a := dial(t, srv, 1)
	b := dial(t, srv, 2)
	send(t, a, `{"type":"join-document","documentId":"doc-1"}`)
	require.Equal(t, collab.EventActiveUsers, readEvent(t, a).Type)
	send(t, b, `{"type":"join-document","documentId":"doc-1"}`)
	require.Equal(t, collab.EventActiveUsers, readEvent(t, b).Type)
	require.Equal(t, collab.EventUserJoined, readEvent(t, a).Type)
	aEvents, bEvents := pump(a), pump(b)

	// B 只读不发消息，但一直回应 ping
	lastActivity := func(user uint64) time.Time {
		for _, s := range reg.ListActive("doc-1") {
			if s.UserID == user {
				return s.LastActivity
			}
		}
		return time.Time{}
	}
	for i := 0; i < 6; i++ {
		clock.Advance(time.Minute)
		want := clock.Now()
		require.Eventually(t, func() bool { return lastActivity(2).Equal(want) }, time.Second, 5*time.Millisecond)
		require.Empty(t, lc.Sweep(clock.Now()))
	}

	send(t, a, `{"type":"content-change","documentId":"doc-1","operations":{"insert":"x"}}`)
	evt := next(t, bEvents, collab.EventContentUpdated)
	assert.Equal(t, uint64(1), evt.UserID)

	send(t, b, `{"type":"cursor-update","documentId":"doc-1","position":{"line":1,"column":1}}`)
	evt = next(t, aEvents, collab.EventCursorMoved)
	assert.Equal(t, uint64(2), evt.UserID)
	_ = a.Close()
	_ = b.Close()
}

func TestWebsocketSweepClosesStaleConnection(t *testing.T) {
	clock := &wsClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := collab.NewRegistry()
	reg.SetClock(clock.Now)
	// 默认 ping 间隔远大于测试时长，会话只能靠清理任务过期
	srv, m, lc := newTestServerWith(t, Options{}, reg)

	c := dial(t, srv, 1)
	send(t, c, `{"type":"join-document","documentId":"doc-1"}`)
	require.Equal(t, collab.EventActiveUsers, readEvent(t, c).Type)

	clock.Advance(collab.DefaultStaleWindow + time.Minute)
	require.Len(t, lc.Sweep(clock.Now()), 1)

	// 服务端关闭连接，客户端读到错误后可以重连并重新加入
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "connection should be closed, not idle")
	}
	assert.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, lc.Sessions())
}
