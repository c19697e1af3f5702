package collab

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// 默认的会话不活跃窗口：超过该时间没有任何消息的会话会被清理
const DefaultStaleWindow = 5 * time.Minute

type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Profile 是加入文档时客户端带来的展示信息，会话存续期间不变
type Profile struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Session 表示一个连接在一个文档中的参与。
// DocID / UserID / ConnID 在会话生命周期内不可变。
type Session struct {
	ID           string
	DocID        string
	UserID       uint64
	ConnID       string
	Profile      Profile
	Cursor       *Position
	Selection    *Selection
	JoinedAt     time.Time
	LastActivity time.Time

	// 同一毫秒内加入时用于稳定排序
	joinSeq uint64
}

// Stale 判断会话在 now 时刻是否已超过不活跃窗口
func (s Session) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastActivity) > window
}

func (s Session) participant() Participant {
	p := Participant{
		SessionID:   s.ID,
		UserID:      s.UserID,
		DisplayName: s.Profile.DisplayName,
		AvatarRef:   s.Profile.AvatarRef,
	}
	if s.Cursor != nil {
		c := *s.Cursor
		p.Cursor = &c
	}
	if s.Selection != nil {
		sel := *s.Selection
		p.Selection = &sel
	}
	return p
}

// clone 深拷贝，避免调用方拿到注册表内部的指针
func (s *Session) clone() Session {
	out := *s
	if s.Cursor != nil {
		c := *s.Cursor
		out.Cursor = &c
	}
	if s.Selection != nil {
		sel := *s.Selection
		out.Selection = &sel
	}
	return out
}

// VersionSnapshot 是一次保存后持久化的不可变文档版本
type VersionSnapshot struct {
	DocID     string    `json:"docId"`
	Version   uint64    `json:"version"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	AuthorID  uint64    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewID 生成连接/会话使用的唯一标识
func NewID() string {
	return ulid.Make().String()
}
