package permission

import "strings"

// Role 文档角色，数值越大权限越高
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseRole 解析数据库中保存的角色字符串，未知值视为无权限
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer", "reader":
		return RoleViewer
	case "editor", "writer":
		return RoleEditor
	case "owner":
		return RoleOwner
	default:
		return RoleNone
	}
}

// Allows 当前角色是否满足 required
func (r Role) Allows(required Role) bool {
	return r != RoleNone && r >= required
}
