package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"collabCoordinator/backend/internal/permission"
)

// DocumentStore 读写文档归属和授权，实现 permission.RoleStore
type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// ErrDocumentExists 文档 ID 已被占用
var ErrDocumentExists = errors.New("document already exists")

func (s *DocumentStore) CreateDocument(ctx context.Context, docID string, ownerID uint64, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, owner_id, title) VALUES (?, ?, ?)`,
		docID,
		ownerID,
		title,
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrDocumentExists, docID)
		}
		return err
	}
	return nil
}

// GrantRole 授予或覆盖用户在文档上的角色
func (s *DocumentStore) GrantRole(ctx context.Context, docID string, userID uint64, role permission.Role) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_permissions (document_id, user_id, role) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE role = VALUES(role)`,
		docID,
		userID,
		role.String(),
	)
	if isMissingDocument(err) {
		return fmt.Errorf("%w: %s", permission.ErrDocumentNotFound, docID)
	}
	return err
}

// RevokeRole 删除用户在文档上的授权，不存在时不报错
func (s *DocumentStore) RevokeRole(ctx context.Context, docID string, userID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM document_permissions WHERE document_id = ? AND user_id = ?`,
		docID,
		userID,
	)
	return err
}

// ResolveRole 文档所有者是 owner，其余看授权表；文档不存在返回 permission.ErrDocumentNotFound
func (s *DocumentStore) ResolveRole(ctx context.Context, userID uint64, docID string) (permission.Role, error) {
	var ownerID uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id FROM documents WHERE id = ?`,
		docID,
	).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return permission.RoleNone, fmt.Errorf("%w: %s", permission.ErrDocumentNotFound, docID)
	}
	if err != nil {
		return permission.RoleNone, err
	}
	if ownerID == userID {
		return permission.RoleOwner, nil
	}

	var role string
	err = s.db.QueryRowContext(ctx,
		`SELECT role FROM document_permissions WHERE document_id = ? AND user_id = ?`,
		docID,
		userID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return permission.RoleNone, nil
	}
	if err != nil {
		return permission.RoleNone, err
	}
	return permission.ParseRole(role), nil
}
