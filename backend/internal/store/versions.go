package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabCoordinator/backend/internal/collab"
	"collabCoordinator/backend/internal/permission"
)

// DocumentHead 记录每个文档当前的最大版本号，保存时对这一行加行锁
type DocumentHead struct {
	DocumentID string `gorm:"primaryKey;type:varchar(64)"`
	Version    uint64 `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

func (DocumentHead) TableName() string { return "document_heads" }

type DocumentVersion struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"type:varchar(64);uniqueIndex:uk_document_version"`
	Version    uint64    `gorm:"uniqueIndex:uk_document_version"`
	Title      string    `gorm:"type:varchar(255)"`
	Content    string    `gorm:"type:longtext"`
	AuthorID   uint64
	CreatedAt  time.Time
}

func (DocumentVersion) TableName() string { return "document_versions" }

func (v DocumentVersion) snapshot() collab.VersionSnapshot {
	return collab.VersionSnapshot{
		DocID:     v.DocumentID,
		Version:   v.Version,
		Title:     v.Title,
		Content:   v.Content,
		AuthorID:  v.AuthorID,
		CreatedAt: v.CreatedAt,
	}
}

const maxCreateAttempts = 3

// VersionStore 在 MySQL 中保存文档版本，版本号在事务内分配
type VersionStore struct {
	db *gorm.DB
}

func NewVersionStore(db *gorm.DB) *VersionStore {
	return &VersionStore{db: db}
}

// CreateVersion 在一个事务里锁住 head 行、分配 head+1、写入版本并更新 head。
// 要么整个版本提交，要么什么都不留下。冲突或死锁时整体重试。
func (s *VersionStore) CreateVersion(ctx context.Context, docID, title, content string, authorID uint64) (collab.VersionSnapshot, error) {
	var (
		snap collab.VersionSnapshot
		err  error
	)
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		snap, err = s.createVersion(ctx, docID, title, content, authorID)
		if err == nil || !isRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		if isMissingDocument(err) {
			return collab.VersionSnapshot{}, fmt.Errorf("%w: %s", permission.ErrDocumentNotFound, docID)
		}
		return collab.VersionSnapshot{}, err
	}
	return snap, nil
}

func (s *VersionStore) createVersion(ctx context.Context, docID, title, content string, authorID uint64) (collab.VersionSnapshot, error) {
	var row DocumentVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head := DocumentHead{DocumentID: docID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&head).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", docID).First(&head).Error; err != nil {
			return err
		}

		row = DocumentVersion{
			DocumentID: docID,
			Version:    head.Version + 1,
			Title:      title,
			Content:    content,
			AuthorID:   authorID,
			CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&DocumentHead{}).Where("document_id = ?", docID).
			Update("version", row.Version).Error
	})
	if err != nil {
		return collab.VersionSnapshot{}, err
	}
	return row.snapshot(), nil
}

// LatestVersion 返回文档最新版本，没有任何版本时返回 collab.ErrNotFound
func (s *VersionStore) LatestVersion(ctx context.Context, docID string) (collab.VersionSnapshot, error) {
	var row DocumentVersion
	err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("version DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return collab.VersionSnapshot{}, fmt.Errorf("%w: no versions for %s", collab.ErrNotFound, docID)
		}
		return collab.VersionSnapshot{}, err
	}
	return row.snapshot(), nil
}

// ListVersions 按版本号倒序返回最近 limit 个版本（不含正文）
func (s *VersionStore) ListVersions(ctx context.Context, docID string, limit int) ([]collab.VersionSnapshot, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []DocumentVersion
	err := s.db.WithContext(ctx).
		Select("document_id", "version", "title", "author_id", "created_at").
		Where("document_id = ?", docID).
		Order("version DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]collab.VersionSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.snapshot())
	}
	return out, nil
}
