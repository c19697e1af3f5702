package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"collabCoordinator/backend/internal/collab"
	"collabCoordinator/backend/internal/permission"
)

// VersionReader 读取已保存的版本
type VersionReader interface {
	LatestVersion(ctx context.Context, docID string) (collab.VersionSnapshot, error)
	ListVersions(ctx context.Context, docID string, limit int) ([]collab.VersionSnapshot, error)
}

// Documents 提供文档在线状态和版本历史的只读接口
type Documents struct {
	lc       *collab.Lifecycle
	versions VersionReader
	gate     permission.Gate
	timeout  time.Duration
	log      zerolog.Logger
}

func NewDocuments(lc *collab.Lifecycle, versions VersionReader, gate permission.Gate, log zerolog.Logger) *Documents {
	return &Documents{
		lc:       lc,
		versions: versions,
		gate:     gate,
		timeout:  2 * time.Second,
		log:      log.With().Str("component", "http").Logger(),
	}
}

func (d *Documents) Register(r gin.IRoutes) {
	r.GET("/documents/:docID/presence", d.GetPresence)
	r.GET("/documents/:docID/versions", d.ListVersions)
	r.GET("/documents/:docID/versions/latest", d.GetLatestVersion)
}

// authorize 要求当前用户至少是 viewer，失败时已写好响应
func (d *Documents) authorize(c *gin.Context, docID string) bool {
	userID := c.GetUint64("userId")
	if userID == 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "User context missing"})
		return false
	}
	err := collab.CheckGate(c.Request.Context(), d.gate, d.timeout, userID, docID, permission.RoleViewer)
	if err != nil {
		d.writeError(c, err)
		return false
	}
	return true
}

func (d *Documents) GetPresence(c *gin.Context) {
	docID := c.Param("docID")
	if !d.authorize(c, docID) {
		return
	}
	participants := d.lc.Participants(docID)
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "participants": participants, "count": len(participants)})
}

func (d *Documents) ListVersions(c *gin.Context) {
	docID := c.Param("docID")
	if !d.authorize(c, docID) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	versions, err := d.versions.ListVersions(c.Request.Context(), docID, limit)
	if err != nil {
		d.writeError(c, fmtPersistence(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "versions": versions})
}

func (d *Documents) GetLatestVersion(c *gin.Context) {
	docID := c.Param("docID")
	if !d.authorize(c, docID) {
		return
	}
	snap, err := d.versions.LatestVersion(c.Request.Context(), docID)
	if err != nil {
		d.writeError(c, fmtPersistence(err))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func fmtPersistence(err error) error {
	if errors.Is(err, collab.ErrNotFound) {
		return err
	}
	return errors.Join(collab.ErrPersistence, err)
}

func (d *Documents) writeError(c *gin.Context, err error) {
	code := collab.ReasonCode(err)
	status := http.StatusInternalServerError
	switch code {
	case collab.CodeAccessDenied:
		status = http.StatusForbidden
	case collab.CodeNotFound:
		status = http.StatusNotFound
	case collab.CodePermissionUnavailable, collab.CodePersistenceFailure:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		d.log.Warn().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}
