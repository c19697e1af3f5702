package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"collabCoordinator/backend/internal/collab"
)

// Health 返回进程存活状态和当前连接/会话数
func Health(lc *collab.Lifecycle) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": lc.Connections(),
			"sessions":    lc.Sessions(),
		})
	}
}
