package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"pong": true})
}

// Health checks the database and, when configured, Redis and the upstream.
// The upstream being down degrades the report but keeps the status 200 so
// orchestrators do not restart a perfectly healthy server.
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	healthy := true

	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		checks["database"] = "down"
		healthy = false
	} else {
		checks["database"] = "up"
	}

	if h.Redis != nil {
		if err := h.Redis.C.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
		} else {
			checks["redis"] = "up"
		}
	}

	if h.Upstream != nil {
		upCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := h.Upstream.Health(upCtx); err != nil {
			checks["upstream"] = "down"
		} else {
			checks["upstream"] = "up"
		}
		cancel()
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"code":    0,
		"message": "ok",
		"data":    gin.H{"healthy": healthy, "checks": checks},
	})
}
