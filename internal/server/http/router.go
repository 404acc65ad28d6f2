// Package http serves the sync protocol the way Anki clients speak it:
// one POST per operation under /sync/ or /msync/, JSON bodies, the host
// key in a header.
package http

import (
	"net/http"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/logging"
	"github.com/dmitrijs2005/ankisync/internal/server/services"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
	"github.com/gin-gonic/gin"
)

// HostKeyHeader carries the host key on every request except hostKey.
const HostKeyHeader = "X-Host-Key"

const maxBodyBytes = 100 << 20

func NewRouter(svc *services.SyncService, l logging.Logger) *gin.Engine {
	h := &handler{svc: svc, logger: l}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(l))
	r.Use(limitBody(maxBodyBytes))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "protocol": common.SyncProtocolVersion})
	})

	r.POST("/sync/hostKey", h.hostKey)

	sync := r.Group("/sync")
	sync.Use(h.requireSession)
	{
		sync.POST("/:op", h.dispatch(syncops.DomainCollection))
	}

	msync := r.Group("/msync")
	msync.Use(h.requireSession)
	{
		msync.POST("/:op", h.dispatch(syncops.DomainMedia))
	}
	return r
}

func requestLogger(l logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Debug(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
		)
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}
