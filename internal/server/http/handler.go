package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/logging"
	"github.com/dmitrijs2005/ankisync/internal/server/conflict"
	"github.com/dmitrijs2005/ankisync/internal/server/services"
	"github.com/dmitrijs2005/ankisync/internal/server/sessions"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
	"github.com/gin-gonic/gin"
)

const sessionKey = "session"

type handler struct {
	svc    *services.SyncService
	logger logging.Logger
}

type hostKeyRequest struct {
	Username string `json:"u" binding:"required"`
	Password string `json:"p"`
}

func (h *handler) hostKey(c *gin.Context) {
	var req hostKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}

	key, err := h.svc.HostKey(c.Request.Context(), req.Username, []byte(req.Password))
	if err != nil {
		h.logger.Warn(c.Request.Context(), "host key refused", "user", req.Username, "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (h *handler) requireSession(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader(HostKeyHeader))
	if key == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing host key"})
		return
	}
	sess, err := h.svc.Session(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	c.Set(sessionKey, sess)
	c.Next()
}

func (h *handler) dispatch(domain syncops.Domain) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := c.MustGet(sessionKey).(*sessions.Session)
		op := c.Param("op")

		payload, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}

		out, err := sess.Dispatch(c.Request.Context(), domain, op, payload)
		if err != nil {
			h.logger.Debug(c.Request.Context(), "dispatch failed", "domain", domain, "op", op, "error", err)
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", out)
	}
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrSessionNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrorValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrUnknownOperation), errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrNotStarted),
		errors.Is(err, common.ErrAlreadyFinished),
		errors.Is(err, common.ErrNonMonotonic),
		errors.Is(err, common.ErrConflictResolution),
		errors.Is(err, common.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, common.ErrOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": ...}. A refused merge also carries
// both versions of the object so the client can resolve it.
func writeError(c *gin.Context, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	body := gin.H{"error": msg}
	var ce *conflict.ConflictError
	if errors.As(err, &ce) {
		body["local"] = ce.Local
		body["incoming"] = ce.Incoming
	}
	c.JSON(code, body)
}
