package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/services"
)

// AuditHandler exposes the block decisions and operator audit trail.
type AuditHandler struct {
	security *services.SecurityService
}

func NewAuditHandler(security *services.SecurityService) *AuditHandler {
	return &AuditHandler{security: security}
}

// Decisions lists block and unblock decisions, optionally for one ?subject=.
func (h *AuditHandler) Decisions(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	out, err := h.security.ListDecisions(c.Request.Context(), c.Query("subject"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Audits lists operator actions since ?since=.
func (h *AuditHandler) Audits(c *gin.Context) {
	since, ok := queryTime(c, "since")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	out, err := h.security.ListAudits(c.Request.Context(), since, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
