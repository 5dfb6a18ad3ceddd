package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
)

// ListsHandler manages whitelist, blacklist and temp-block membership.
type ListsHandler struct {
	lifecycle *services.LifecycleManager
}

func NewListsHandler(lifecycle *services.LifecycleManager) *ListsHandler {
	return &ListsHandler{lifecycle: lifecycle}
}

// ParseList accepts the list names used by the API and CLI. "all" and ""
// select every membership.
func ParseList(name string) (models.Membership, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "all":
		return "", true
	case "whitelist", "whitelisted", "allow":
		return models.MembershipWhitelisted, true
	case "blacklist", "blacklisted", "deny":
		return models.MembershipBlacklisted, true
	case "tempblock", "temp_blocked", "temp-blocked", "blocked":
		return models.MembershipTempBlocked, true
	}
	return "", false
}

func (h *ListsHandler) list(c *gin.Context) (models.Membership, bool) {
	l, ok := ParseList(c.Param("list"))
	if !ok {
		badRequest(c, "unknown list "+sanitizeForLog(c.Param("list")))
	}
	return l, ok
}

type addRequest struct {
	Subject  string `json:"subject" binding:"required"`
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
	Override bool   `json:"override"`
}

func (h *ListsHandler) Add(c *gin.Context) {
	list, ok := h.list(c)
	if !ok {
		return
	}
	if list == "" {
		badRequest(c, "a specific list is required")
		return
	}
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	opts := services.AddOptions{Override: req.Override, Source: models.SourceManual, Actor: middleware.Actor(c)}
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			badRequest(c, "invalid duration")
			return
		}
		opts.Duration = d
	}
	rec, err := h.lifecycle.Add(c.Request.Context(), req.Subject, list, req.Reason, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *ListsHandler) Remove(c *gin.Context) {
	list, ok := h.list(c)
	if !ok {
		return
	}
	rec, err := h.lifecycle.Remove(c.Request.Context(), c.Param("subject"), list, middleware.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *ListsHandler) List(c *gin.Context) {
	list, ok := h.list(c)
	if !ok {
		return
	}
	out, err := h.lifecycle.List(c.Request.Context(), list)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *ListsHandler) Status(c *gin.Context) {
	st, err := h.lifecycle.Status(c.Request.Context(), c.Param("subject"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Cleanup clears expired temp blocks immediately instead of waiting for the job.
func (h *ListsHandler) Cleanup(c *gin.Context) {
	n, err := h.lifecycle.Cleanup(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}
