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

// AlertHandler exposes the alert lifecycle and escalation policy.
type AlertHandler struct {
	alerts *services.AlertService
}

func NewAlertHandler(alerts *services.AlertService) *AlertHandler {
	return &AlertHandler{alerts: alerts}
}

// filter reads component, type, level, status, since and limit from the query.
func (h *AlertHandler) filter(c *gin.Context) (services.ListFilter, bool) {
	f := services.ListFilter{
		Component: c.Query("component"),
		Type:      c.Query("type"),
		Level:     models.AlertLevel(strings.ToLower(c.Query("level"))),
		Status:    models.AlertStatus(strings.ToLower(c.Query("status"))),
	}
	if f.Level != "" && !f.Level.Valid() {
		badRequest(c, "unknown level")
		return f, false
	}
	switch f.Status {
	case "", models.AlertActive, models.AlertAcknowledged, models.AlertResolved:
	default:
		badRequest(c, "unknown status")
		return f, false
	}
	var ok bool
	if f.Since, ok = queryTime(c, "since"); !ok {
		return f, false
	}
	if f.Limit, ok = queryInt(c, "limit"); !ok {
		return f, false
	}
	return f, true
}

// List returns open alerts, or those with ?status=.
func (h *AlertHandler) List(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	out, err := h.alerts.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *AlertHandler) History(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	out, err := h.alerts.History(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *AlertHandler) Show(c *gin.Context) {
	a, err := h.alerts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type createAlertRequest struct {
	Component string                 `json:"component" binding:"required"`
	Level     string                 `json:"level" binding:"required"`
	Type      string                 `json:"type" binding:"required"`
	Message   string                 `json:"message" binding:"required"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Create raises an alert by hand; it goes through the same dedup and routing.
func (h *AlertHandler) Create(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Metadata == nil {
		req.Metadata = map[string]interface{}{}
	}
	req.Metadata["raised_by"] = middleware.Actor(c)
	a, err := h.alerts.Create(c.Request.Context(), req.Component, models.AlertLevel(strings.ToLower(req.Level)), req.Type, req.Message, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if a.OccurrenceCount > 1 {
		status = http.StatusOK
	}
	c.JSON(status, a)
}

func (h *AlertHandler) Acknowledge(c *gin.Context) {
	a, err := h.alerts.Acknowledge(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AlertHandler) Resolve(c *gin.Context) {
	a, err := h.alerts.Resolve(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Aggregate groups active alerts; ?window_minutes= overrides the configured window.
func (h *AlertHandler) Aggregate(c *gin.Context) {
	minutes, ok := queryInt(c, "window_minutes")
	if !ok {
		return
	}
	groups, err := h.alerts.Aggregate(c.Request.Context(), c.Query("component"), time.Duration(minutes)*time.Minute)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

func (h *AlertHandler) Stats(c *gin.Context) {
	since, ok := queryTime(c, "since")
	if !ok {
		return
	}
	st, err := h.alerts.Stats(c.Request.Context(), since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *AlertHandler) Cleanup(c *gin.Context) {
	n, err := h.alerts.Cleanup(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": n})
}

// EscalationCheck runs an escalation sweep now.
func (h *AlertHandler) EscalationCheck(c *gin.Context) {
	esc, err := h.alerts.EscalationSweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if esc == nil {
		esc = []services.Escalated{}
	}
	c.JSON(http.StatusOK, gin.H{"escalated": esc, "count": len(esc)})
}

// Escalate raises one alert by a single level.
func (h *AlertHandler) Escalate(c *gin.Context) {
	esc, err := h.alerts.Escalate(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (h *AlertHandler) EscalationRules(c *gin.Context) {
	rules, err := h.alerts.Rules(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *AlertHandler) OnCall(c *gin.Context) {
	c.JSON(http.StatusOK, h.alerts.OnCall())
}
