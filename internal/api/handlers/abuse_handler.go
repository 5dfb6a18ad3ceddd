package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/services"
)

// AbuseHandler exposes the abuse analyzer.
type AbuseHandler struct {
	abuse *services.AbuseAnalyzer
}

func NewAbuseHandler(abuse *services.AbuseAnalyzer) *AbuseHandler {
	return &AbuseHandler{abuse: abuse}
}

// Analyze scores a subject without acting; ?window= is minutes or a duration.
func (h *AbuseHandler) Analyze(c *gin.Context) {
	window, ok := queryDuration(c, "window", time.Minute)
	if !ok {
		return
	}
	a, err := h.abuse.Analyze(c.Request.Context(), c.Param("subject"), window)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Check analyzes a subject and applies the block/alert policy.
func (h *AbuseHandler) Check(c *gin.Context) {
	a, err := h.abuse.Check(c.Request.Context(), c.Param("subject"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AbuseHandler) Sweep(c *gin.Context) {
	found, err := h.abuse.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"findings": found, "count": len(found)})
}

func (h *AbuseHandler) Stats(c *gin.Context) {
	st, err := h.abuse.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *AbuseHandler) Patterns(c *gin.Context) {
	c.JSON(http.StatusOK, h.abuse.Patterns())
}
