package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/services"
)

// DDoSHandler exposes the flood detector.
type DDoSHandler struct {
	flood *services.FloodDetector
}

func NewDDoSHandler(flood *services.FloodDetector) *DDoSHandler {
	return &DDoSHandler{flood: flood}
}

// Monitor runs one detection sweep; ?window= overrides the detection window (seconds or a duration).
func (h *DDoSHandler) Monitor(c *gin.Context) {
	window, ok := queryDuration(c, "window", time.Second)
	if !ok {
		return
	}
	dets, err := h.flood.Sweep(c.Request.Context(), window)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detections": dets, "count": len(dets)})
}

func (h *DDoSHandler) Check(c *gin.Context) {
	subject := c.Param("subject")
	blocked, err := h.flood.Check(c.Request.Context(), subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "blocked": blocked})
}

func (h *DDoSHandler) State(c *gin.Context) {
	st, err := h.flood.State(c.Request.Context(), c.Param("subject"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type blockRequest struct {
	Subject string `json:"subject" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *DDoSHandler) Block(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rec, err := h.flood.Block(c.Request.Context(), req.Subject, req.Reason, middleware.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *DDoSHandler) Unblock(c *gin.Context) {
	rec, err := h.flood.Unblock(c.Request.Context(), c.Param("subject"), middleware.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *DDoSHandler) Stats(c *gin.Context) {
	st, err := h.flood.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
