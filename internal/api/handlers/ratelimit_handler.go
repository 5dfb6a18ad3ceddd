package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/services"
)

// RateLimitHandler exposes the limiter to operators.
type RateLimitHandler struct {
	limiter *services.RateLimiter
}

func NewRateLimitHandler(limiter *services.RateLimiter) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

type subjectsRequest struct {
	IP       string `json:"ip" form:"ip"`
	APIKey   string `json:"api_key" form:"api_key"`
	Endpoint string `json:"endpoint" form:"endpoint"`
}

func (r subjectsRequest) subjects() services.Subjects {
	return services.Subjects{IP: r.IP, APIKey: r.APIKey, Endpoint: r.Endpoint}
}

// Check reports the decision a request would get without recording it.
func (h *RateLimitHandler) Check(c *gin.Context) {
	var req subjectsRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	d, err := h.limiter.Check(c.Request.Context(), req.subjects())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type recordRequest struct {
	subjectsRequest
	Path         string `json:"path"`
	ResponseCode int    `json:"response_code" binding:"omitempty,min=100,max=599"`
}

// Record appends an admitted event, for traffic observed outside the middleware.
func (h *RateLimitHandler) Record(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	id, err := h.limiter.RecordAllowed(ctx, services.Request{Subjects: req.subjects(), Path: req.Path, UserAgent: c.Request.UserAgent()})
	if err != nil {
		respondError(c, err)
		return
	}
	if req.ResponseCode > 0 {
		if err := h.limiter.Complete(ctx, id, req.ResponseCode); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"event_id": id})
}

func (h *RateLimitHandler) Stats(c *gin.Context) {
	var req subjectsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	st, err := h.limiter.Stats(c.Request.Context(), req.subjects())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Reset clears the identifier's recorded events.
func (h *RateLimitHandler) Reset(c *gin.Context) {
	var req subjectsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	n, err := h.limiter.Reset(c.Request.Context(), req.subjects())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
