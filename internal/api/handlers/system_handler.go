package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/services"
)

// SystemHandler reports how the engine sees the calling client.
type SystemHandler struct {
	lifecycle *services.LifecycleManager
}

func NewSystemHandler(lifecycle *services.LifecycleManager) *SystemHandler {
	return &SystemHandler{lifecycle: lifecycle}
}

type WhoAmIResponse struct {
	IP     string                  `json:"ip"`
	Source string                  `json:"source"`
	Status *services.StatusResult `json:"status,omitempty"`
}

// WhoAmI returns the client IP admission would use and its list membership.
// The IP comes from gin's trusted-proxy resolution; forwarding headers from
// untrusted peers are reported as the source but never believed.
func (h *SystemHandler) WhoAmI(c *gin.Context) {
	ip := c.ClientIP()
	resp := WhoAmIResponse{IP: ip, Source: forwardingSource(c.Request)}
	if h.lifecycle != nil {
		st, err := h.lifecycle.Status(c.Request.Context(), ip)
		if err != nil {
			respondError(c, err)
			return
		}
		resp.Status = &st
	}
	c.JSON(http.StatusOK, resp)
}

// forwardingSource names the forwarding header present on the request, in
// order of preference.
func forwardingSource(r *http.Request) string {
	switch {
	case r.Header.Get("CF-Connecting-IP") != "":
		return "Cloudflare"
	case r.Header.Get("X-Real-IP") != "":
		return "X-Real-IP"
	case r.Header.Get("X-Forwarded-For") != "":
		return "X-Forwarded-For"
	}
	return "direct"
}
