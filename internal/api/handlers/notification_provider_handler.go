package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
)

type NotificationProviderHandler struct {
	service *services.NotificationService
}

func NewNotificationProviderHandler(service *services.NotificationService) *NotificationProviderHandler {
	return &NotificationProviderHandler{service: service}
}

func (h *NotificationProviderHandler) List(c *gin.Context) {
	providers, err := h.service.ListProviders(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, providers)
}

func (h *NotificationProviderHandler) Create(c *gin.Context) {
	var provider models.NotificationProvider
	if err := c.ShouldBindJSON(&provider); err != nil {
		badRequest(c, err.Error())
		return
	}
	provider.ID = ""
	if err := h.service.CreateProvider(c.Request.Context(), &provider); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, provider)
}

func (h *NotificationProviderHandler) Update(c *gin.Context) {
	var provider models.NotificationProvider
	if err := c.ShouldBindJSON(&provider); err != nil {
		badRequest(c, err.Error())
		return
	}
	provider.ID = c.Param("id")
	if err := h.service.UpdateProvider(c.Request.Context(), &provider); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, provider)
}

func (h *NotificationProviderHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteProvider(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Provider deleted"})
}

// Test sends a fixed message through an unsaved provider definition.
func (h *NotificationProviderHandler) Test(c *gin.Context) {
	var provider models.NotificationProvider
	if err := c.ShouldBindJSON(&provider); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.service.TestProvider(c.Request.Context(), provider); err != nil {
		badRequest(c, sanitizeForLog(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent"})
}

// Templates returns the built-in payload templates a provider can use.
func (h *NotificationProviderHandler) Templates(c *gin.Context) {
	c.JSON(http.StatusOK, []gin.H{
		{"id": "minimal", "name": "Minimal", "description": "Small JSON payload with title, message and time."},
		{"id": "detailed", "name": "Detailed", "description": "Full JSON payload with alert id, level, component and metadata."},
		{"id": "custom", "name": "Custom", "description": "Use your own JSON template in the Config field."},
	})
}

type previewRequest struct {
	models.NotificationProvider
	Data map[string]interface{} `json:"data"`
}

// Preview renders the provider's webhook template against sample or supplied data.
func (h *NotificationProviderHandler) Preview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	data := req.Data
	if data == nil {
		data = map[string]interface{}{
			"Title":     "Preview Alert",
			"Message":   "203.0.113.50 exceeded 100 requests per second",
			"Level":     string(models.AlertCritical),
			"Component": "ddos",
			"EventType": "ddos_detected",
			"AlertID":   "00000000-0000-0000-0000-000000000000",
			"Metadata":  map[string]interface{}{"request_rate": 150},
			"Time":      "2026-01-01T00:00:00Z",
		}
	}
	rendered, parsed, err := h.service.RenderTemplate(req.NotificationProvider, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "rendered": rendered})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rendered": rendered, "parsed": parsed})
}
