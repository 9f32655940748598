package notification

import (
	"log/slog"
	"net/http"
	"time"

	"medinotify/internal/common"

	"github.com/gin-gonic/gin"
)

// Handler handles HTTP requests for the notification domain.
type Handler struct {
	service *Service
}

// NewHandler creates a new notification handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// QueueEmail handles POST /api/v1/emails
// Enqueues a notification for async processing and returns 202 Accepted.
func (h *Handler) QueueEmail(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.service.QueueEmail(c.Request.Context(), &req)
	if err != nil {
		slog.Error("queue email failed",
			"error", err,
			"kind", req.Kind,
			"to", req.To,
		)
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusAccepted, resp)
}

// SendEmail handles POST /api/v1/emails/send
// Delivers synchronously and reports the outcome.
func (h *Handler) SendEmail(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rec, err := h.service.SendEmail(c.Request.Context(), &req)
	if err != nil {
		if rec != nil {
			// The record exists; hand back its ID so the caller can inspect the log
			c.JSON(common.StatusFor(err), common.APIResponse{
				Success: false,
				Data:    gin.H{"id": rec.ID, "status": rec.Status},
				Error:   &common.APIError{Code: common.StatusFor(err), Message: rec.ErrorMessage},
			})
			return
		}
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, rec)
}

// GetEmailLog handles GET /api/v1/emails/logs/:id
func (h *Handler) GetEmailLog(c *gin.Context) {
	rec, err := h.service.GetEmailLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, rec)
}

// GetEmailLogs handles GET /api/v1/emails/logs
func (h *Handler) GetEmailLogs(c *gin.Context) {
	var filter LogFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid query parameters: "+err.Error())
		return
	}

	var ok bool
	if filter.SentFrom, ok = parseTimeQuery(c, "sent_from"); !ok {
		return
	}
	if filter.SentTo, ok = parseTimeQuery(c, "sent_to"); !ok {
		return
	}

	records, err := h.service.GetEmailLogs(c.Request.Context(), filter)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, gin.H{
		"logs":  records,
		"count": len(records),
	})
}

// GetEmailStats handles GET /api/v1/emails/stats
func (h *Handler) GetEmailStats(c *gin.Context) {
	stats, err := h.service.GetEmailStats(c.Request.Context())
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, stats)
}

// TestEmailConfig handles POST /api/v1/emails/test
func (h *Handler) TestEmailConfig(c *gin.Context) {
	var body struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ok, err := h.service.TestEmailConfig(c.Request.Context(), body.Address)
	if err != nil && common.StatusFor(err) != http.StatusBadGateway {
		common.HandleError(c, err)
		return
	}

	resp := gin.H{"success": ok}
	if err != nil {
		resp["error"] = err.Error()
	}
	common.Success(c, http.StatusOK, resp)
}

// GetEmailConfig handles GET /api/v1/emails/config
func (h *Handler) GetEmailConfig(c *gin.Context) {
	common.Success(c, http.StatusOK, h.service.CurrentConfig())
}

// UpdateEmailConfig handles PUT /api/v1/emails/config
func (h *Handler) UpdateEmailConfig(c *gin.Context) {
	var update ConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if _, err := h.service.UpdateEmailConfig(c.Request.Context(), update); err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, gin.H{
		"success": true,
		"config":  h.service.CurrentConfig(),
	})
}

// ResendWebhook handles POST /api/v1/webhooks/resend
// Receives late delivery reports; only bounces change a record.
func (h *Handler) ResendWebhook(c *gin.Context) {
	var event struct {
		Type string `json:"type"`
		Data struct {
			EmailID string `json:"email_id"`
		} `json:"data"`
	}

	if err := c.ShouldBindJSON(&event); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid webhook payload: "+err.Error())
		return
	}

	if event.Type != "email.bounced" {
		// Acknowledge but ignore unhandled event types
		slog.Info("ignoring webhook event", "type", event.Type)
		common.Success(c, http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.service.HandleBounce(c.Request.Context(), event.Data.EmailID); err != nil {
		slog.Error("webhook processing failed",
			"event_type", event.Type,
			"email_id", event.Data.EmailID,
			"error", err,
		)
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, gin.H{"status": "processed"})
}

// RegisterRoutes registers notification routes to the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/emails", h.QueueEmail)
	rg.POST("/emails/send", h.SendEmail)
	rg.GET("/emails/logs", h.GetEmailLogs)
	rg.GET("/emails/logs/:id", h.GetEmailLog)
	rg.GET("/emails/stats", h.GetEmailStats)
	rg.POST("/emails/test", h.TestEmailConfig)
	rg.GET("/emails/config", h.GetEmailConfig)
	rg.PUT("/emails/config", h.UpdateEmailConfig)
	rg.POST("/webhooks/resend", h.ResendWebhook)
}

func parseTimeQuery(c *gin.Context, key string) (*time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		common.Error(c, http.StatusBadRequest, "invalid "+key+": expected RFC3339 timestamp")
		return nil, false
	}
	return &t, true
}
