// Package admin serves the key administration API. Every route requires an
// admin token; see auth.AuthMiddleware.
package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/flux/pkg/flux/apperrors"
	"github.com/mikepea/flux/pkg/flux/licensing"
	"github.com/mikepea/flux/pkg/flux/models"
	"github.com/rs/zerolog"
)

// Handler handles admin requests
type Handler struct {
	service *licensing.Service
	logger  zerolog.Logger
}

// NewHandler creates a new admin handler
func NewHandler(service *licensing.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With().Str("component", "admin").Logger(),
	}
}

// KeyResponse represents a license key in admin responses
type KeyResponse struct {
	ID             uint       `json:"id"`
	Key            string     `json:"key"`
	Owner          string     `json:"owner"`
	Status         string     `json:"status"`
	Expired        bool       `json:"expired"`
	MaxActivations int        `json:"max_activations"`
	ActiveCount    int64      `json:"active_count"`
	ExpiresAt      *time.Time `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CreateKeyRequest represents the request to issue a key
type CreateKeyRequest struct {
	Owner          string `json:"owner" form:"owner"`
	MaxActivations *int   `json:"max_activations" form:"max_activations"`
	Days           int    `json:"days" form:"days"`
}

// UpdateKeyRequest represents the request to change a key's limit
type UpdateKeyRequest struct {
	MaxActivations *int `json:"max_activations" binding:"required"`
}

func toResponse(key models.LicenseKey, activeCount int64) KeyResponse {
	return KeyResponse{
		ID:             key.ID,
		Key:            key.KeyValue,
		Owner:          key.Owner,
		Status:         string(key.Status),
		Expired:        key.IsExpired(time.Now()),
		MaxActivations: key.MaxActivations,
		ActiveCount:    activeCount,
		ExpiresAt:      key.ExpiresAt,
		CreatedAt:      key.CreatedAt,
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key ID"})
		return 0, false
	}
	return uint(id), true
}

// respondError writes err with the status from apperrors.HTTPStatus. Storage
// faults are logged and hidden from the caller.
func (h *Handler) respondError(c *gin.Context, err error, action string) {
	status := apperrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("action", action).Msg("admin request failed")
		c.JSON(status, gin.H{"error": "Failed to " + action})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// CreateKey issues a new license key
// @Summary Create a license key
// @Tags keys
// @Accept json
// @Produce json
// @Param request body CreateKeyRequest true "Key details"
// @Success 201 {object} KeyResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Security BearerAuth
// @Router /admin/keys [post]
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	maxActivations := 1
	if req.MaxActivations != nil {
		maxActivations = *req.MaxActivations
	}

	key, err := h.service.CreateKey(c.Request.Context(), licensing.CreateKeyInput{
		Owner:          req.Owner,
		MaxActivations: maxActivations,
		ValidDays:      req.Days,
	})
	if err != nil {
		h.respondError(c, err, "create key")
		return
	}

	c.JSON(http.StatusCreated, toResponse(*key, 0))
}

// ListKeys returns all keys, newest first
// @Summary List license keys
// @Tags keys
// @Produce json
// @Success 200 {array} KeyResponse
// @Security BearerAuth
// @Router /admin/keys [get]
func (h *Handler) ListKeys(c *gin.Context) {
	summaries, err := h.service.ListKeys(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "fetch keys")
		return
	}

	responses := make([]KeyResponse, len(summaries))
	for i, s := range summaries {
		responses[i] = toResponse(s.LicenseKey, s.ActiveCount)
	}
	c.JSON(http.StatusOK, responses)
}

// GetKey returns a single key by ID
func (h *Handler) GetKey(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	summary, err := h.service.GetKey(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "fetch key")
		return
	}
	c.JSON(http.StatusOK, toResponse(summary.LicenseKey, summary.ActiveCount))
}

// UpdateKey changes the activation limit of a key
func (h *Handler) UpdateKey(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req UpdateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := h.service.SetMaxActivations(c.Request.Context(), id, *req.MaxActivations)
	if err != nil {
		h.respondError(c, err, "update key")
		return
	}
	c.JSON(http.StatusOK, toResponse(summary.LicenseKey, summary.ActiveCount))
}

// RevokeKey permanently disables a key
func (h *Handler) RevokeKey(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if _, err := h.service.RevokeKey(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "revoke key")
		return
	}

	summary, err := h.service.GetKey(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "fetch key")
		return
	}
	c.JSON(http.StatusOK, toResponse(summary.LicenseKey, summary.ActiveCount))
}

// DeleteKey removes a key and its activations
func (h *Handler) DeleteKey(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteKey(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "delete key")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key deleted successfully"})
}

// ListActivations returns the devices bound to a key
func (h *Handler) ListActivations(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	list, err := h.service.ListActivations(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "fetch activations")
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetStats returns inventory statistics
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "fetch stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RegisterRoutes registers admin routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.GetStats)
	rg.POST("/keys", h.CreateKey)
	rg.GET("/keys", h.ListKeys)
	rg.GET("/keys/:id", h.GetKey)
	rg.PATCH("/keys/:id", h.UpdateKey)
	rg.DELETE("/keys/:id", h.DeleteKey)
	rg.POST("/keys/:id/revoke", h.RevokeKey)
	rg.GET("/keys/:id/activations", h.ListActivations)
}
