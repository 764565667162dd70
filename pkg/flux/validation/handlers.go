// Package validation serves the public license protocol used by client
// applications: validate, activate and deactivate.
package validation

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/flux/pkg/flux/apperrors"
	"github.com/mikepea/flux/pkg/flux/licensing"
	"github.com/rs/zerolog"
)

// Handler handles license protocol requests
type Handler struct {
	service *licensing.Service
	logger  zerolog.Logger
}

// NewHandler creates a new validation handler
func NewHandler(service *licensing.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With().Str("component", "validation").Logger(),
	}
}

// LicenseRequest is the body of every protocol call. It may be sent as JSON
// or as a form; machine_id is accepted in place of fingerprint.
type LicenseRequest struct {
	Key         string `json:"key" form:"key"`
	Fingerprint string `json:"fingerprint" form:"fingerprint"`
	MachineID   string `json:"machine_id" form:"machine_id"`
}

func (r LicenseRequest) fingerprint() string {
	if r.Fingerprint != "" {
		return r.Fingerprint
	}
	return r.MachineID
}

// ValidateResponse is returned by POST /api/validate
type ValidateResponse struct {
	Valid                bool       `json:"valid"`
	Reason               string     `json:"reason,omitempty"`
	Key                  string     `json:"key,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	RemainingActivations *int       `json:"remaining_activations,omitempty"`
}

// ActivateResponse is returned by POST /api/activate
type ActivateResponse struct {
	Activated            bool       `json:"activated"`
	Reason               string     `json:"reason,omitempty"`
	ActivationID         string     `json:"activation_id,omitempty"`
	AlreadyActive        bool       `json:"already_active,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	RemainingActivations *int       `json:"remaining_activations,omitempty"`
}

// DeactivateResponse is returned by POST /api/deactivate
type DeactivateResponse struct {
	Deactivated bool   `json:"deactivated"`
	Reason      string `json:"reason,omitempty"`
	Removed     bool   `json:"removed"`
}

// reasonStatus maps a refused request to its response code
func reasonStatus(reason licensing.Reason) int {
	switch reason {
	case licensing.ReasonUnknownKey:
		return http.StatusNotFound
	case licensing.ReasonLimitExceeded:
		return http.StatusConflict
	default:
		return http.StatusForbidden
	}
}

// bind reads the request body. On failure it has already written the response.
func (h *Handler) bind(c *gin.Context, req *LicenseRequest) bool {
	if err := c.ShouldBind(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	return true
}

// fail writes the response for an error returned by the license service
func (h *Handler) fail(c *gin.Context, err error, refused any) {
	var verr *apperrors.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, refused)
		return
	}
	h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("license request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func validationMessage(err error) string {
	var verr *apperrors.ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	return ""
}

// Validate reports whether a device holds a valid activation
// @Summary Validate a license
// @Tags licenses
// @Accept json
// @Produce json
// @Param request body LicenseRequest true "Key and device fingerprint"
// @Success 200 {object} ValidateResponse
// @Failure 400 {object} ValidateResponse "Missing key or fingerprint"
// @Failure 403 {object} ValidateResponse "Revoked, expired or not activated"
// @Failure 404 {object} ValidateResponse "Unknown key"
// @Router /validate [post]
func (h *Handler) Validate(c *gin.Context) {
	var req LicenseRequest
	if !h.bind(c, &req) {
		return
	}

	result, err := h.service.Validate(c.Request.Context(), req.Key, req.fingerprint())
	if err != nil {
		h.fail(c, err, ValidateResponse{Reason: validationMessage(err)})
		return
	}

	if !result.Valid {
		c.JSON(reasonStatus(result.Reason), ValidateResponse{Reason: string(result.Reason)})
		return
	}

	remaining := result.RemainingActivations
	c.JSON(http.StatusOK, ValidateResponse{
		Valid:                true,
		Key:                  result.Key.KeyValue,
		ExpiresAt:            result.Key.ExpiresAt,
		RemainingActivations: &remaining,
	})
}

// Activate binds a device to a license
// @Summary Activate a license on a device
// @Tags licenses
// @Accept json
// @Produce json
// @Param request body LicenseRequest true "Key and device fingerprint"
// @Success 200 {object} ActivateResponse
// @Failure 400 {object} ActivateResponse "Missing key or fingerprint"
// @Failure 403 {object} ActivateResponse "Revoked or expired"
// @Failure 404 {object} ActivateResponse "Unknown key"
// @Failure 409 {object} ActivateResponse "Activation limit exceeded"
// @Router /activate [post]
func (h *Handler) Activate(c *gin.Context) {
	var req LicenseRequest
	if !h.bind(c, &req) {
		return
	}

	result, err := h.service.Activate(c.Request.Context(), req.Key, req.fingerprint())
	if err != nil {
		h.fail(c, err, ActivateResponse{Reason: validationMessage(err)})
		return
	}

	if !result.Activated {
		c.JSON(reasonStatus(result.Reason), ActivateResponse{Reason: string(result.Reason)})
		return
	}

	remaining := result.RemainingActivations
	c.JSON(http.StatusOK, ActivateResponse{
		Activated:            true,
		ActivationID:         result.Activation.ID,
		AlreadyActive:        result.AlreadyActive,
		ExpiresAt:            result.Key.ExpiresAt,
		RemainingActivations: &remaining,
	})
}

// Deactivate releases the activation held by a device
// @Summary Deactivate a license on a device
// @Tags licenses
// @Accept json
// @Produce json
// @Param request body LicenseRequest true "Key and device fingerprint"
// @Success 200 {object} DeactivateResponse
// @Failure 400 {object} DeactivateResponse "Missing key or fingerprint"
// @Failure 404 {object} DeactivateResponse "Unknown key"
// @Router /deactivate [post]
func (h *Handler) Deactivate(c *gin.Context) {
	var req LicenseRequest
	if !h.bind(c, &req) {
		return
	}

	result, err := h.service.Deactivate(c.Request.Context(), req.Key, req.fingerprint())
	if err != nil {
		h.fail(c, err, DeactivateResponse{Reason: validationMessage(err)})
		return
	}

	if !result.Deactivated {
		c.JSON(reasonStatus(result.Reason), DeactivateResponse{Reason: string(result.Reason)})
		return
	}

	c.JSON(http.StatusOK, DeactivateResponse{Deactivated: true, Removed: result.Removed})
}

// RegisterRoutes registers the protocol routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/validate", h.Validate)
	rg.POST("/activate", h.Activate)
	rg.POST("/deactivate", h.Deactivate)
}
