package importexport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/flux/pkg/flux/apperrors"
)

// Handler handles import/export requests
type Handler struct {
	service *Service
}

// NewHandler creates a new import/export handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Import imports keys from an export document
// @Summary Import license keys
// @Tags keys
// @Accept json
// @Produce json
// @Param request body Document true "Export document"
// @Success 200 {object} ImportResult
// @Failure 400 {object} map[string]string "Invalid document"
// @Security BearerAuth
// @Router /admin/import [post]
func (h *Handler) Import(c *gin.Context) {
	var doc Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if doc.Version != FormatVersion {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported export version"})
		return
	}

	result, err := h.service.Import(c.Request.Context(), &doc)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to import keys"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Export exports every key with its activations
// @Summary Export license keys
// @Tags keys
// @Produce json
// @Success 200 {object} Document
// @Security BearerAuth
// @Router /admin/export [get]
func (h *Handler) Export(c *gin.Context) {
	doc, err := h.service.Export(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export keys"})
		return
	}

	// Set content disposition for download
	if c.Query("download") == "true" {
		c.Header("Content-Disposition", "attachment; filename=flux-export.json")
	}

	c.JSON(http.StatusOK, doc)
}

// RegisterRoutes registers import/export routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/import", h.Import)
	rg.GET("/export", h.Export)
}
