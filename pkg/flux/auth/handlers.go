// Package auth guards the admin API with a single configured administrator
// and short-lived HS256 tokens.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/flux/pkg/flux/config"
	"github.com/rs/zerolog"
)

// Handler handles authentication requests
type Handler struct {
	username     string
	passwordHash string
	tokens       *TokenIssuer
	logger       zerolog.Logger
}

// NewHandler creates an auth handler for the configured administrator. The
// password is only kept as a bcrypt hash.
func NewHandler(cfg config.AdminConfig, tokens *TokenIssuer, logger zerolog.Logger) (*Handler, error) {
	hash, err := HashPassword(cfg.Password)
	if err != nil {
		return nil, err
	}
	return &Handler{
		username:     cfg.User,
		passwordHash: hash,
		tokens:       tokens,
		logger:       logger.With().Str("component", "auth").Logger(),
	}, nil
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Login handles administrator login
// @Summary Login
// @Description Authenticate with the admin username and password to receive a JWT token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} AuthResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 401 {object} map[string]string "Invalid credentials"
// @Router /auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.username)) == 1
	passOK := CheckPassword(req.Password, h.passwordHash)
	if !userOK || !passOK {
		h.logger.Warn().Str("username", req.Username).Str("client_ip", c.ClientIP()).Msg("admin login failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, err := h.tokens.GenerateToken(h.username, RoleAdmin)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign admin token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	h.logger.Info().Str("username", h.username).Msg("admin logged in")
	c.JSON(http.StatusOK, AuthResponse{
		Token:     token,
		ExpiresIn: int64(h.tokens.TTL().Seconds()),
	})
}

// Me returns the authenticated administrator
// @Summary Get current user
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 401 {object} map[string]string "Authentication required"
// @Security BearerAuth
// @Router /auth/me [get]
func (h *Handler) Me(c *gin.Context) {
	username, exists := GetUsername(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "role": RoleAdmin})
}

// Logout handles logout (client-side token invalidation)
func (h *Handler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// RegisterRoutes registers auth routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/login", h.Login)
	rg.POST("/logout", h.Logout)
	rg.GET("/me", AuthMiddleware(h.tokens), h.Me)
}
