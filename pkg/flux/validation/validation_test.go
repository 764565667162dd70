package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/flux/pkg/flux/config"
	"github.com/mikepea/flux/pkg/flux/database"
	"github.com/mikepea/flux/pkg/flux/licensing"
	"github.com/mikepea/flux/pkg/flux/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTest(t *testing.T) (*gin.Engine, *licensing.Service) {
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err, "Failed to connect to test database")
	require.NoError(t, models.AutoMigrate(db))

	service := licensing.NewService(db, zerolog.Nop())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(service, zerolog.Nop()).RegisterRoutes(r.Group("/api"))
	return r, service
}

func createKey(t *testing.T, service *licensing.Service, maxActivations int) *models.LicenseKey {
	key, err := service.CreateKey(context.Background(), licensing.CreateKeyInput{MaxActivations: maxActivations})
	require.NoError(t, err)
	return key
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	jsonBody, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", path, bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &v), resp.Body.String())
	return v
}

func TestActivateThenValidate(t *testing.T) {
	router, service := setupTest(t)
	key := createKey(t, service, 2)

	resp := postJSON(router, "/api/activate", gin.H{"key": key.KeyValue, "fingerprint": "machine-a"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	activated := decode[ActivateResponse](t, resp)
	assert.True(t, activated.Activated)
	assert.NotEmpty(t, activated.ActivationID)
	require.NotNil(t, activated.RemainingActivations)
	assert.Equal(t, 1, *activated.RemainingActivations)

	resp = postJSON(router, "/api/validate", gin.H{"key": key.KeyValue, "fingerprint": "machine-a"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	validated := decode[ValidateResponse](t, resp)
	assert.True(t, validated.Valid)
	assert.Equal(t, key.KeyValue, validated.Key)
	require.NotNil(t, validated.RemainingActivations)
	assert.Equal(t, 1, *validated.RemainingActivations)
}

func TestValidateFailures(t *testing.T) {
	router, service := setupTest(t)
	key := createKey(t, service, 1)
	revoked := createKey(t, service, 1)
	_, err := service.RevokeKey(context.Background(), revoked.ID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   gin.H
		status int
		reason string
	}{
		{"missing key", gin.H{"fingerprint": "m"}, http.StatusBadRequest, "missing key"},
		{"missing fingerprint", gin.H{"key": key.KeyValue}, http.StatusBadRequest, "missing fingerprint"},
		{"unknown key", gin.H{"key": "FLUX-NOPE", "fingerprint": "m"}, http.StatusNotFound, "unknown key"},
		{"revoked", gin.H{"key": revoked.KeyValue, "fingerprint": "m"}, http.StatusForbidden, "revoked"},
		{"not activated", gin.H{"key": key.KeyValue, "fingerprint": "m"}, http.StatusForbidden, "not activated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(router, "/api/validate", tt.body)
			assert.Equal(t, tt.status, resp.Code)
			body := decode[ValidateResponse](t, resp)
			assert.False(t, body.Valid)
			assert.Equal(t, tt.reason, body.Reason)
		})
	}
}

func TestActivateLimitExceeded(t *testing.T) {
	router, service := setupTest(t)
	key := createKey(t, service, 1)

	resp := postJSON(router, "/api/activate", gin.H{"key": key.KeyValue, "fingerprint": "machine-a"})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = postJSON(router, "/api/activate", gin.H{"key": key.KeyValue, "fingerprint": "machine-b"})
	assert.Equal(t, http.StatusConflict, resp.Code)
	body := decode[ActivateResponse](t, resp)
	assert.False(t, body.Activated)
	assert.Equal(t, "limit exceeded", body.Reason)

	// The bound device can still re-activate
	resp = postJSON(router, "/api/activate", gin.H{"key": key.KeyValue, "fingerprint": "machine-a"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, decode[ActivateResponse](t, resp).AlreadyActive)
}

func TestActivateAcceptsMachineIDAndForm(t *testing.T) {
	router, service := setupTest(t)
	key := createKey(t, service, 2)

	resp := postJSON(router, "/api/activate", gin.H{"key": strings.ToLower(key.KeyValue), "machine_id": "legacy-client"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	form := url.Values{"key": {key.KeyValue}, "machine_id": {"legacy-client"}}
	req, _ := http.NewRequest("POST", "/api/validate", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestDeactivate(t *testing.T) {
	router, service := setupTest(t)
	key := createKey(t, service, 1)

	resp := postJSON(router, "/api/activate", gin.H{"key": key.KeyValue, "fingerprint": "machine-a"})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = postJSON(router, "/api/deactivate", gin.H{"key": key.KeyValue, "fingerprint": "machine-a"})
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[DeactivateResponse](t, resp)
	assert.True(t, body.Deactivated)
	assert.True(t, body.Removed)

	// Idempotent
	resp = postJSON(router, "/api/deactivate", gin.H{"key": key.KeyValue, "fingerprint": "machine-a"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode[DeactivateResponse](t, resp).Removed)

	resp = postJSON(router, "/api/deactivate", gin.H{"key": "FLUX-NOPE", "fingerprint": "machine-a"})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// The freed slot can be taken by another device
	resp = postJSON(router, "/api/activate", gin.H{"key": key.KeyValue, "fingerprint": "machine-b"})
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestMalformedBody(t *testing.T) {
	router, _ := setupTest(t)

	req, _ := http.NewRequest("POST", "/api/validate", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
