package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"daq-bridge/internal/utils"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func TestRecoveryTagsPanicWithRequestID(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	router := gin.New()
	router.Use(RecoveryMiddleware(zap.New(core)))
	router.Use(RequestIDMiddleware())
	router.GET("/api/v1/bridge", func(*gin.Context) { panic("session table corrupted") })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bridge", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var resp utils.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "req-42", resp.RequestID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", resp.Error.Code)
	assert.Empty(t, resp.Error.Details)

	entries := logs.FilterMessage("Handler panicked").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "/api/v1/bridge", fields["route"])
	assert.Equal(t, "panic: session table corrupted", fields["error"])
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/live", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.String())
	assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))
}
