package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/hpc-dispatcher/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeHealth struct {
	err error
}

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }
func (f fakeHealth) Stats() string                     { return "OpenConns: 1" }

type fakeBroker bool

func (b fakeBroker) IsConnected() bool { return bool(b) }

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		health   fakeHealth
		broker   fakeBroker
		wantCode int
		wantBody []string
	}{
		{
			name:     "all reachable",
			broker:   true,
			wantCode: http.StatusOK,
			wantBody: []string{`"status":"healthy"`, "OpenConns: 1"},
		},
		{
			name:     "database down",
			health:   fakeHealth{err: errors.New("connection refused")},
			broker:   true,
			wantCode: http.StatusServiceUnavailable,
			wantBody: []string{`"status":"unhealthy"`, "connection refused"},
		},
		{
			name:     "broker disconnected",
			broker:   false,
			wantCode: http.StatusServiceUnavailable,
			wantBody: []string{`"status":"unhealthy"`, `"broker":"disconnected"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SetupRouter(&handler.Dependencies{
				Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
				Health:      tt.health,
				Broker:      tt.broker,
				ServiceName: "dispatcher-api",
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), "dispatcher-api")
			for _, want := range tt.wantBody {
				assert.Contains(t, w.Body.String(), want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := SetupRouter(&handler.Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Correlation-Id")
}

func TestLoggerMiddleware_LevelAndCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name      string
		status    int
		header    string
		wantLevel string
		wantID    string
	}{
		{name: "success", status: http.StatusOK, wantLevel: "INFO", wantID: "from-path"},
		{name: "client error", status: http.StatusNotFound, wantLevel: "WARN", wantID: "from-path"},
		{name: "server error", status: http.StatusInternalServerError, header: "from-header", wantLevel: "ERROR", wantID: "from-header"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := gin.New()
			r.Use(LoggerMiddleware(slog.New(slog.NewJSONHandler(&buf, nil))))
			r.GET("/jobs/:correlation_id", func(c *gin.Context) { c.Status(tt.status) })

			req := httptest.NewRequest(http.MethodGet, "/jobs/from-path", nil)
			if tt.header != "" {
				req.Header.Set(handler.CorrelationIDHeader, tt.header)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if assert.NoError(t, json.Unmarshal(buf.Bytes(), &entry)) {
				assert.Equal(t, tt.wantLevel, entry["level"])
				assert.Equal(t, tt.wantID, entry["correlation_id"])
				assert.Equal(t, float64(tt.status), entry["status"])
			}
		})
	}
}
