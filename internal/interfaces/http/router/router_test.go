package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erp/fiscalsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/test/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	rg.POST("/test/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.JSON(http.StatusOK, body)
	})
	rg.GET("/test/panic", func(*gin.Context) {
		panic("boom")
	})
}

func TestNewRouter(t *testing.T) {
	r := NewRouter(gin.New())
	assert.Equal(t, "v1", r.apiVersion)
	assert.Empty(t, r.registrars)

	r = NewRouter(gin.New(), WithAPIVersion("v2"))
	assert.Equal(t, "v2", r.apiVersion)
}

func TestRouterSetup(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine, WithAPIVersion("v1"))
	r.Register(pingRoutes{})
	r.Setup()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/test/ping", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestRouterUseScopesToAPIGroup(t *testing.T) {
	engine := gin.New()
	engine.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r := NewRouter(engine)
	r.Use(func(c *gin.Context) {
		c.Header("X-Api", "1")
		c.Next()
	})
	r.Register(pingRoutes{})
	r.Setup()

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/test/ping", nil))
	assert.Equal(t, "1", w.Header().Get("X-Api"))

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, w.Header().Get("X-Api"))
}

func TestNewEngine(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	engine := NewEngine(EngineConfig{ServiceName: "fiscalsync", MaxBodySize: 64}, zap.New(core))
	r := NewRouter(engine)
	r.Register(pingRoutes{})
	r.Setup()

	t.Run("request id and access log", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/test/ping", nil)
		req.Header.Set(middleware.RequestIDHeader, "req-1")
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "req-1", w.Header().Get(middleware.RequestIDHeader))

		entries := logs.FilterMessage("HTTP Request").All()
		require.NotEmpty(t, entries)
		assert.Equal(t, "req-1", entries[len(entries)-1].ContextMap()["request_id"])
	})

	t.Run("body limit", func(t *testing.T) {
		body := `{"data":"` + strings.Repeat("x", 128) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/test/echo", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("recovery", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/test/panic", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotEmpty(t, logs.FilterMessage("Panic recovered").All())
	})
}
