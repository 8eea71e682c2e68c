package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hearth/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifierStub map[string]string

func (v verifierStub) VerifyToken(_ context.Context, token string) (string, error) {
	if uid, ok := v[token]; ok {
		return uid, nil
	}
	return "", models.NewUnauthorizedError("Invalid or expired token")
}

func TestAuthRequired(t *testing.T) {
	app := fiber.New()
	verifier := verifierStub{"good": "alice"}
	app.Get("/test", AuthRequired(verifier), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"userID": UserID(c)})
	})

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectedUserID string
	}{
		{"Happy Path", "Bearer good", http.StatusOK, "alice"},
		{"Missing Header", "", http.StatusUnauthorized, ""},
		{"Invalid Format", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"Empty Token", "Bearer ", http.StatusUnauthorized, ""},
		{"Unknown Token", "Bearer bad", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			body, _ := io.ReadAll(resp.Body)
			if tt.expectedStatus == http.StatusOK {
				var out map[string]string
				require.NoError(t, json.Unmarshal(body, &out))
				assert.Equal(t, tt.expectedUserID, out["userID"])
				return
			}
			var errResp models.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &errResp))
			assert.Equal(t, models.CodeUnauthorized, errResp.Code)
		})
	}
}

func TestWebSocketAuthRequiredAcceptsQueryToken(t *testing.T) {
	app := fiber.New()
	app.Get("/ws", WebSocketAuthRequired(verifierStub{"good": "bob"}), func(c *fiber.Ctx) error {
		return c.SendString(UserID(c))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws?token=good", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bob", string(body))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer good")
	resp, err = app.Test(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/ws?token=bad", nil))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckRateLimitBypassAndNilRedis(t *testing.T) {
	for _, env := range []string{"test", "development", "stress"} {
		t.Setenv("APP_ENV", env)
		allowed, err := CheckRateLimit(context.Background(), nil, "auth", "ip:1", 1, time.Minute)
		assert.NoError(t, err, env)
		assert.True(t, allowed, env)
	}

	t.Setenv("APP_ENV", "production")
	allowed, err := CheckRateLimit(context.Background(), nil, "auth", "ip:1", 1, time.Minute)
	assert.True(t, errors.Is(err, errNoRedis))
	assert.False(t, allowed)
}

func TestRateLimitWithRedis(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	app := fiber.New()
	app.Post("/auth/signin", RateLimit(rdb, 2, time.Minute, "auth"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/auth/signin", nil))
		require.NoError(t, err)
		_ = resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	mr.FastForward(time.Minute + time.Second)
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/auth/signin", nil))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitPolicies(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	handler := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }

	open := fiber.New()
	open.Get("/x", RateLimit(nil, 1, time.Minute), handler)
	resp, err := open.Test(httptest.NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	closed := fiber.New()
	closed.Get("/x", RateLimitWithPolicy(nil, 1, time.Minute, FailClosed), handler)
	resp, err = closed.Test(httptest.NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestContextMiddlewareCarriesIDs(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("requestid", "req-1")
		return c.Next()
	})
	app.Use(TracingMiddleware(), ContextMiddleware(), StructuredLogger())
	app.Get("/", func(c *fiber.Ctx) error {
		rid, _ := c.UserContext().Value(RequestIDKey).(string)
		tid, _ := c.UserContext().Value(TraceIDKey).(string)
		return c.JSON(fiber.Map{"rid": rid, "tid": tid})
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "req-1", out["rid"])
	assert.NotEmpty(t, out["tid"])
	assert.Equal(t, out["tid"], resp.Header.Get("X-Trace-ID"))
}

func TestGetLogger_BindsRequestIDsOnce(t *testing.T) {
	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, UserIDKey, "u-1")

	logger := GetLogger(ctx)
	require.NotNil(t, logger)
	_, wrapped := logger.Handler().(*ctxHandler)
	assert.False(t, wrapped, "ids are bound as attrs, not re-read from ctx")
	assert.True(t, logger.Enabled(ctx, slog.LevelError))
}
