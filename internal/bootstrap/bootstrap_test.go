package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"hearth/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(redisURL string) *config.Config {
	return &config.Config{
		Port:                        "0",
		Env:                         "test",
		JWTSecret:                   "bootstrap-test-secret-0123456789abcdef",
		DocStoreDriver:              config.DriverSQLite,
		SQLitePath:                  ":memory:",
		RedisURL:                    redisURL,
		RealtimeDriver:              config.RealtimeMemory,
		LocalCacheSmallMaxBytes:     2048,
		BatchMaxSize:                50,
		BatchDelayMS:                10,
		MediaInlineMaxBytes:         500 * 1024,
		MediaMaxUploadMB:            5,
		CDNBreakerTrips:             3,
		CDNBreakerOpenMS:            1000,
		PresenceHeartbeatSeconds:    30,
		PresenceOfflineGraceSeconds: 1,
		TypingWindowSeconds:         5,
		MessageWindow:               50,
	}
}

func TestNew_WiresHealthChecks(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	app, err := New(context.Background(), testConfig(mr.Addr()))
	require.NoError(t, err)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()

	resp, err := app.Server.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, map[string]string{"docstore": "healthy", "realtime": "healthy", "redis": "healthy"}, health.Checks)
}

func TestNew_RedisTreeOverMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig(mr.Addr())
	cfg.RealtimeDriver = config.RealtimeRedis
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
}

func TestNew_RedisTreeNeedsRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(addr)
	cfg.RealtimeDriver = config.RealtimeRedis
	_, err = New(context.Background(), cfg)
	assert.ErrorContains(t, err, "REDIS_URL")
}

func TestNew_WorksWithoutRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	app, err := New(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer func() { _ = app.Close(context.Background()) }()
	assert.Nil(t, app.Server.Redis)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), &config.Config{DocStoreDriver: "cassandra"})
	assert.Error(t, err)
}

func TestOpenUploader(t *testing.T) {
	up, err := OpenUploader(context.Background(), &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, up)

	_, err = OpenUploader(context.Background(), &config.Config{CDNProvider: "ftp"})
	assert.Error(t, err)
}
