package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hearth/internal/auth"
	"hearth/internal/cache"
	"hearth/internal/config"
	"hearth/internal/docstore"
	"hearth/internal/models"
	"hearth/internal/notifications"
	"hearth/internal/realtime"
	"hearth/internal/repository"
	"hearth/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	srv  *Server
	tree *realtime.MemoryTree
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := docstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	store, err := docstore.NewGormStore(db)
	require.NoError(t, err)
	mem := cache.NewMemoryCache(cache.MemoryConfig{})
	// Without a batch writer every repository write is direct.
	tree := realtime.NewMemoryTree()
	local := cache.NewLocalCache(cache.LocalCacheConfig{})

	provider := auth.NewLocalProvider(repository.NewAccountRepository(store, mem), auth.LocalConfig{
		Secret:     "server-test-secret-that-is-long-enough",
		BcryptCost: bcrypt.MinCost,
		ResetSink:  func(context.Context, string, string) error { return nil },
	})
	notifier := notifications.NewNotifier(nil)
	userRepo := repository.NewUserRepository(store, mem, nil)
	users := service.NewUserService(userRepo, nil)
	notifs := service.NewNotificationService(repository.NewNotificationRepository(store, mem, nil), notifier, nil, nil)
	presence := service.NewPresenceService(tree, time.Hour, nil)
	chat := service.NewChatService(tree, notifs, service.ChatConfig{})
	hub := notifications.NewHub(nil, notifications.ConnectionManagerConfig{Presence: presence, OfflineGracePeriod: 20 * time.Millisecond})

	srv := New(Deps{
		Config:        &config.Config{IdentityBrokerKey: "broker-key", MediaMaxUploadMB: 5},
		Auth:          service.NewAuthService(provider, users),
		Users:         users,
		Follows:       service.NewFollowService(repository.NewFollowRepository(store, mem, nil), userRepo, notifs, nil),
		Friends:       service.NewFriendService(repository.NewFriendRepository(store, mem, nil), userRepo, notifs, nil),
		Notifications: notifs,
		Chat:          chat,
		Presence:      presence,
		Media:         service.NewMediaService(repository.NewMediaRepository(store, mem, nil), tree, nil, local, service.MediaConfig{}),
		Hub:           hub,
		Notifier:      notifier,
		HealthChecks: map[string]func(context.Context) error{
			"docstore": func(context.Context) error { return nil },
		},
	})
	wireCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, srv.StartWiring(wireCtx))

	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
		chat.Close()
		presence.Close()
		_ = local.Close()
		_ = tree.Close()
		_ = store.Close()
	})
	return &fixture{srv: srv, tree: tree}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// signUp registers a user and returns its id and token.
func (f *fixture) signUp(t *testing.T, username string) (string, string) {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/auth/signup", "", signUpRequest{
		Email:    username + "@example.com",
		Password: "hunter22",
		Username: username,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out service.AuthResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out.User.ID, out.Token
}

func decodeError(t *testing.T, body []byte) models.ErrorResponse {
	t.Helper()
	var out models.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"docstore":"healthy"`)
}

func TestAuthFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	aliceID, token := f.signUp(t, "alice")

	resp, body := f.do(t, http.MethodGet, "/api/users/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me models.User
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, aliceID, me.ID)
	assert.Equal(t, "alice@example.com", me.Email)

	resp, _ = f.do(t, http.MethodPost, "/api/auth/signin", "", signInRequest{Identifier: "alice", Password: "hunter22"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/auth/signin", "", signInRequest{Identifier: "alice", Password: "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, models.CodeUnauthorized, decodeError(t, body).Code)

	resp, _ = f.do(t, http.MethodPost, "/api/auth/signout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/users/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "signed out tokens are revoked")
}

func TestSignInErrorsAreLocalized(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "carol")

	signIn := func(language string) string {
		data, _ := json.Marshal(signInRequest{Identifier: "carol@example.com", Password: "wrong-pass"})
		req := httptest.NewRequest(http.MethodPost, "/api/auth/signin", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept-Language", language)
		resp, err := f.srv.App().Test(req, -1)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return decodeError(t, body).Error
	}
	assert.NotEqual(t, signIn("en-US,en;q=0.9"), signIn("fr-FR,fr;q=0.8"))
}

func TestIdentityRouteRequiresBrokerKey(t *testing.T) {
	f := newFixture(t)
	profile := auth.IdentityProfile{Provider: "google.com", ProviderUID: "g-1", Email: "gina@example.com", DisplayName: "Gina"}

	resp, _ := f.do(t, http.MethodPost, "/api/auth/identity", "", profile)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	data, _ := json.Marshal(profile)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/identity", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity-Broker-Key", "broker-key")
	res, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/users/me", "/api/conversations", "/api/notifications", "/api/friends"} {
		resp, _ := f.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestUserProfileHidesEmailFromOthers(t *testing.T) {
	f := newFixture(t)
	aliceID, _ := f.signUp(t, "alice")
	_, bobToken := f.signUp(t, "bob")

	resp, body := f.do(t, http.MethodGet, "/api/users/"+aliceID, bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var alice models.User
	require.NoError(t, json.Unmarshal(body, &alice))
	assert.Equal(t, "alice", alice.Username)
	assert.Empty(t, alice.Email)

	resp, body = f.do(t, http.MethodGet, "/api/users/nobody", bobToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, models.CodeNotFound, decodeError(t, body).Code)
}

func TestFollowAndFriendRoutes(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceToken := f.signUp(t, "alice")
	bobID, bobToken := f.signUp(t, "bob")

	resp, _ := f.do(t, http.MethodPost, "/api/follows/"+bobID, aliceToken, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := f.do(t, http.MethodGet, "/api/follows/"+bobID, aliceToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"following":true}`, string(body))
	resp, _ = f.do(t, http.MethodPost, "/api/follows/"+aliceID, aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/friends/request/"+bobID, aliceToken, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = f.do(t, http.MethodPost, "/api/friends/request/"+aliceID, bobToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, models.CodeConflict, decodeError(t, body).Code)

	resp, _ = f.do(t, http.MethodPost, "/api/friends/accept/"+aliceID, bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/api/friends", aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"username":"bob"`)

	resp, body = f.do(t, http.MethodGet, "/api/notifications/unread-count", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var count struct{ Count int }
	require.NoError(t, json.Unmarshal(body, &count))
	assert.Equal(t, 2, count.Count, "follow and friend request")
}

func TestChatRoutes(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceToken := f.signUp(t, "alice")
	bobID, bobToken := f.signUp(t, "bob")

	resp, body := f.do(t, http.MethodPost, "/api/conversations/"+bobID+"/messages", aliceToken, service.MessageInput{Text: "hi bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var msg models.Message
	require.NoError(t, json.Unmarshal(body, &msg))

	resp, body = f.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convs []models.ConversationMeta
	require.NoError(t, json.Unmarshal(body, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, aliceID, convs[0].OtherUserID)
	assert.Equal(t, int64(1), convs[0].UnreadCount)

	resp, body = f.do(t, http.MethodPost, "/api/conversations/"+aliceID+"/messages/"+msg.ID+"/reactions", bobToken, reactionRequest{Emoji: "👍"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = f.do(t, http.MethodPatch, "/api/conversations/"+aliceID+"/messages/"+msg.ID, bobToken, editRequest{Text: "hacked"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/conversations/"+aliceID+"/read", bobToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/conversations/"+bobID+"/messages/"+msg.ID, aliceToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/conversations/"+aliceID+"/messages", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Deleted)
}

func multipartUpload(t *testing.T, filename, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestMediaRoutes(t *testing.T) {
	f := newFixture(t)
	_, token := f.signUp(t, "alice")
	data := []byte("\x89PNG\r\n\x1a\nnot really a png")

	body, contentType := multipartUpload(t, "tiny.png", "image/png", data, map[string]string{"lastModified": "1700000000000"})
	req := httptest.NewRequest(http.MethodPost, "/api/media", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var res models.UploadResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, models.TierInlineDocument, res.Tier)

	get := httptest.NewRequest(http.MethodGet, res.URL, nil)
	get.Header.Set("Authorization", "Bearer "+token)
	resp, err = f.srv.App().Test(get, -1)
	require.NoError(t, err)
	served, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, served)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	body, contentType = multipartUpload(t, "clip.mp4", "video/mp4", []byte("video"), nil)
	req = httptest.NewRequest(http.MethodPost, "/api/media", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = f.srv.App().Test(req, -1)
	require.NoError(t, err)
	raw, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, models.CodeNotConfigured, decodeError(t, raw).Code)
}

func TestWebSocketRouteRejectsPlainHTTP(t *testing.T) {
	f := newFixture(t)
	_, token := f.signUp(t, "alice")
	resp, _ := f.do(t, http.MethodGet, "/ws?token="+token, "", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/ws?token=garbage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLang(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(lang(c)) })
	for header, want := range map[string]string{
		"":                        "",
		"fr-FR,fr;q=0.9,en;q=0.8": "fr",
		"EN":                      "en",
		"de;q=0.7":                "de",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Language", header)
		resp, err := app.Test(req)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, want, strings.TrimSpace(string(body)), header)
	}
}
