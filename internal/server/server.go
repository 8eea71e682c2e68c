// Package server contains the HTTP and websocket handlers for the API.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"hearth/internal/config"
	"hearth/internal/middleware"
	"hearth/internal/models"
	"hearth/internal/notifications"
	"hearth/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
)

// Deps are the collaborators the server routes to. Media, Hub and Notifier
// may be nil; their routes then answer NOT_CONFIGURED.
type Deps struct {
	Config        *config.Config
	Redis         *redis.Client
	Auth          *service.AuthService
	Users         *service.UserService
	Follows       *service.FollowService
	Friends       *service.FriendService
	Notifications *service.NotificationService
	Chat          *service.ChatService
	Presence      *service.PresenceService
	Media         *service.MediaService
	Hub           *notifications.Hub
	Notifier      *notifications.Notifier
	// HealthChecks are probed by /health, keyed by component name.
	HealthChecks map[string]func(context.Context) error
}

// Server holds all dependencies and provides handlers.
type Server struct {
	Deps
	app *fiber.App
}

var (
	promOnce sync.Once
	prom     *fiberprometheus.FiberPrometheus
)

func metrics() *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		prom = fiberprometheus.New("hearth-api")
	})
	return prom
}

// New builds the fiber app with middleware and routes.
func New(d Deps) *Server {
	if d.Config == nil {
		d.Config = &config.Config{}
	}
	s := &Server{Deps: d}
	s.app = fiber.New(fiber.Config{
		AppName:      "hearth",
		BodyLimit:    s.bodyLimit(),
		ErrorHandler: errorHandler,
	})
	s.SetupMiddleware(s.app)
	s.SetupRoutes(s.app)
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) bodyLimit() int {
	mb := s.Config.MediaMaxUploadMB
	if mb <= 0 {
		mb = 50
	}
	// Leave headroom for multipart framing.
	return (mb + 1) << 20
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
	}
	return respondError(c, err)
}

// SetupMiddleware configures middleware for the fiber app.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())
	app.Use(metrics().Middleware)
	app.Use(middleware.StructuredLogger())

	origins := s.Config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Accept-Language, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400,
	}))
}

// SetupRoutes configures all routes for the application.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health", s.HealthCheck)
	metrics().RegisterAt(app, "/metrics")

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/signup", middleware.RateLimit(s.Redis, 3, 10*time.Minute, "signup"), s.SignUp)
	auth.Post("/signin", middleware.RateLimit(s.Redis, 10, 5*time.Minute, "signin"), s.SignIn)
	auth.Post("/reset", middleware.RateLimit(s.Redis, 3, 10*time.Minute, "reset"), s.SendPasswordReset)
	auth.Post("/reset/confirm", middleware.RateLimit(s.Redis, 5, 10*time.Minute, "reset_confirm"), s.ConfirmPasswordReset)
	auth.Post("/identity", middleware.RateLimit(s.Redis, 10, 5*time.Minute, "identity"), s.SignInWithIdentity)
	auth.Post("/signout", middleware.AuthRequired(s.Auth), s.SignOut)

	protected := api.Group("", middleware.AuthRequired(s.Auth))

	users := protected.Group("/users")
	users.Get("/me", s.GetMyProfile)
	users.Patch("/me", s.UpdateMyProfile)
	users.Get("/search", middleware.RateLimit(s.Redis, 30, time.Minute, "search"), s.SearchUsers)
	// Specific /:id/:resource routes before the generic /:id route.
	users.Get("/:id/followers", s.ListFollowers)
	users.Get("/:id/following", s.ListFollowing)
	users.Get("/:id", s.GetUserProfile)

	follows := protected.Group("/follows")
	follows.Get("/:id", s.IsFollowing)
	follows.Post("/:id", s.Follow)
	follows.Delete("/:id", s.Unfollow)

	friends := protected.Group("/friends")
	friends.Get("/", s.ListFriends)
	friends.Get("/pending", s.ListPendingFriends)
	friends.Get("/status/:id", s.FriendStatus)
	friends.Post("/request/:id", middleware.RateLimit(s.Redis, 5, 5*time.Minute, "friend_request"), s.SendFriendRequest)
	friends.Post("/accept/:id", s.AcceptFriend)
	friends.Post("/reject/:id", s.RejectFriend)
	friends.Post("/cancel/:id", s.CancelFriend)
	friends.Post("/block/:id", s.BlockUser)
	friends.Post("/unblock/:id", s.UnblockUser)
	friends.Delete("/:id", s.RemoveFriend)

	inbox := protected.Group("/notifications")
	inbox.Get("/", s.ListNotifications)
	inbox.Get("/unread-count", s.UnreadCount)
	inbox.Post("/read-all", s.MarkAllNotificationsRead)
	inbox.Post("/:id/read", s.MarkNotificationRead)
	inbox.Delete("/:id", s.DeleteNotification)

	conversations := protected.Group("/conversations")
	conversations.Get("/", s.GetConversations)
	conversations.Get("/:userId/messages", s.GetMessages)
	conversations.Post("/:userId/messages", middleware.RateLimit(s.Redis, 30, time.Minute, "send_chat"), s.SendMessage)
	conversations.Patch("/:userId/messages/:msgId", s.EditMessage)
	conversations.Delete("/:userId/messages/:msgId", s.DeleteMessage)
	conversations.Post("/:userId/messages/:msgId/reactions", s.ToggleReaction)
	conversations.Post("/:userId/read", s.MarkConversationRead)
	conversations.Post("/:userId/typing", s.SetTyping)

	protected.Get("/presence/:id", s.GetPresence)

	media := protected.Group("/media")
	media.Post("/", middleware.RateLimit(s.Redis, 20, time.Minute, "media_upload"), s.UploadMedia)
	media.Get("/inline/:id", s.GetInlineMedia)
	media.Get("/chat/:key/:id", s.GetChatMedia)

	app.Get("/ws", middleware.WebSocketAuthRequired(s.Auth), s.upgradeRequired, s.WebsocketHandler())
}

// HealthCheck probes every registered component.
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := fiber.Map{}
	status := fiber.StatusOK
	overall := "healthy"
	for name, probe := range s.HealthChecks {
		if err := probe(ctx); err != nil {
			checks[name] = "unhealthy"
			status = fiber.StatusServiceUnavailable
			overall = "unhealthy"
			continue
		}
		checks[name] = "healthy"
	}
	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": checks,
		"time":   time.Now().UTC(),
	})
}

// StartWiring connects the notifier to the websocket hub.
func (s *Server) StartWiring(ctx context.Context) error {
	if s.Hub == nil || s.Notifier == nil {
		return nil
	}
	return s.Hub.StartWiring(ctx, s.Notifier)
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown closes websockets first so clients reconnect elsewhere, then
// drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.Hub != nil {
		errs = append(errs, s.Hub.Shutdown(ctx))
	}
	errs = append(errs, s.app.ShutdownWithContext(ctx))
	return errors.Join(errs...)
}
