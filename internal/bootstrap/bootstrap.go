// Package bootstrap assembles the runtime dependency graph from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"hearth/internal/auth"
	"hearth/internal/batch"
	"hearth/internal/cache"
	"hearth/internal/cdn"
	"hearth/internal/config"
	"hearth/internal/docstore"
	"hearth/internal/events"
	"hearth/internal/notifications"
	"hearth/internal/observability"
	"hearth/internal/realtime"
	"hearth/internal/repository"
	"hearth/internal/server"
	"hearth/internal/service"

	"github.com/redis/go-redis/v9"
)

const (
	realtimePrefix   = "hearth:rt:"
	largeCachePrefix = "hearth:cache:"
)

// App owns every long-lived resource of a running process.
type App struct {
	Config *config.Config
	Server *server.Server

	store    docstore.Store
	redis    *redis.Client
	tree     realtime.Tree
	writer   *batch.Writer
	local    *cache.LocalCache
	pebble   *cache.PebbleStore
	kafka    *events.KafkaPublisher
	chat     *service.ChatService
	presence *service.PresenceService
	unbind   func()
	closers  []func(context.Context) error
}

// OpenStore connects the document store selected by cfg.DocStoreDriver.
func OpenStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	switch cfg.DocStoreDriver {
	case config.DriverSQLite, config.DriverPostgres:
		db, err := docstore.OpenGorm(cfg)
		if err != nil {
			return nil, err
		}
		return docstore.NewGormStore(db)
	case config.DriverFirestore:
		return docstore.NewFirestoreStore(ctx, cfg.FirestoreProjectID, docstore.FirestoreOptions(cfg.FirestoreCredFile)...)
	case config.DriverMongo:
		return docstore.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown docstore driver %q", cfg.DocStoreDriver)
	}
}

// OpenUploader returns the configured CDN behind a circuit breaker, or nil
// when no provider is configured.
func OpenUploader(ctx context.Context, cfg *config.Config) (cdn.Uploader, error) {
	var (
		next cdn.Uploader
		err  error
	)
	switch cfg.CDNProvider {
	case "":
		return nil, nil
	case config.CDNCloudinary:
		next, err = cdn.NewCloudinary(cfg.CloudinaryURL, cfg.CDNFolder)
	case config.CDNS3:
		next, err = cdn.NewS3(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3PublicBaseURL, cfg.CDNFolder)
	default:
		return nil, fmt.Errorf("unknown cdn provider %q", cfg.CDNProvider)
	}
	if err != nil {
		return nil, err
	}
	return cdn.NewBreaker(next, cfg.CDNBreakerTrips, cfg.CDNBreakerOpen()), nil
}

// New builds the App. Redis is optional unless the realtime driver needs it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	log := observability.GlobalLogger

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("docstore connection failed: %w", err)
	}
	a.store = store

	a.redis = cache.InitRedis(cfg.RedisURL)

	switch cfg.RealtimeDriver {
	case config.RealtimeRedis:
		if a.redis == nil {
			return errors.New("REALTIME_DRIVER=redis requires a reachable REDIS_URL")
		}
		a.tree, err = realtime.NewRedisTree(ctx, a.redis, realtimePrefix)
		if err != nil {
			return fmt.Errorf("realtime tree: %w", err)
		}
	default:
		a.tree = realtime.NewMemoryTree()
	}

	mem := cache.NewMemoryCache(cache.MemoryConfig{})
	a.writer = batch.NewWriter(store, batch.Options{
		MaxBatch: cfg.BatchMaxSize,
		Delay:    cfg.BatchDelay(),
		OnCommit: repository.CacheInvalidator(mem),
	})

	localCfg := cache.LocalCacheConfig{SmallMaxBytes: cfg.LocalCacheSmallMaxBytes}
	if cfg.LocalCacheDir != "" {
		a.pebble, err = cache.OpenPebble(filepath.Join(cfg.LocalCacheDir, "small"), nil)
		if err != nil {
			return err
		}
		localCfg.Small = a.pebble
	}
	if a.redis != nil {
		localCfg.Large = cache.NewRedisStore(a.redis, largeCachePrefix)
	}
	a.local = cache.NewLocalCache(localCfg)

	userRepo := repository.NewUserRepository(store, mem, a.writer)
	provider := auth.NewLocalProvider(repository.NewAccountRepository(store, mem), auth.LocalConfig{
		Secret:    cfg.JWTSecret,
		ResetSink: auth.LogResetSink,
	})

	var publisher service.EventPublisher
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		a.kafka = events.NewKafkaPublisher(brokers, cfg.KafkaEventsTopic)
		publisher = a.kafka
		log.Info("kafka publisher enabled", "brokers", len(brokers), "topic", cfg.KafkaEventsTopic)
	}

	notifier := notifications.NewNotifier(a.redis)
	users := service.NewUserService(userRepo, nil)
	notifs := service.NewNotificationService(repository.NewNotificationRepository(store, mem, a.writer), notifier, publisher, nil)
	a.presence = service.NewPresenceService(a.tree, cfg.PresenceHeartbeat(), nil)
	a.unbind = a.presence.BindAuth(provider, cfg.PresenceSessionGrace())
	a.chat = service.NewChatService(a.tree, notifs, service.ChatConfig{
		MessageWindow: cfg.MessageWindow,
		TypingWindow:  cfg.TypingWindow(),
	})

	uploader, err := OpenUploader(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cdn: %w", err)
	}
	media := service.NewMediaService(repository.NewMediaRepository(store, mem, a.writer), a.tree, uploader, a.local, service.MediaConfig{
		InlineMax:      cfg.MediaInlineMaxBytes,
		MaxUploadBytes: int64(cfg.MediaMaxUploadMB) << 20,
		AudioFormats:   cfg.AudioFormats(),
	})

	hub := notifications.NewHub(a.redis, notifications.ConnectionManagerConfig{
		Presence:           a.presence,
		OfflineGracePeriod: cfg.PresenceOfflineGrace(),
	})

	a.Server = server.New(server.Deps{
		Config:        cfg,
		Redis:         a.redis,
		Auth:          service.NewAuthService(provider, users),
		Users:         users,
		Follows:       service.NewFollowService(repository.NewFollowRepository(store, mem, a.writer), userRepo, notifs, nil),
		Friends:       service.NewFriendService(repository.NewFriendRepository(store, mem, a.writer), userRepo, notifs, nil),
		Notifications: notifs,
		Chat:          a.chat,
		Presence:      a.presence,
		Media:         media,
		Hub:           hub,
		Notifier:      notifier,
		HealthChecks:  a.healthChecks(),
	})
	return nil
}

func (a *App) healthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"docstore": func(ctx context.Context) error {
			_, err := a.store.Get(ctx, "health", "probe")
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			return err
		},
		"realtime": func(ctx context.Context) error {
			_, err := a.tree.Get(ctx, "health")
			return err
		},
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	return checks
}

// OnClose registers an extra cleanup step, run before the built-in ones.
func (a *App) OnClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in dependency order: the HTTP layer and
// listeners first, then pending writes, then connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if a.Server != nil {
		errs = append(errs, a.Server.Shutdown(ctx))
	}
	if a.unbind != nil {
		a.unbind()
	}
	if a.chat != nil {
		a.chat.Close()
	}
	if a.presence != nil {
		a.presence.Close()
	}
	if a.writer != nil {
		errs = append(errs, a.writer.Close(ctx))
	}
	if a.local != nil {
		errs = append(errs, a.local.Close())
	}
	if a.pebble != nil {
		errs = append(errs, a.pebble.Close())
	}
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.tree != nil {
		errs = append(errs, a.tree.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
