// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Document store drivers.
const (
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
	DriverMongo     = "mongo"
)

// Realtime tree drivers.
const (
	RealtimeRedis  = "redis"
	RealtimeMemory = "memory"
)

// CDN providers.
const (
	CDNCloudinary = "cloudinary"
	CDNS3         = "s3"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	// IdentityBrokerKey authenticates the service that vouches for social
	// identities on /api/auth/identity. Empty disables the route.
	IdentityBrokerKey string `mapstructure:"IDENTITY_BROKER_KEY"`

	DocStoreDriver     string `mapstructure:"DOCSTORE_DRIVER"`
	DBHost             string `mapstructure:"DB_HOST"`
	DBPort             string `mapstructure:"DB_PORT"`
	DBUser             string `mapstructure:"DB_USER"`
	DBPassword         string `mapstructure:"DB_PASSWORD"`
	DBName             string `mapstructure:"DB_NAME"`
	DBSSLMode          string `mapstructure:"DB_SSLMODE"`
	SQLitePath         string `mapstructure:"SQLITE_PATH"`
	FirestoreProjectID string `mapstructure:"FIRESTORE_PROJECT_ID"`
	FirestoreCredFile  string `mapstructure:"FIRESTORE_CREDENTIALS_FILE"`
	MongoURI           string `mapstructure:"MONGO_URI"`
	MongoDB            string `mapstructure:"MONGO_DB"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	RealtimeDriver string `mapstructure:"REALTIME_DRIVER"`

	LocalCacheDir           string `mapstructure:"LOCAL_CACHE_DIR"`
	LocalCacheSmallMaxBytes int    `mapstructure:"LOCAL_CACHE_SMALL_MAX_BYTES"`

	BatchMaxSize int `mapstructure:"BATCH_MAX_SIZE"`
	BatchDelayMS int `mapstructure:"BATCH_DELAY_MS"`

	MediaInlineMaxBytes      int64  `mapstructure:"MEDIA_INLINE_MAX_BYTES"`
	MediaMaxUploadMB         int    `mapstructure:"MEDIA_MAX_UPLOAD_MB"`
	MediaAudioAllowedFormats string `mapstructure:"MEDIA_AUDIO_ALLOWED_FORMATS"`

	CDNProvider      string `mapstructure:"CDN_PROVIDER"`
	CloudinaryURL    string `mapstructure:"CLOUDINARY_URL"`
	S3Bucket         string `mapstructure:"S3_BUCKET"`
	S3Region         string `mapstructure:"S3_REGION"`
	S3PublicBaseURL  string `mapstructure:"S3_PUBLIC_BASE_URL"`
	CDNFolder        string `mapstructure:"CDN_FOLDER"`
	CDNBreakerTrips  int    `mapstructure:"CDN_BREAKER_TRIPS"`
	CDNBreakerOpenMS int    `mapstructure:"CDN_BREAKER_OPEN_MS"`

	PresenceHeartbeatSeconds    int `mapstructure:"PRESENCE_HEARTBEAT_SECONDS"`
	PresenceOfflineGraceSeconds int `mapstructure:"PRESENCE_OFFLINE_GRACE_SECONDS"`
	PresenceSessionGraceSeconds int `mapstructure:"PRESENCE_SESSION_GRACE_SECONDS"`
	TypingWindowSeconds         int `mapstructure:"TYPING_WINDOW_SECONDS"`
	MessageWindow               int `mapstructure:"MESSAGE_WINDOW"`

	TracingEnabled bool    `mapstructure:"TRACING_ENABLED"`
	TracingExport  string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint   string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `mapstructure:"OTEL_SERVICE_NAME"`
	SamplerRatio   float64 `mapstructure:"OTEL_SAMPLER_RATIO"`

	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaEventsTopic string `mapstructure:"KAFKA_EVENTS_TOPIC"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	// A local .env only fills variables the environment does not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("ignoring unreadable .env: %v", err)
	}

	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The config file is optional; environment variables alone are enough.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env != "" && env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			log.Printf("no profile-specific config 'config.%s.yml' found, using base config: %v", env, err)
		}
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("JWT_SECRET", defaultJWTSecret)
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	viper.SetDefault("IDENTITY_BROKER_KEY", "")

	viper.SetDefault("DOCSTORE_DRIVER", DriverSQLite)
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "hearth")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("SQLITE_PATH", "hearth.db")
	viper.SetDefault("FIRESTORE_PROJECT_ID", "")
	viper.SetDefault("FIRESTORE_CREDENTIALS_FILE", "")
	viper.SetDefault("MONGO_URI", "")
	viper.SetDefault("MONGO_DB", "hearth")

	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("REALTIME_DRIVER", RealtimeRedis)

	viper.SetDefault("LOCAL_CACHE_DIR", "")
	viper.SetDefault("LOCAL_CACHE_SMALL_MAX_BYTES", 2048)

	viper.SetDefault("BATCH_MAX_SIZE", 500)
	viper.SetDefault("BATCH_DELAY_MS", 500)

	viper.SetDefault("MEDIA_INLINE_MAX_BYTES", 500*1024)
	viper.SetDefault("MEDIA_MAX_UPLOAD_MB", 50)
	viper.SetDefault("MEDIA_AUDIO_ALLOWED_FORMATS", "mp3,m4a,aac,wav,ogg")

	viper.SetDefault("CDN_PROVIDER", "")
	viper.SetDefault("CLOUDINARY_URL", "")
	viper.SetDefault("S3_BUCKET", "")
	viper.SetDefault("S3_REGION", "")
	viper.SetDefault("S3_PUBLIC_BASE_URL", "")
	viper.SetDefault("CDN_FOLDER", "hearth")
	viper.SetDefault("CDN_BREAKER_TRIPS", 5)
	viper.SetDefault("CDN_BREAKER_OPEN_MS", 30000)

	viper.SetDefault("PRESENCE_HEARTBEAT_SECONDS", 30)
	viper.SetDefault("PRESENCE_OFFLINE_GRACE_SECONDS", 10)
	viper.SetDefault("PRESENCE_SESSION_GRACE_SECONDS", 60)
	viper.SetDefault("TYPING_WINDOW_SECONDS", 5)
	viper.SetDefault("MESSAGE_WINDOW", 50)

	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "otlp")
	viper.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("OTEL_SERVICE_NAME", "hearth-api")
	viper.SetDefault("OTEL_SAMPLER_RATIO", 1.0)

	viper.SetDefault("KAFKA_BROKERS", "")
	viper.SetDefault("KAFKA_EVENTS_TOPIC", "hearth.events")
}

func (c *Config) normalize() {
	c.DocStoreDriver = strings.ToLower(strings.TrimSpace(c.DocStoreDriver))
	c.RealtimeDriver = strings.ToLower(strings.TrimSpace(c.RealtimeDriver))
	c.CDNProvider = strings.ToLower(strings.TrimSpace(c.CDNProvider))
	c.DBSSLMode = strings.ToLower(strings.TrimSpace(c.DBSSLMode))
}

// IsProduction reports whether the app runs with a production profile.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch c.DocStoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DBHost == "" || c.DBName == "" {
			return errors.New("DB_HOST and DB_NAME are required for the postgres driver")
		}
	case DriverFirestore:
		if c.FirestoreProjectID == "" {
			return errors.New("FIRESTORE_PROJECT_ID is required for the firestore driver")
		}
	case DriverMongo:
		if c.MongoURI == "" || c.MongoDB == "" {
			return errors.New("MONGO_URI and MONGO_DB are required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown DOCSTORE_DRIVER %q", c.DocStoreDriver)
	}

	switch c.RealtimeDriver {
	case RealtimeRedis, RealtimeMemory:
	default:
		return fmt.Errorf("unknown REALTIME_DRIVER %q", c.RealtimeDriver)
	}

	switch c.CDNProvider {
	case "":
	case CDNCloudinary:
		if c.CloudinaryURL == "" {
			return errors.New("CLOUDINARY_URL is required for the cloudinary provider")
		}
	case CDNS3:
		if c.S3Bucket == "" || c.S3Region == "" {
			return errors.New("S3_BUCKET and S3_REGION are required for the s3 provider")
		}
	default:
		return fmt.Errorf("unknown CDN_PROVIDER %q", c.CDNProvider)
	}

	if c.BatchMaxSize <= 0 || c.BatchMaxSize > 500 {
		return errors.New("BATCH_MAX_SIZE must be between 1 and 500")
	}
	if c.MediaInlineMaxBytes <= 0 {
		return errors.New("MEDIA_INLINE_MAX_BYTES must be positive")
	}

	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DocStoreDriver == DriverPostgres && (c.DBPassword == "password" || c.DBPassword == "") {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}

// BatchDelay returns the batch writer debounce window.
func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}

// PresenceHeartbeat returns the interval between last-seen refreshes.
func (c *Config) PresenceHeartbeat() time.Duration {
	return time.Duration(c.PresenceHeartbeatSeconds) * time.Second
}

// PresenceOfflineGrace returns how long a user stays online after the last socket closes.
func (c *Config) PresenceOfflineGrace() time.Duration {
	return time.Duration(c.PresenceOfflineGraceSeconds) * time.Second
}

// PresenceSessionGrace returns how long a sign-in keeps a user online without a socket.
func (c *Config) PresenceSessionGrace() time.Duration {
	return time.Duration(c.PresenceSessionGraceSeconds) * time.Second
}

// TypingWindow returns how long a typing timestamp stays meaningful.
func (c *Config) TypingWindow() time.Duration {
	return time.Duration(c.TypingWindowSeconds) * time.Second
}

// CDNBreakerOpen returns how long the CDN breaker stays open after tripping.
func (c *Config) CDNBreakerOpen() time.Duration {
	return time.Duration(c.CDNBreakerOpenMS) * time.Millisecond
}

// AudioFormats returns the lowercased allow-list of audio containers the CDN accepts.
func (c *Config) AudioFormats() []string {
	var out []string
	for _, f := range strings.Split(c.MediaAudioAllowedFormats, ",") {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Brokers returns the configured Kafka brokers.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
