// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

var logLevel = new(slog.LevelVar)

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// InitLogger sets the level for env (debug in development, info elsewhere)
// and installs GlobalLogger as the slog default.
func InitLogger(env string) {
	switch env {
	case "", "development", "dev":
		logLevel.Set(slog.LevelDebug)
		Config.EnableDocLogging = true
	default:
		logLevel.Set(slog.LevelInfo)
	}
	slog.SetDefault(GlobalLogger.Logger)
}

// LoggingConfig defines which types of automated logging are enabled.
type LoggingConfig struct {
	EnableDocLogging bool
	EnableWSLogging  bool
}

// Config holds the current logging configuration.
var Config = LoggingConfig{
	EnableDocLogging: false,
	EnableWSLogging:  true,
}

// DocLogger provides structured logging for document store operations.
type DocLogger struct {
	collection string
	logger     *Logger
}

// NewDocLogger creates a new DocLogger for the given collection.
func NewDocLogger(collection string) *DocLogger {
	return &DocLogger{
		collection: collection,
		logger:     GlobalLogger,
	}
}

// LogOp logs a document operation. Reads and writes are debug noise unless enabled.
func (l *DocLogger) LogOp(ctx context.Context, operation string, fields map[string]interface{}) {
	if !Config.EnableDocLogging {
		return
	}
	attrs := []any{
		slog.String("collection", l.collection),
		slog.String("operation", operation),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, "document op", attrs...)
}

// LogError logs a failed document operation.
func (l *DocLogger) LogError(ctx context.Context, err error, operation string) {
	l.logger.ErrorContext(ctx, "document error",
		slog.String("collection", l.collection),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// LogSecondary logs a failed side effect that must not fail the primary operation.
func LogSecondary(ctx context.Context, operation string, err error, fields map[string]interface{}) {
	SecondaryFailures.WithLabelValues(operation).Inc()
	attrs := []any{
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	GlobalLogger.WarnContext(ctx, "secondary effect failed", attrs...)
}

// WSLogger provides structured logging for WebSocket operations.
type WSLogger struct {
	hubName string
	logger  *Logger
}

// NewWSLogger creates a new WSLogger for the given hub.
func NewWSLogger(hubName string) *WSLogger {
	return &WSLogger{
		hubName: hubName,
		logger:  GlobalLogger,
	}
}

// LogConnect logs a WebSocket connection event.
func (l *WSLogger) LogConnect(ctx context.Context, userID string) {
	if !Config.EnableWSLogging {
		return
	}
	l.logger.InfoContext(ctx, "websocket connected",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
	)
}

// LogDisconnect logs a WebSocket disconnection event.
func (l *WSLogger) LogDisconnect(ctx context.Context, userID string, reason string) {
	if !Config.EnableWSLogging {
		return
	}
	l.logger.InfoContext(ctx, "websocket disconnected",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
}

// LogError logs a WebSocket error event.
func (l *WSLogger) LogError(ctx context.Context, userID string, err error, eventType string) {
	if !Config.EnableWSLogging {
		return
	}
	l.logger.ErrorContext(ctx, "websocket error",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogMessage logs an incoming WebSocket frame.
func (l *WSLogger) LogMessage(ctx context.Context, userID, messageType, topic string) {
	if !Config.EnableWSLogging {
		return
	}
	l.logger.DebugContext(ctx, "websocket message",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
		slog.String("message_type", messageType),
		slog.String("topic", topic),
	)
}
