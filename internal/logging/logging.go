package logging

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env, service string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("user_id", c.GetString("user_id")).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// RedemptionLogEntry represents a structured log entry for a key redemption
type RedemptionLogEntry struct {
	RequestID      string
	UserID         string
	ClientIP       string
	KeyValue       string
	Mode           string
	RequestsChange int64
	Current        int64
	ExpiryUpdated  bool
	Status         string
	Reason         string
	Latency        time.Duration
}

// LogRedemption logs a redemption outcome with structured data
func LogRedemption(entry *RedemptionLogEntry) {
	event := log.Info()
	if entry.Status != "success" {
		event = log.Warn()
	}

	event.
		Str("request_id", entry.RequestID).
		Str("user_id", entry.UserID).
		Str("client_ip", entry.ClientIP).
		Str("key", MaskKey(entry.KeyValue)).
		Str("mode", entry.Mode).
		Int64("requests_change", entry.RequestsChange).
		Int64("current_requests", entry.Current).
		Bool("expiry_updated", entry.ExpiryUpdated).
		Str("status", entry.Status).
		Str("reason", entry.Reason).
		Dur("latency", entry.Latency).
		Msg("Key redemption")
}

// LogSecurityEvent logs security-related events
func LogSecurityEvent(eventType, userID, clientIP, details string) {
	log.Warn().
		Str("event_type", eventType).
		Str("user_id", userID).
		Str("client_ip", clientIP).
		Str("details", details).
		Msg("Security event")
}

// LogAdminAction logs an operator action against accounts or IPs
func LogAdminAction(adminID, action, target, details string) {
	log.Info().
		Str("admin_id", adminID).
		Str("action", action).
		Str("target", target).
		Str("details", details).
		Msg("Admin action")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}

// MaskKey keeps only the first and last two characters of a key code
func MaskKey(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:2] + "****" + code[len(code)-2:]
}

// SanitizeForLog truncates long strings for logging
func SanitizeForLog(data string, maxLen int) string {
	if len(data) > maxLen {
		return data[:maxLen] + "...[truncated]"
	}
	return data
}
