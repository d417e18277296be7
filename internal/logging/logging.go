// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nhle/mailhub/internal/model"
)

// Redacted replaces the value of sensitive fields.
const Redacted = "[redacted]"

var sensitiveKeys = []string{"token", "password", "secret", "dbkey", "credential", "authorization"}

// New returns a JSON production logger, or a console logger in
// development mode.
func New(cfg model.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// Command output owns stdout.
	zc.OutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Sensitive reports whether a field key names a secret.
func Sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Field builds a zap field, redacting the value when the key is sensitive.
func Field(key string, value any) zap.Field {
	if Sensitive(key) {
		return zap.String(key, Redacted)
	}
	return zap.Any(key, value)
}

// Event logs a named event at info level.
func Event(logger *zap.Logger, name string, fields ...zap.Field) {
	logger.Info(name, append(fields, zap.String("event", name))...)
}
