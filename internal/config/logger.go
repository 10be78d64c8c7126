package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: JSON output, debug level in dev.
func NewLogger(cfg Config) (*zap.Logger, error) {
	lc := zap.NewProductionConfig()
	lc.EncoderConfig.TimeKey = "ts"
	lc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.IsDev() {
		lc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := lc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "docsflow-api")), nil
}
