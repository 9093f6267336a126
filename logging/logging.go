// Package logging wraps zap into the single logger the pipeline shares.
package logging

import "go.uber.org/zap"

// New builds a sugared logger. Debug enables the "ignored connection" style
// verbose lines; otherwise only info-level lines (stats, and rejected frames
// when LogUnknownProtocols is set) and warnings are emitted.
func New(debug bool) *zap.SugaredLogger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		// Logging construction failing is a startup-only condition; fall
		// back to a no-op logger rather than propagate into the hot path.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
