// Package logging builds the service's zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/config"
)

// New builds a logger from the logging and service sections.
func New(cfg config.Logging, svc config.Service) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(
		zap.String("service", svc.Name),
		zap.String("env", svc.Environment),
		zap.String("version", svc.Version),
	), nil
}
