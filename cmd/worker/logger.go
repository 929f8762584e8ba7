package main

import (
	"github.com/boxguard/parcel-detection-worker/internal/config"
	"github.com/boxguard/parcel-detection-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
