package common

import (
	"fmt"
	"log/slog"
	"os"

	build "github.com/flashbots/ledger-router/common"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a slog logger writing through a zap core. The returned
// sync func flushes buffered entries and should be deferred by main.
func NewLogger(cfg LogConfig) (*slog.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	zl := zap.New(core)

	log := slog.New(zapslog.NewHandler(core)).With(
		"service", cfg.Service,
		"version", build.Version,
	)
	return log, func() { _ = zl.Sync() }, nil
}
