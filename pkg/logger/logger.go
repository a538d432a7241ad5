package logger

import (
	"fmt"

	"taskpilot/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module builds the logger eagerly so zap.L() is usable by the providers of
// every module declared after it.
var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
	fx.Invoke(func(*zap.Logger) {}),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

func New(p ConfigParams) (*zap.Logger, error) {
	zc, err := Config(p.Cfg)
	if err != nil {
		return nil, err
	}

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	log = log.With(
		zap.String("env", p.Cfg.AppEnv),
		zap.String("service_name", p.Cfg.AppName),
		zap.Int64("node_id", p.Cfg.NodeID),
	)

	zap.ReplaceGlobals(log)

	return log, nil
}

// Config returns a console config outside production and a JSON config with
// severity/timestamp keys in production. LOG_LEVEL applies to both.
func Config(cfg *config.Config) (zap.Config, error) {
	level := zap.NewAtomicLevel()
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return zap.Config{}, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
	}

	if cfg.AppEnv != "production" {
		zc := zap.NewDevelopmentConfig()
		if cfg.LogLevel != "" {
			zc.Level = level
		}
		return zc, nil
	}

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Encoding = "json"
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.LevelKey = "severity"
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc, nil
}
