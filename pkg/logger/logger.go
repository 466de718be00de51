package logger

import (
	"strings"

	"benchkit/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the application logger from the configured log level.
// All log output goes to stderr: the makegen binary owns stdout for the
// generated rule stream.
func NewLogger(appConfig *config.AppConfig) *zap.Logger {
	level := zapcore.InfoLevel
	switch strings.ToLower(appConfig.LogLevel) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	var cfg zap.Config
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	lg, err := cfg.Build(zap.AddCaller())
	if err != nil {
		// log failed to build, return a default one
		return zap.NewExample()
	}
	return lg
}
