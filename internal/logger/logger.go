package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from the logger config section.
// Format "json" selects the production encoder; anything else gets the
// development console encoder.
func NewLogger(level, format string) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
		// Retries and reconciliation warnings are routine; sampling them
		// away would hide exactly the lines an operator greps for.
		cfg.Sampling = nil
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// Stacktraces only at error level; the REST client logs every retry
	// at warn and a trace per retry drowns the log.
	return cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}
