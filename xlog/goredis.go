package xlog

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// GoRedisXLogger satisfies go-redis internal.Logging, set with redis.SetLogger.
type GoRedisXLogger struct {
	logger XLogger
}

func (l *GoRedisXLogger) Printf(ctx context.Context, format string, v ...any) {
	if l == nil || l.logger == nil {
		return
	}
	log := fmt.Sprintf(format, v...)
	if strings.Contains(log, "failed") || strings.Contains(log, "error") {
		l.logger.Logf(zapcore.ErrorLevel, "%s", log)
		return
	}
	l.logger.Logf(zapcore.InfoLevel, "%s", log)
}

func NewGoRedisXLogger(logger XLogger) *GoRedisXLogger {
	return &GoRedisXLogger{
		logger: newComponentXLogger(logger, "GoRedis", nil),
	}
}
