package xlog

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zapcore"
)

var _ sarama.StdLogger = (*SaramaXLogger)(nil)

// SaramaXLogger is assigned to sarama.Logger. Sarama is chatty about
// metadata refreshes so everything lands on DEBUG unless it reports
// an error.
type SaramaXLogger struct {
	logger XLogger
}

func (l *SaramaXLogger) Print(v ...any) {
	l.log(fmt.Sprint(v...))
}

func (l *SaramaXLogger) Printf(format string, v ...any) {
	l.log(fmt.Sprintf(format, v...))
}

func (l *SaramaXLogger) Println(v ...any) {
	l.log(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l *SaramaXLogger) log(msg string) {
	if l == nil || l.logger == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		l.logger.Logf(zapcore.WarnLevel, "%s", msg)
		return
	}
	l.logger.Logf(zapcore.DebugLevel, "%s", msg)
}

func NewSaramaXLogger(logger XLogger) *SaramaXLogger {
	return &SaramaXLogger{
		logger: newComponentXLogger(logger, "Sarama", nil),
	}
}
