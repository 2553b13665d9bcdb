package xlog

import (
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var _ fxevent.Logger = (*FxXLogger)(nil)

// FxXLogger routes the fx container events into the component logger.
// Wiring events go to DEBUG, lifecycle transitions to INFO.
type FxXLogger struct {
	logger XLogger
}

func moduleField(name string) zap.Field {
	if name == "" {
		return zap.Skip()
	}
	return zap.String("module", name)
}

func (l *FxXLogger) hook(kind, fn, caller string, runtime int64, err error) {
	fields := []zap.Field{
		zap.String("hook", kind),
		zap.String("function", fn),
		zap.String("caller", caller),
	}
	if runtime >= 0 {
		fields = append(fields, zap.Int64("inNs", runtime))
	}
	if err != nil {
		l.logger.Error(err, "fx hook failed", fields...)
		return
	}
	if runtime < 0 {
		l.logger.Debug("fx hook executing", fields...)
		return
	}
	l.logger.Info("fx hook executed", fields...)
}

func (l *FxXLogger) LogEvent(event fxevent.Event) {
	if l == nil || l.logger == nil {
		return
	}

	switch e := event.(type) {
	case *fxevent.OnStartExecuting:
		l.hook("OnStart", e.FunctionName, e.CallerName, -1, nil)
	case *fxevent.OnStartExecuted:
		l.hook("OnStart", e.FunctionName, e.CallerName, int64(e.Runtime), e.Err)
	case *fxevent.OnStopExecuting:
		l.hook("OnStop", e.FunctionName, e.CallerName, -1, nil)
	case *fxevent.OnStopExecuted:
		l.hook("OnStop", e.FunctionName, e.CallerName, int64(e.Runtime), e.Err)
	case *fxevent.Supplied:
		if e.Err != nil {
			l.logger.Error(e.Err, "fx supply failed",
				zap.String("type", e.TypeName),
				zap.Strings("stacktrace", e.StackTrace),
			)
			return
		}
		l.logger.Debug("fx supplied", zap.String("type", e.TypeName), moduleField(e.ModuleName))
	case *fxevent.Provided:
		for _, rtype := range e.OutputTypeNames {
			l.logger.Debug("fx provided",
				zap.Bool("private", e.Private),
				zap.String("type", rtype),
				zap.String("constructor", e.ConstructorName),
				moduleField(e.ModuleName),
			)
		}
		if e.Err != nil {
			l.logger.Error(e.Err, "fx provide failed", zap.Strings("stacktrace", e.StackTrace))
		}
	case *fxevent.Replaced:
		for _, rtype := range e.OutputTypeNames {
			l.logger.Debug("fx replaced", zap.String("type", rtype), moduleField(e.ModuleName))
		}
		if e.Err != nil {
			l.logger.Error(e.Err, "fx replace failed", zap.Strings("stacktrace", e.StackTrace))
		}
	case *fxevent.Decorated:
		for _, rtype := range e.OutputTypeNames {
			l.logger.Debug("fx decorated",
				zap.String("type", rtype),
				zap.String("decorator", e.DecoratorName),
				moduleField(e.ModuleName),
			)
		}
		if e.Err != nil {
			l.logger.Error(e.Err, "fx decorate failed", zap.Strings("stacktrace", e.StackTrace))
		}
	case *fxevent.Invoking:
		l.logger.Debug("fx invoking", zap.String("function", e.FunctionName), moduleField(e.ModuleName))
	case *fxevent.Invoked:
		if e.Err != nil {
			l.logger.Error(e.Err, "fx invoke failed",
				zap.String("function", e.FunctionName),
				zap.String("trace", e.Trace),
			)
		}
	case *fxevent.Stopping:
		l.logger.Info("fx stopping", zap.String("signal", e.Signal.String()))
	case *fxevent.Stopped:
		if e.Err != nil {
			l.logger.Error(e.Err, "fx stop failed")
		}
	case *fxevent.RollingBack:
		l.logger.Warn("fx start failed, rolling back", zap.String("cause", e.StartErr.Error()))
	case *fxevent.RolledBack:
		if e.Err != nil {
			l.logger.Error(e.Err, "fx rollback failed")
		}
	case *fxevent.Started:
		if e.Err != nil {
			l.logger.Error(e.Err, "fx start failed")
			return
		}
		l.logger.Info("fx running")
	case *fxevent.LoggerInitialized:
		if e.Err != nil {
			l.logger.Error(e.Err, "fx custom logger failed")
			return
		}
		l.logger.Debug("fx custom logger initialized", zap.String("constructor", e.ConstructorName))
	default:
	}
}

func NewFxXLogger(logger XLogger) *FxXLogger {
	return &FxXLogger{logger: newComponentXLogger(logger, "Fx", nil)}
}
