package xlog

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ zapcore.Core = (xLogMultiCore)(nil)

type xLogMultiCore []xLogCore

func (mc xLogMultiCore) With(fields []zap.Field) zapcore.Core {
	clone := make([]zapcore.Core, len(mc))
	for i := range mc {
		clone[i] = mc[i].With(fields)
	}
	return zapcore.NewTee(clone...)
}

func (mc xLogMultiCore) Enabled(lvl zapcore.Level) bool {
	for i := range mc {
		if mc[i].Enabled(lvl) {
			return true
		}
	}
	return false
}

func (mc xLogMultiCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	for i := range mc {
		ce = mc[i].Check(ent, ce)
	}
	return ce
}

func (mc xLogMultiCore) Write(ent zapcore.Entry, fields []zap.Field) error {
	var err error
	for i := range mc {
		err = multierr.Append(err, mc[i].Write(ent, fields))
	}
	return err
}

func (mc xLogMultiCore) Sync() error {
	var err error
	for i := range mc {
		err = multierr.Append(err, mc[i].Sync())
	}
	return err
}

func XLogTeeCore(cores ...xLogCore) zapcore.Core {
	real := make([]xLogCore, 0, len(cores))
	for _, c := range cores {
		if c != nil {
			real = append(real, c)
		}
	}
	if len(real) == 1 {
		return real[0]
	}
	return xLogMultiCore(real)
}

// wrapComponentCore rebuilds every underlying xLogCore with the
// component encoder config. A nil level enabler keeps each core's own.
func wrapComponentCore(core zapcore.Core, lvlEnabler zapcore.LevelEnabler) zapcore.Core {
	switch c := core.(type) {
	case xLogMultiCore:
		newCores := make([]xLogCore, 0, len(c))
		for i := range c {
			nc, err := WrapCoreNewLevelEnabler(c[i], lvlEnabler, componentCoreEncoderCfg)
			if err != nil {
				panic(err)
			}
			newCores = append(newCores, nc)
		}
		return newCores2Tee(newCores)
	case xLogCore:
		nc, err := WrapCoreNewLevelEnabler(c, lvlEnabler, componentCoreEncoderCfg)
		if err != nil {
			panic(err)
		}
		return nc
	default:
	}
	panic("[XLogger] core is not XLogCore")
}

func newCores2Tee(cores []xLogCore) zapcore.Core {
	return xLogMultiCore(cores)
}
