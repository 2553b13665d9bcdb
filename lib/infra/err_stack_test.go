package infra

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var initPC = caller()

func caller() Frame {
	var PCs [3]uintptr
	n := runtime.Callers(2, PCs[:])
	frames := runtime.CallersFrames(PCs[:n])
	frame, _ := frames.Next()
	return Frame(frame.PC + 1)
}

func TestFrameFormat(t *testing.T) {
	testcases := []struct {
		Frame
		format string
		want   string
	}{
		{initPC, "%s", "err_stack_test.go"},
		{initPC, "%n", "init"},
		{Frame(0), "%s", "unknownFile"},
		{Frame(0), "%n", "unknownFunc"},
		{Frame(0), "%d", "0"},
	}
	for _, tc := range testcases {
		require.Equal(t, tc.want, fmt.Sprintf(tc.format, tc.Frame))
	}
	require.True(t, strings.HasPrefix(fmt.Sprintf("%v", initPC), "err_stack_test.go:"))
}

func TestFrameMarshalText(t *testing.T) {
	text, err := Frame(0).MarshalText()
	require.NoError(t, err)
	require.Equal(t, "unknownFrame", string(text))

	text, err = initPC.MarshalText()
	require.NoError(t, err)
	require.Contains(t, string(text), "github.com/benz9527/xsensor/lib/infra.init")
}

var errBase = errors.New("storage unavailable")

func TestErrorStack_Wrap(t *testing.T) {
	err := WrapErrorStackWithMessage(errBase, "open cursor")
	require.Error(t, err)
	require.Equal(t, "open cursor: storage unavailable", err.Error())
	require.ErrorIs(t, err, errBase)

	var es ErrorStack
	require.True(t, errors.As(err, &es))

	// Wrapping twice keeps the first stack.
	require.Same(t, err, WrapErrorStack(err))
	require.Nil(t, WrapErrorStack(nil))
	require.Nil(t, WrapErrorStackWithMessage(nil, "noop"))

	err = NewErrorStack("duplicated listener")
	require.Equal(t, "duplicated listener", err.Error())
	require.Nil(t, errors.Unwrap(err))
}

func TestErrorStack_MarshalLogObject(t *testing.T) {
	err := NewErrorStack("keep-alive failed")
	es := err.(ErrorStack)
	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, es.MarshalLogObject(enc))
	require.Equal(t, "keep-alive failed", enc.Fields["error"])
	stack, ok := enc.Fields["errorStack"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, stack)
}
