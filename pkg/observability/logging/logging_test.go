package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitSetsGlobalLevel(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	require.NoError(t, Init("debug"))
	require.True(t, zap.L().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Init(""))
	require.False(t, zap.L().Core().Enabled(zapcore.DebugLevel))
	require.True(t, zap.L().Core().Enabled(zapcore.InfoLevel))
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	require.Error(t, Init("chatty"))
}
