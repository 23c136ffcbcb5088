package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	base, _, err := New(Config{})
	require.NoError(t, err)
	require.False(t, base.Core().Enabled(zapcore.DebugLevel))
	require.True(t, base.Core().Enabled(zapcore.InfoLevel))
}

func TestNewDebugLevelEnablesDebug(t *testing.T) {
	base, _, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	require.True(t, base.Core().Enabled(zapcore.DebugLevel))
}

func TestFactoryForEnablesDebugOnlyForFinelogModules(t *testing.T) {
	_, factory, err := New(Config{Level: "info", Finelog: []string{"socket"}})
	require.NoError(t, err)

	socketLogger := factory.For("socket.server")
	require.True(t, socketLogger.Core().Enabled(zapcore.DebugLevel))

	playerLogger := factory.For("player.registry")
	require.False(t, playerLogger.Core().Enabled(zapcore.DebugLevel))
}

func TestFactoryForIsNoopWhenBaseAlreadyDebug(t *testing.T) {
	_, factory, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	l := factory.For("anything")
	require.True(t, l.Core().Enabled(zapcore.DebugLevel))
}
