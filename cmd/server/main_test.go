package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = newLogger("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger("loud")
	assert.Error(t, err)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"serve"},
		{"migrate"},
		{"queue", "stats"},
		{"queue", "retry-deadletter"},
		{"queue", "clear"},
		{"outbox", "stats"},
		{"outbox", "drain"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	retry, _, err := root.Find([]string{"queue", "retry-deadletter"})
	require.NoError(t, err)
	flag := retry.Flags().Lookup("count")
	require.NotNil(t, flag)
	assert.Equal(t, "1", flag.DefValue)
}
