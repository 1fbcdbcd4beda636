package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLevelToZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, DebugLevel.ToZapLevel())
	assert.Equal(t, zapcore.WarnLevel, Level("WARN").ToZapLevel())
	assert.Equal(t, zapcore.ErrorLevel, ErrorLevel.ToZapLevel())
	assert.Equal(t, zapcore.InfoLevel, Level("verbose").ToZapLevel())
}

func TestNew(t *testing.T) {
	for _, format := range []string{"", "console", "json"} {
		logger, err := New(InfoLevel, format)
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
	}

	_, err := New(InfoLevel, "xml")
	assert.Error(t, err)

	nop, err := New(NopLevel, "xml")
	require.NoError(t, err)
	assert.NotNil(t, nop)
}

func TestForTask(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ForTask(zap.New(core).Sugar(), "vault-item-field").Info("installed")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "vault-item-field", entries[0].ContextMap()["task"])
}
