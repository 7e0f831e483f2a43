package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevels(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	require.NoError(t, Init(Config{Level: "warn"}))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	require.NoError(t, Init(Config{Level: "warn", Debug: true}))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	assert.Error(t, Init(Config{Level: "loud"}))
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	require.NoError(t, SetLevel("error"))
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
	assert.Error(t, SetLevel("nope"))
}
