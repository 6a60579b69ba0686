package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "laneq.log")

	lg, err := New(Config{Level: "debug", File: path})
	require.NoError(t, err)

	zl := lg.Zerolog()
	zl.Info().Str("key", "value").Msg("hello")
	require.NoError(t, lg.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"key":"value"`)
}

func TestNew_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "laneq.log")

	lg, err := New(Config{Level: "warn", File: path})
	require.NoError(t, err)

	zl := lg.Zerolog()
	zl.Debug().Msg("dropped")
	zl.Warn().Msg("kept")
	require.NoError(t, lg.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestNew_InvalidLevelDefaultsToInfo(t *testing.T) {
	lg, err := New(Config{Level: "loud"})
	require.NoError(t, err)
	defer lg.Close()

	assert.Equal(t, zerolog.InfoLevel, lg.Zerolog().GetLevel())
}
