package pluginmanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const validManifest = `
name: echo
version: 1.0.0
entrypoint: "python3 main.py"
image: "python:3.11-slim"
timeout_sec: 10
triggers:
  - topic: chat.v1
    event_type: message.sent
`

func TestDiscoverPlugins_LoadsValidManifest(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "echo")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(validManifest), 0o644))

	found, err := discoverPlugins(dir, zerolog.Nop())
	require.NoError(t, err)
	require.Contains(t, found, "echo")
	require.Equal(t, "1.0.0", found["echo"].config.Version)
	require.Equal(t, pluginDir, found["echo"].dir)
}

func TestDiscoverPlugins_SkipsDirsWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-a-plugin"), 0o755))

	found, err := discoverPlugins(dir, zerolog.Nop())
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestDiscoverPlugins_SkipsInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "bad")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte("name: BAD_NAME\n"), 0o644))

	found, err := discoverPlugins(dir, zerolog.Nop())
	require.NoError(t, err)
	require.Empty(t, found)
}
