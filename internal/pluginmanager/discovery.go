package pluginmanager

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tkenaz/titan/internal/sandbox"
)

// loadPluginConfig reads and validates one plugin.yaml.
func loadPluginConfig(path string) (sandbox.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sandbox.Config{}, err
	}
	var cfg sandbox.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return sandbox.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return sandbox.Config{}, err
	}
	return cfg, nil
}

// discoverPlugins scans dir for one subdirectory per plugin, each
// containing a plugin.yaml manifest, mirroring the reference platform's
// discover_plugins directory walk.
func discoverPlugins(dir string, log zerolog.Logger) (map[string]pluginEntry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	found := make(map[string]pluginEntry)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, e.Name())
		manifest := filepath.Join(pluginDir, "plugin.yaml")
		if _, err := os.Stat(manifest); err != nil {
			continue
		}
		cfg, err := loadPluginConfig(manifest)
		if err != nil {
			log.Error().Err(err).Str("dir", pluginDir).Msg("failed to load plugin manifest")
			continue
		}
		found[cfg.Name] = pluginEntry{config: cfg, dir: pluginDir}
		log.Info().Str("plugin", cfg.Name).Str("version", cfg.Version).Msg("loaded plugin")
	}
	return found, nil
}
