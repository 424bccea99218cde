package goalscheduler

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// loadGoalFile reads and validates a single goal manifest.
func loadGoalFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if _, err := ParseSchedule(cfg.Schedule); cfg.Schedule != "" && err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadGoals scans dir for *.yaml manifests, skipping disabled goals and
// logging-and-skipping any manifest that fails to load.
func loadGoals(dir string, log zerolog.Logger) (map[string]Config, error) {
	goals := make(map[string]Config)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		cfg, err := loadGoalFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("failed to load goal manifest")
			continue
		}
		if !cfg.Enabled {
			log.Info().Str("goal", cfg.ID).Msg("skipped disabled goal")
			continue
		}
		expectedID := strings.TrimSuffix(e.Name(), ".yaml")
		if cfg.ID != expectedID {
			log.Warn().Str("goal", cfg.ID).Str("file", e.Name()).Msg("goal id does not match filename")
		}
		goals[cfg.ID] = cfg
		log.Info().Str("goal", cfg.ID).Str("file", path).Msg("loaded goal")
	}
	log.Info().Int("count", len(goals)).Msg("goal manifests loaded")
	return goals, nil
}
