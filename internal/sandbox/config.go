package sandbox

import (
	"fmt"
	"regexp"

	"github.com/tkenaz/titan/internal/apperrors"
)

var (
	namePattern    = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-\w+)?$`)
)

// Trigger declares one bus event a plugin wants dispatched to it.
type Trigger struct {
	Topic     string                 `yaml:"topic"`
	EventType string                 `yaml:"event_type,omitempty"`
	Filter    map[string]interface{} `yaml:"filter,omitempty"`
}

// Resources is the CPU/memory budget for one plugin invocation, in
// Kubernetes-style unit strings ("100m", "256Mi").
type Resources struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

// Permissions narrows what a plugin's container may touch.
//
// FS.Deny takes precedence over FS.Allow; anything named in neither list
// is denied by default.
type Permissions struct {
	FS struct {
		Allow []string `yaml:"allow"`
		Deny  []string `yaml:"deny"`
	} `yaml:"fs"`
	Network  bool     `yaml:"network"`
	Commands []string `yaml:"commands"`
}

// Config is one plugin's descriptor, loaded from its YAML manifest.
type Config struct {
	Name         string      `yaml:"name"`
	Version      string      `yaml:"version"`
	Triggers     []Trigger   `yaml:"triggers"`
	Entrypoint   string      `yaml:"entrypoint"`
	Image        string      `yaml:"image"`
	Requirements []string    `yaml:"requirements"`
	Resources    Resources   `yaml:"resources"`
	Permissions  Permissions `yaml:"permissions"`
	TimeoutSec   int         `yaml:"timeout_sec"`
}

// Validate checks the descriptor's name/version syntax and required
// fields, matching the reference platform's validate-after-load idiom.
func (c Config) Validate() error {
	if !namePattern.MatchString(c.Name) {
		return apperrors.Validation(fmt.Sprintf("plugin name %q must match %s", c.Name, namePattern.String()))
	}
	if !versionPattern.MatchString(c.Version) {
		return apperrors.Validation(fmt.Sprintf("plugin %q version %q must match %s", c.Name, c.Version, versionPattern.String()))
	}
	if c.Entrypoint == "" {
		return apperrors.Validation(fmt.Sprintf("plugin %q missing entrypoint", c.Name))
	}
	if c.Image == "" {
		return apperrors.Validation(fmt.Sprintf("plugin %q missing image", c.Name))
	}
	if c.TimeoutSec <= 0 {
		return apperrors.Validation(fmt.Sprintf("plugin %q timeout_sec must be positive", c.Name))
	}
	return nil
}

// Allowed reports whether path may be bind-mounted into the plugin's
// container: deny entries win over allow entries, and the default is
// deny.
func (p Permissions) Allowed(path string) bool {
	for _, d := range p.FS.Deny {
		if d == path {
			return false
		}
	}
	for _, a := range p.FS.Allow {
		if a == path {
			return true
		}
	}
	return false
}

// ImageTag is the per-plugin tagged image built when Requirements is
// non-empty.
func (c Config) ImageTag() string {
	return fmt.Sprintf("core-plugin-%s:%s", c.Name, c.Version)
}

// ContainerName is the unique, per-invocation container name.
func ContainerName(pluginName, shortID string) string {
	return fmt.Sprintf("core-plugin-%s-%s", pluginName, shortID)
}
