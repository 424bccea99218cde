package sandbox

import "testing"

func TestConfig_Validate(t *testing.T) {
	base := Config{
		Name:       "echo",
		Version:    "1.0.0",
		Entrypoint: "python3 main.py",
		Image:      "python:3.11-slim",
		TimeoutSec: 10,
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c Config) Config
	}{
		{"bad name", func(c Config) Config { c.Name = "Echo"; return c }},
		{"bad version", func(c Config) Config { c.Version = "1.0"; return c }},
		{"missing entrypoint", func(c Config) Config { c.Entrypoint = ""; return c }},
		{"missing image", func(c Config) Config { c.Image = ""; return c }},
		{"zero timeout", func(c Config) Config { c.TimeoutSec = 0; return c }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.mutate(base).Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestConfig_VersionWithPrerelease(t *testing.T) {
	c := Config{Name: "echo", Version: "2.1.0-beta", Entrypoint: "x", Image: "y", TimeoutSec: 1}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected prerelease version to validate, got %v", err)
	}
}

func TestPermissions_Allowed(t *testing.T) {
	p := Permissions{}
	p.FS.Allow = []string{"/data", "/shared"}
	p.FS.Deny = []string{"/shared/secret"}

	if !p.Allowed("/data") {
		t.Error("expected /data to be allowed")
	}
	if !p.Allowed("/shared") {
		t.Error("expected /shared to be allowed")
	}
	if p.Allowed("/shared/secret") {
		t.Error("expected /shared/secret to be denied despite /shared being allowed")
	}
	if p.Allowed("/etc") {
		t.Error("expected /etc to be denied by default")
	}
}

func TestPermissions_DenyWinsOverAllow(t *testing.T) {
	p := Permissions{}
	p.FS.Allow = []string{"/data"}
	p.FS.Deny = []string{"/data"}

	if p.Allowed("/data") {
		t.Error("expected deny to take precedence over allow for the same path")
	}
}

func TestConfig_ImageTagAndContainerName(t *testing.T) {
	c := Config{Name: "echo", Version: "1.0.0"}
	if got, want := c.ImageTag(), "core-plugin-echo:1.0.0"; got != want {
		t.Errorf("ImageTag() = %q, want %q", got, want)
	}
	if got, want := ContainerName("echo", "abcd1234"), "core-plugin-echo-abcd1234"; got != want {
		t.Errorf("ContainerName() = %q, want %q", got, want)
	}
}
