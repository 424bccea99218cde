// Package sandbox runs one plugin invocation in an ephemeral,
// network-denied, read-only-root Docker container and reports a
// structured result — the core's only untrusted-code boundary.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tkenaz/titan/internal/apperrors"
	"github.com/tkenaz/titan/internal/eventbus"
	"github.com/tkenaz/titan/internal/logging"
)

// PluginLabel marks every container the core launches for a plugin, so
// the Watchdog can find its own orphans without touching unrelated
// containers on the host.
const PluginLabel = "core.plugin"

// RuntimeConfig holds the sandbox defaults loaded from §6.6 YAML: drop
// capabilities, read-only root, tmpfs size, network mode.
type RuntimeConfig struct {
	DefaultCPU       string   `yaml:"default_cpu"`
	DefaultMemory    string   `yaml:"default_memory"`
	TimeoutSec       int      `yaml:"timeout_sec"`
	TmpSize          string   `yaml:"tmp_size"`
	WorkDir          string   `yaml:"work_dir"`
	DropCapabilities []string `yaml:"drop_capabilities"`
	ReadOnly         bool     `yaml:"read_only"`
	NoNewPrivileges  bool     `yaml:"no_new_privileges"`
	NetworkMode      string   `yaml:"network_mode"`
	ContainerTTLSec  int      `yaml:"container_ttl_sec"`
	CheckIntervalSec int      `yaml:"check_interval_sec"`
}

// DefaultRuntimeConfig matches the values named in §6.6 when the
// operator's YAML omits the sandbox block.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DefaultCPU:       "500m",
		DefaultMemory:    "256Mi",
		TimeoutSec:       30,
		TmpSize:          "64m",
		WorkDir:          "/plugin",
		DropCapabilities: []string{"ALL"},
		ReadOnly:         true,
		NoNewPrivileges:  true,
		NetworkMode:      "none",
		ContainerTTLSec:  1800,
		CheckIntervalSec: 60,
	}
}

// Task is one plugin invocation request: the triggering event is
// serialized into the container's environment verbatim.
type Task struct {
	Event eventbus.Event
}

// Result is the structured outcome of one Execute call.
type Result struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Executor launches plugin invocations against a Docker daemon.
type Executor struct {
	docker  *client.Client
	runtime RuntimeConfig
	log     zerolog.Logger
}

// NewExecutor builds an Executor against an already-connected Docker
// client (typically client.NewClientWithOpts(client.FromEnv)).
func NewExecutor(docker *client.Client, runtime RuntimeConfig) *Executor {
	return &Executor{docker: docker, runtime: runtime, log: logging.Component("sandbox")}
}

// Execute runs one plugin invocation to completion or timeout, in
// maximum isolation: no network, read-only root, capabilities dropped,
// code mounted read-only.
func (e *Executor) Execute(ctx context.Context, cfg Config, pluginDir string, task Task) (Result, error) {
	start := time.Now()
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(e.runtime.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	image, err := e.resolveImage(runCtx, cfg, pluginDir)
	if err != nil {
		return Result{}, err
	}

	shortID := uuid.NewString()[:8]
	name := ContainerName(cfg.Name, shortID)

	eventData, err := json.Marshal(task.Event)
	if err != nil {
		return Result{}, apperrors.Sandbox(fmt.Sprintf("marshal triggering event: %v", err))
	}

	hostCfg, err := e.hostConfig(cfg, pluginDir)
	if err != nil {
		return Result{}, err
	}

	containerCfg := &container.Config{
		Image: image,
		Cmd:   strings.Fields(cfg.Entrypoint),
		Env: []string{
			"PLUGIN_NAME=" + cfg.Name,
			"PLUGIN_VERSION=" + cfg.Version,
			"EVENT_ID=" + task.Event.EventID,
			"EVENT_DATA=" + string(eventData),
		},
		Labels: map[string]string{
			PluginLabel:       "true",
			"core.plugin.name": cfg.Name,
			"core.event.id":    task.Event.EventID,
		},
	}

	resp, err := e.docker.ContainerCreate(runCtx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return Result{}, apperrors.Sandbox(fmt.Sprintf("create container: %v", err))
	}
	containerID := resp.ID

	result, execErr := e.runAndCollect(runCtx, containerID, timeout)
	result.DurationMS = time.Since(start).Milliseconds()

	if execErr != nil {
		_ = e.docker.ContainerKill(context.Background(), containerID, "KILL")
	}
	_ = e.docker.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true})

	return result, nil
}

// runAndCollect starts the container, waits for it to exit (or the
// context deadline), and collects logs.
func (e *Executor) runAndCollect(ctx context.Context, containerID string, timeout time.Duration) (Result, error) {
	if err := e.docker.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("start container: %v", err)}, err
	}

	statusCh, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() != nil {
				return Result{Success: false, Error: fmt.Sprintf("Timeout after %ds", int(timeout.Seconds()))}, ctx.Err()
			}
			return Result{Success: false, Error: fmt.Sprintf("wait container: %v", err)}, err
		}
	case status := <-statusCh:
		stdout, stderr := e.collectLogs(containerID)
		return Result{
			Success:  status.StatusCode == 0,
			Stdout:   stdout,
			Stderr:   stderr,
			ExitCode: int(status.StatusCode),
		}, nil
	case <-ctx.Done():
		stdout, stderr := e.collectLogs(containerID)
		return Result{
			Success: false,
			Stdout:  stdout,
			Stderr:  stderr,
			Error:   fmt.Sprintf("Timeout after %ds", int(timeout.Seconds())),
		}, ctx.Err()
	}
	stdout, stderr := e.collectLogs(containerID)
	return Result{Stdout: stdout, Stderr: stderr}, nil
}

func (e *Executor) collectLogs(containerID string) (string, string) {
	out, err := e.docker.ContainerLogs(context.Background(), containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", ""
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	// Without a TTY, Docker multiplexes stdout and stderr into one stream
	// with an 8-byte header per frame; stdcopy splits it back apart.
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil {
		return stdout.String(), stderr.String()
	}
	return stdout.String(), stderr.String()
}

func (e *Executor) hostConfig(cfg Config, pluginDir string) (*container.HostConfig, error) {
	cpuStr := cfg.Resources.CPU
	if cpuStr == "" {
		cpuStr = e.runtime.DefaultCPU
	}
	memStr := cfg.Resources.Memory
	if memStr == "" {
		memStr = e.runtime.DefaultMemory
	}
	nanoCPUs, err := ParseCPU(cpuStr)
	if err != nil {
		return nil, err
	}
	memBytes, err := ParseMemory(memStr)
	if err != nil {
		return nil, err
	}

	mounts := []mount.Mount{
		{
			Type:     mount.TypeBind,
			Source:   pluginDir,
			Target:   e.runtime.WorkDir,
			ReadOnly: true,
		},
	}
	seen := map[string]bool{pluginDir: true}
	for _, allowed := range cfg.Permissions.FS.Allow {
		if seen[allowed] {
			continue
		}
		if !pathExists(allowed) {
			continue
		}
		seen[allowed] = true
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   allowed,
			Target:   allowed,
			ReadOnly: true,
		})
	}

	securityOpt := []string{}
	if e.runtime.NoNewPrivileges {
		securityOpt = append(securityOpt, "no-new-privileges:true")
	}

	return &container.HostConfig{
		AutoRemove:     false, // removal is explicit in Execute so logs can be collected first
		NetworkMode:    container.NetworkMode(orDefault(e.runtime.NetworkMode, "none")),
		ReadonlyRootfs: e.runtime.ReadOnly,
		CapDrop:        cfg.dropCapabilities(e.runtime),
		SecurityOpt:    securityOpt,
		Mounts:         mounts,
		Tmpfs: map[string]string{
			"/tmp": "size=" + orDefault(e.runtime.TmpSize, "64m"),
		},
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memBytes,
		},
	}, nil
}

// dropCapabilities returns the sandbox runtime's configured drop list, or
// ALL when that list is empty; a plugin's own config cannot change it.
func (c Config) dropCapabilities(rt RuntimeConfig) []string {
	if len(rt.DropCapabilities) > 0 {
		return rt.DropCapabilities
	}
	return []string{"ALL"}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
