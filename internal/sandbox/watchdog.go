package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/tkenaz/titan/internal/logging"
)

// ContainerStats summarizes the plugin containers currently on the
// host, for the Plugin Manager's /containers/stats endpoint.
type ContainerStats struct {
	Total            int            `json:"total"`
	Running          int            `json:"running"`
	Exited           int            `json:"exited"`
	ByPlugin         map[string]int `json:"by_plugin"`
	OldestAgeSeconds float64        `json:"oldest_age_seconds"`
}

// Watchdog reaps exited or over-TTL containers carrying PluginLabel,
// preventing leaked sandboxes from accumulating on the host.
type Watchdog struct {
	docker          *client.Client
	containerTTL    time.Duration
	checkInterval   time.Duration
	log             zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdog builds a Watchdog. ttl and checkInterval fall back to 10
// minutes / 60 seconds (the reference defaults) when zero.
func NewWatchdog(docker *client.Client, ttl, checkInterval time.Duration) *Watchdog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if checkInterval <= 0 {
		checkInterval = 60 * time.Second
	}
	return &Watchdog{
		docker:        docker,
		containerTTL:  ttl,
		checkInterval: checkInterval,
		log:           logging.Component("watchdog"),
	}
}

func (w *Watchdog) labelFilter() filters.Args {
	f := filters.NewArgs()
	f.Add("label", PluginLabel+"=true")
	return f
}

// Start runs an initial sweep, then loops every checkInterval until ctx
// is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	if n, err := w.CleanupExited(ctx); err != nil {
		w.log.Error().Err(err).Msg("initial exited-container sweep failed")
	} else if n > 0 {
		w.log.Info().Int("removed", n).Msg("initial sweep removed exited containers")
	}

	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop cancels the background loop and waits for it to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.CleanupExpired(ctx); err != nil {
				w.log.Error().Err(err).Msg("expired-container sweep failed")
			}
			if _, err := w.CleanupExited(ctx); err != nil {
				w.log.Error().Err(err).Msg("exited-container sweep failed")
			}
		}
	}
}

// CleanupExited force-removes every exited container carrying
// PluginLabel, returning the count removed.
func (w *Watchdog) CleanupExited(ctx context.Context) (int, error) {
	f := w.labelFilter()
	f.Add("status", "exited")
	containers, err := w.docker.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return 0, fmt.Errorf("list exited containers: %w", err)
	}
	removed := 0
	for _, c := range containers {
		if err := w.docker.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			w.log.Warn().Err(err).Str("container", c.ID[:12]).Msg("failed to remove exited container")
			continue
		}
		removed++
	}
	if removed > 0 {
		w.log.Info().Int("removed", removed).Msg("removed exited plugin containers")
	}
	return removed, nil
}

// CleanupExpired kills and removes every plugin container (of any
// state) whose age exceeds containerTTL.
func (w *Watchdog) CleanupExpired(ctx context.Context) (int, error) {
	containers, err := w.docker.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: w.labelFilter()})
	if err != nil {
		return 0, fmt.Errorf("list plugin containers: %w", err)
	}
	expired := 0
	now := time.Now()
	for _, c := range containers {
		age := now.Sub(time.Unix(c.Created, 0))
		if age <= w.containerTTL {
			continue
		}
		w.log.Warn().Str("container", c.ID[:12]).Str("plugin", c.Labels["core.plugin.name"]).
			Dur("age", age).Dur("limit", w.containerTTL).Msg("container exceeded TTL, terminating")
		_ = w.docker.ContainerKill(ctx, c.ID, "KILL")
		if err := w.docker.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			w.log.Warn().Err(err).Str("container", c.ID[:12]).Msg("failed to remove expired container")
			continue
		}
		expired++
	}
	if expired > 0 {
		w.log.Info().Int("terminated", expired).Msg("terminated expired plugin containers")
	}
	return expired, nil
}

// ForceCleanupAll removes every plugin container regardless of state or
// age, for emergency operator use.
func (w *Watchdog) ForceCleanupAll(ctx context.Context) (int, error) {
	w.log.Warn().Msg("force cleanup of ALL plugin containers requested")
	containers, err := w.docker.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: w.labelFilter()})
	if err != nil {
		return 0, fmt.Errorf("list plugin containers: %w", err)
	}
	removed := 0
	for _, c := range containers {
		if err := w.docker.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			w.log.Warn().Err(err).Str("container", c.ID[:12]).Msg("failed to force-remove container")
			continue
		}
		removed++
	}
	return removed, nil
}

// Stats summarizes the current plugin containers for the admin API.
func (w *Watchdog) Stats(ctx context.Context) (ContainerStats, error) {
	containers, err := w.docker.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: w.labelFilter()})
	if err != nil {
		return ContainerStats{}, fmt.Errorf("list plugin containers: %w", err)
	}
	stats := ContainerStats{ByPlugin: make(map[string]int)}
	now := time.Now()
	for _, c := range containers {
		stats.Total++
		switch c.State {
		case "running":
			stats.Running++
		case "exited":
			stats.Exited++
		}
		name := c.Labels["core.plugin.name"]
		if name == "" {
			name = "unknown"
		}
		stats.ByPlugin[name]++
		age := now.Sub(time.Unix(c.Created, 0)).Seconds()
		if age > stats.OldestAgeSeconds {
			stats.OldestAgeSeconds = age
		}
	}
	return stats, nil
}
