// Command pluginmanager runs the Plugin Manager as a standalone
// process, sharing only Redis and the Docker daemon with the rest of
// titan-core. See internal/pluginmanager.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"

	"github.com/tkenaz/titan/internal/breaker"
	"github.com/tkenaz/titan/internal/config"
	"github.com/tkenaz/titan/internal/eventbus"
	"github.com/tkenaz/titan/internal/logging"
	"github.com/tkenaz/titan/internal/pluginmanager"
	"github.com/tkenaz/titan/internal/sandbox"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("load config: " + err.Error())
		os.Exit(1)
	}

	logging.Initialize("pluginmanager", cfg.LogLevel, cfg.LogPretty)
	log := logging.Component("pluginmanager")

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(opt)

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatal().Err(err).Msg("create docker client")
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := dockerClient.Ping(pingCtx); err != nil {
		pingCancel()
		log.Fatal().Err(err).Msg("ping docker daemon")
	}
	pingCancel()

	bus := eventbus.New(cfg.Bus, eventbus.NewRedisSubstrate(redisClient))
	br := breaker.New(redisClient, bus, breaker.DefaultConfig())
	sandboxExecutor := sandbox.NewExecutor(dockerClient, cfg.Sandbox)
	watchdog := sandbox.NewWatchdog(dockerClient,
		time.Duration(cfg.Sandbox.ContainerTTLSec)*time.Second,
		time.Duration(cfg.Sandbox.CheckIntervalSec)*time.Second)

	mgr := pluginmanager.New(pluginmanager.Config{
		PluginsDir:    cfg.PluginsDir,
		TaskQueueSize: cfg.TaskQueueSize,
		Workers:       cfg.MaxConcurrentPlugins,
	}, bus, sandboxExecutor, br, watchdog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start plugin manager")
	}
	if err := bus.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start bus")
	}

	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           pluginmanager.NewServer(mgr, cfg.AdminToken).Router(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("plugin manager admin server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown")
	}

	mgr.Stop()
	bus.Stop()
	log.Info().Msg("plugin manager stopped")
}
