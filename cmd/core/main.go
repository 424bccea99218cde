// Command core runs titan-core as a single process: event bus, plugin
// manager, and goal scheduler sharing one Redis connection and one
// Docker daemon. Operators who want independent scaling run
// cmd/pluginmanager and cmd/goalscheduler instead.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tkenaz/titan/internal/breaker"
	"github.com/tkenaz/titan/internal/config"
	"github.com/tkenaz/titan/internal/eventbus"
	"github.com/tkenaz/titan/internal/goalscheduler"
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

	logging.Initialize("core", cfg.LogLevel, cfg.LogPretty)
	log := logging.Component("core")

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

	executor := goalscheduler.NewBusExecutor(bus)
	sched := goalscheduler.New(goalscheduler.SchedulerConfig{
		GoalsDir:           cfg.GoalsDir,
		LoopInterval:       time.Duration(cfg.LoopIntervalSec) * time.Second,
		DefaultTimeout:     time.Duration(cfg.DefaultTimeoutSec) * time.Second,
		MaxConcurrentGoals: cfg.MaxConcurrentGoals,
	}, bus, redisClient, executor, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Both subsystems subscribe their trigger topics before the bus
	// starts consuming, same ordering rule each start doc names on its
	// own.
	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start plugin manager")
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start goal scheduler")
	}
	if err := bus.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start bus")
	}

	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           combinedRouter(mgr, sched, cfg.AdminToken),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin server listening")
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

	sched.Stop()
	mgr.Stop()
	bus.Stop()
	log.Info().Msg("core stopped")
}

// combinedRouter mounts both subsystems' admin surfaces behind one
// listener. Each keeps its own gin engine (and so its own middleware
// and route table); a ServeMux dispatches by path prefix rather than
// merging the two route tables into one engine.
func combinedRouter(mgr *pluginmanager.Manager, sched *goalscheduler.Scheduler, token string) http.Handler {
	pluginRouter := pluginmanager.NewServer(mgr, token).Router()
	goalRouter := goalscheduler.NewServer(sched, token).Router()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"core"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/plugins", pluginRouter)
	mux.Handle("/plugins/", pluginRouter)
	mux.Handle("/containers/", pluginRouter)
	mux.Handle("/goals", goalRouter)
	mux.Handle("/goals/", goalRouter)
	return mux
}
