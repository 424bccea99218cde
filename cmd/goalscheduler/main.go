// Command goalscheduler runs the Goal Scheduler as a standalone
// process, sharing only Redis and the event bus with the rest of
// titan-core. See internal/goalscheduler.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tkenaz/titan/internal/config"
	"github.com/tkenaz/titan/internal/eventbus"
	"github.com/tkenaz/titan/internal/goalscheduler"
	"github.com/tkenaz/titan/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("load config: " + err.Error())
		os.Exit(1)
	}

	logging.Initialize("goalscheduler", cfg.LogLevel, cfg.LogPretty)
	log := logging.Component("goalscheduler")

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(opt)

	bus := eventbus.New(cfg.Bus, eventbus.NewRedisSubstrate(redisClient))
	executor := goalscheduler.NewBusExecutor(bus)

	sched := goalscheduler.New(goalscheduler.SchedulerConfig{
		GoalsDir:           cfg.GoalsDir,
		LoopInterval:       time.Duration(cfg.LoopIntervalSec) * time.Second,
		DefaultTimeout:     time.Duration(cfg.DefaultTimeoutSec) * time.Second,
		MaxConcurrentGoals: cfg.MaxConcurrentGoals,
	}, bus, redisClient, executor, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Scheduler subscribes its trigger topics before the bus starts its
	// consumer loops, matching the manager's own start-before-bus rule.
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}
	if err := bus.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start bus")
	}

	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           goalscheduler.NewServer(sched, cfg.AdminToken).Router(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("goal scheduler admin server listening")
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
	bus.Stop()
	log.Info().Msg("goal scheduler stopped")
}
