// Command dispatcher runs the Call Queue Engine's worker pool process
// (C6): it pops ready jobs out of the Redis-backed state store, gates
// them through the token-bucket rate limiter, and drives each one to
// completion through a Call Supervisor. It is a separate process from
// cmd/api so the HTTP ingress surface and the call-dispatch surface can
// be deployed and scaled independently.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telecom-platform/internal/agent"
	"telecom-platform/internal/audit"
	"telecom-platform/internal/backend"
	"telecom-platform/internal/callqueue"
	"telecom-platform/internal/config"
	"telecom-platform/internal/dispatcher"
	"telecom-platform/internal/ratelimit"
	"telecom-platform/internal/supervisor"
	"telecom-platform/internal/telephony"
	"telecom-platform/pkg/logger"
	"telecom-platform/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := callqueue.NewCachedStore(callqueue.NewRedisStore(rdb))
	limiter := ratelimit.NewRedisLimiter(rdb, "callqueue:ratelimit:dispatch", cfg.Engine.RateLimitPerSecond)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	provider := telephony.NewPlivoClient(telephony.PlivoConfig{
		AccountSID: cfg.Provider.AccountSID,
		AuthToken:  cfg.Provider.AuthToken,
		FromNumber: cfg.Provider.FromNumber,
		Timeout:    cfg.Engine.RequestTimeout,
	})
	agentClient := agent.NewHTTPClient(cfg.Agent.BaseURL, cfg.Engine.RequestTimeout)
	sink := backend.NewHTTPSink(cfg.Backend.SinkURL, cfg.Engine.RequestTimeout)

	sv := supervisor.New(store, provider, agentClient, sink, auditSvc, supervisor.Config{
		InitialStatusDelay:   cfg.Engine.InitialStatusDelay,
		StatusCheckInterval:  cfg.Engine.StatusCheckInterval,
		StuckCallDeadline:    cfg.Engine.StuckCallDeadline,
		MinConnectedSeconds:  cfg.Engine.MinConnectedSeconds,
		MaxConsecutiveErrors: cfg.Engine.MaxStatusRetries,
	}, log)

	d := dispatcher.New(store, limiter, sv.Run, sink, auditSvc, dispatcher.Config{
		Workers:            cfg.Engine.QueueWorkers,
		MaxConcurrentCalls: cfg.Engine.MaxConcurrentCalls,
		HardDeadline:       cfg.Engine.HardDeadline,
	}, log)

	go func() {
		ticker := time.NewTicker(cfg.Engine.TerminalRetentionWindow / 24)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.Engine.TerminalRetentionWindow)
				n, err := store.EvictTerminalBefore(rootCtx, cutoff)
				if err != nil {
					log.Error("dispatcher: terminal eviction failed", "err", err)
					continue
				}
				if n > 0 {
					log.Info("dispatcher: evicted terminal jobs", "count", n)
				}
			}
		}
	}()

	log.Info("dispatcher starting", "workers", cfg.Engine.QueueWorkers, "max_concurrent_calls", cfg.Engine.MaxConcurrentCalls)
	d.Run(rootCtx)
	log.Info("dispatcher stopped")
}
