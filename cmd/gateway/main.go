// Command gateway runs the blockchain JSON-RPC gateway: it wires together
// configuration, Redis, the circuit breaker, the config store, the guard
// block list, the rate limiter and monthly quota enforcer, the request
// pipeline and the HTTP/WebSocket handler tree, then serves until an
// interrupt or SIGTERM is received.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sprintgateway/rpc-gateway/internal/auditstore"
	"github.com/sprintgateway/rpc-gateway/internal/circuitbreaker"
	"github.com/sprintgateway/rpc-gateway/internal/config"
	"github.com/sprintgateway/rpc-gateway/internal/configstore"
	"github.com/sprintgateway/rpc-gateway/internal/guard"
	"github.com/sprintgateway/rpc-gateway/internal/pipeline"
	"github.com/sprintgateway/rpc-gateway/internal/quota"
	"github.com/sprintgateway/rpc-gateway/internal/ratelimit"
	"github.com/sprintgateway/rpc-gateway/internal/rdb"
	"github.com/sprintgateway/rpc-gateway/internal/server"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()

	redisClient, err := rdb.New(rdb.Config{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		DialTimeout:  cfg.RedisDialTimeout,
		CallTimeout:  cfg.RedisCallTimeout,
		IdleTimeout:  cfg.RedisIdleTimeout,
	})
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	breaker := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.CBFailureThreshold,
		FailureWindow:    cfg.CBFailureWindow,
		SuccessThreshold: cfg.CBSuccessThreshold,
		Timeout:          cfg.CBTimeout,
		HalfOpenMaxCalls: cfg.CBHalfOpenMaxCalls,
	}, logger)

	cstore, err := configstore.New(logger, 0)
	if err != nil {
		logger.Fatal("failed to build config store", zap.Error(err))
	}

	g := guard.New(guard.Config{
		BlockedIPs:       cfg.GuardBlockedIPs,
		BlockedConsumers: cfg.GuardBlockedConsumers,
		BlockedMethods:   cfg.GuardBlockedMethods,
		BlockMessage:     cfg.GuardBlockMessage,
		Enabled:          cfg.GuardEnabled,
	})

	limiter := ratelimit.New(redisClient, breaker, cfg.RateLimitWindow, logger)
	enforcer := quota.New(redisClient, breaker, logger)

	audit, err := auditstore.New(auditstore.Config{
		Type: cfg.DatabaseType,
		URL: func() string {
			if cfg.EnablePersistence {
				return cfg.DatabaseURL
			}
			return ""
		}(),
	}, logger)
	if err != nil {
		logger.Fatal("failed to open audit store", zap.Error(err))
	}
	if audit != nil {
		defer audit.Close()
	}

	pl := pipeline.New(logger)

	srv := server.New(server.Deps{
		Config:      &cfg,
		Pipeline:    pl,
		ConfigStore: cstore,
		Guard:       g,
		Breaker:     breaker,
		RateLimiter: limiter,
		Quota:       enforcer,
		Audit:       audit,
		Redis:       redisClient,
		Logger:      logger,
	})

	apiAddr := joinHostPort(cfg.APIHost, cfg.APIPort)
	apiServer := &http.Server{
		Addr:         apiAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.APIReadTimeout,
		WriteTimeout: cfg.APIWriteTimeout,
		IdleTimeout:  cfg.APIIdleTimeout,
	}

	adminAddr := joinHostPort(cfg.APIHost, cfg.AdminPort)
	adminServer := &http.Server{
		Addr:    adminAddr,
		Handler: srv.AdminHandler(),
	}

	go func() {
		logger.Info("gateway API listening", zap.String("addr", apiAddr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("gateway admin listening", zap.String("addr", adminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()

	if cfg.EnablePrometheus {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := joinHostPort(cfg.APIHost, cfg.PrometheusPort)
			logger.Info("prometheus metrics listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn("api server shutdown error", zap.Error(err))
	}
	if err := adminServer.Shutdown(ctx); err != nil {
		logger.Warn("admin server shutdown error", zap.Error(err))
	}

	logger.Info("gateway stopped")
}

func joinHostPort(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return host + ":" + strconv.Itoa(port)
}
