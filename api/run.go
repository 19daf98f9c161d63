// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"suprema/gateway/ratelimit"
	"suprema/gateway/shared/logger"
)

const (
	auditQueueSize    = 1000
	auditQueueWorkers = 2
)

// Run boots the gateway and blocks until SIGINT or SIGTERM.
func Run() error {
	cfg := LoadConfig()
	log := logger.New("gateway")

	users, err := LoadUsers(cfg.UsersFile)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	sessions := NewSessionRegistry(users)

	if cfg.PolicyDSN == "" {
		return fmt.Errorf("POLICY_DATABASE_URL is required")
	}
	policies, err := ratelimit.OpenPolicyStore(cfg.PolicyDSN)
	if err != nil {
		return fmt.Errorf("failed to open policy store: %w", err)
	}
	defer func() { _ = policies.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = policies.InitSchema(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to initialise policy schema: %w", err)
	}

	counters, err := ratelimit.NewRedisCounterStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = counters.Close() }()

	audit := ratelimit.NewAuditQueue(policies, auditQueueSize, auditQueueWorkers)
	engine := ratelimit.NewEngine(policies, counters, audit, ratelimit.Config{
		Fallback:      cfg.Fallback,
		EventSampling: cfg.EventSampling,
		DegradedMode:  cfg.DegradedMode,
	})

	if cfg.DataDSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	data, err := OpenDataStore(cfg.DataDSN, cfg.DBConnTimeout)
	if err != nil {
		return fmt.Errorf("failed to open data store: %w", err)
	}
	defer func() { _ = data.Close() }()

	server := NewServer(cfg, sessions, engine, data)
	server.SetAuditStats(audit.Stats)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.HTTPTimeout,
		WriteTimeout: cfg.HTTPTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "gateway listening", map[string]interface{}{"port": cfg.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		log.Info("", "", "shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("", "", "http shutdown did not complete cleanly",
			map[string]interface{}{"error": err.Error()})
	}
	if err := audit.Shutdown(shutdownCtx); err != nil {
		log.Warn("", "", "audit queue drain did not complete",
			map[string]interface{}{"error": err.Error()})
	}
	return nil
}
