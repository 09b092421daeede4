package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itsneelabh/redfault"
)

func main() {
	cfg, err := redfault.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "redfault: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger()

	store := redfault.NewMemStore()
	store.SetLogger(logger)

	if cfg.FaultPlanPath != "" {
		n, err := redfault.LoadFaultPlan(cfg.FaultPlanPath, store)
		if err != nil {
			logger.Error("Failed to load seed fault plan", map[string]interface{}{
				"path":  cfg.FaultPlanPath,
				"error": err.Error(),
			})
			os.Exit(1)
		}
		logger.Info("Seed fault plan loaded", map[string]interface{}{
			"path":   cfg.FaultPlanPath,
			"faults": n,
		})
	}

	upstream, err := redfault.NewUpstream(cfg.Upstream, logger)
	if err != nil {
		logger.Error("Invalid upstream configuration", map[string]interface{}{
			"address": cfg.Upstream.Address,
			"error":   err.Error(),
		})
		os.Exit(1)
	}

	// Preflight: warn (not fail) when upstream is unreachable, so the proxy
	// can start ahead of the Redis server it fronts.
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := upstream.Ping(pingCtx); err != nil {
		logger.Warn("Redis upstream not reachable", map[string]interface{}{
			"upstream": upstream.String(),
			"error":    err.Error(),
		})
	} else {
		logger.Info("Redis upstream reachable", map[string]interface{}{
			"upstream": upstream.String(),
		})
	}
	cancelPing()

	faulter := redfault.NewFaulter(store, logger)
	proxy := redfault.NewProxy(cfg.Proxy, upstream, faulter, logger)
	server := redfault.NewFaultServer(cfg.Server, store, logger)

	if err := proxy.Listen(); err != nil {
		logger.Error("Proxy bind failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if err := server.Listen(); err != nil {
		logger.Error("Fault config server bind failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	errc := make(chan error, 2)
	go func() { errc <- proxy.Serve() }()
	go func() { errc <- server.Serve() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-errc:
		if err != nil {
			logger.Error("Listener failed", map[string]interface{}{"error": err.Error()})
			exitCode = 1
		}
	case sig := <-stop:
		logger.Info("Shutdown signal received", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Fault config server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Sessions did not drain within the grace period", map[string]interface{}{"error": err.Error()})
	}

	os.Exit(exitCode)
}
