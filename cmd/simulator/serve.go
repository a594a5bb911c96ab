package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coder/llmsimulator/internal/audit"
	"github.com/coder/llmsimulator/internal/chaosadmin"
	"github.com/coder/llmsimulator/internal/config"
	"github.com/coder/llmsimulator/internal/dispatch"
	"github.com/coder/llmsimulator/internal/engine/chaos"
	"github.com/coder/llmsimulator/internal/metrics"
	"github.com/coder/llmsimulator/internal/transport"
	"github.com/coder/llmsimulator/pkg/logging"
)

func newServeCmd() *cobra.Command {
	var logFormat string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulator HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe(logFormat)
		},
	}
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log format: json or text")
	return cmd
}

// runServe follows the teacher's cmd/chatserver/main.go sequence: logger
// first, configuration next, then an HTTP server shut down gracefully on
// SIGINT/SIGTERM, draining in-flight requests before exiting.
func runServe(logFormat string) {
	log := logging.New(logging.Format(logFormat), slog.LevelInfo)
	log.Info("starting llmsimulator")

	root, err := config.Load(configPath)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(exitInvalidConfig)
	}

	reg, err := config.BuildRegistry(root)
	if err != nil {
		log.Error("invalid model registry", "error", err)
		os.Exit(exitInvalidConfig)
	}
	profiles, err := config.BuildLatencyProfiles(root)
	if err != nil {
		log.Error("invalid latency profiles", "error", err)
		os.Exit(exitInvalidConfig)
	}
	rules, err := config.BuildChaosRules(root)
	if err != nil {
		log.Error("invalid chaos rules", "error", err)
		os.Exit(exitInvalidConfig)
	}

	decider := chaos.NewDecider(rules, root.Chaos.GlobalProbability, config.BuildBreakerConfig(root), config.BuildBreakerScope(root))
	estimators := config.BuildEstimators()

	dispatchCfg := dispatch.Config{
		Seed:              root.Seed,
		LatencyMultiplier: config.EffectiveLatencyMultiplier(root),
		KeepAliveInterval: 15 * time.Second,
	}
	d := dispatch.New(reg, decider, profiles, estimators, dispatchCfg)

	metricsReg := metrics.New()

	var trail *audit.Trail
	if root.Audit.Enabled {
		trail, err = audit.Open(root.Audit.DBPath, log)
		if err != nil {
			log.Error("failed to open audit trail", "error", err)
			os.Exit(exitInternalUnrecover)
		}
		defer trail.Close()
	} else {
		trail, err = audit.Open(":memory:", log)
		if err != nil {
			log.Error("failed to open in-memory audit trail", "error", err)
			os.Exit(exitInternalUnrecover)
		}
		defer trail.Close()
	}

	broadcaster := chaosadmin.New(root.Chaos.RedisAddr, root.Chaos.RedisChannel, decider, log)
	defer broadcaster.Close()
	listenCtx, stopListening := context.WithCancel(context.Background())
	defer stopListening()
	go broadcaster.Listen(listenCtx)

	limiter := config.BuildRateLimiter(root)
	defer limiter.Close()

	server := transport.New(d, metricsReg, trail, limiter, root.Server.MaxConcurrentRequests, root.Server.RequestTimeout)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", root.Server.Host, root.Server.Port),
		Handler: server.Router(metricsReg.Handler()),
		// request_timeout is enforced as a context.WithTimeout on the
		// dispatch path (transport.requestTimeoutMiddleware), which lets
		// the scheduler emit an in-band vendor error frame before the
		// handler returns. WriteTimeout must stay unset here: it closes the
		// TCP connection out from under an in-progress SSE write the
		// instant the deadline passes, severing streams with no frame at
		// all. ReadTimeout only bounds header+body reads, so it can keep
		// reusing request_timeout.
		ReadTimeout: root.Server.RequestTimeout,
		IdleTimeout: 120 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "address", httpServer.Addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed to bind or serve", "error", err)
			os.Exit(exitBindFailure)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig.String())
		server.SetDraining(true)

		ctx, cancel := context.WithTimeout(context.Background(), root.Server.ShutdownDrainTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("graceful shutdown failed, forcing close", "error", err)
			if err := httpServer.Close(); err != nil {
				log.Error("force close failed", "error", err)
				os.Exit(exitInternalUnrecover)
			}
		}
		log.Info("server stopped cleanly")
	}

	os.Exit(exitOK)
}
