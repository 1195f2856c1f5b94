// Spins up the levelbag server: a priority bag of tasks served over the Redis protocol.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/levelbag/pkg/config"
	"github.com/nobletooth/levelbag/pkg/port"
	"github.com/nobletooth/levelbag/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	metricsAddress = flag.String("metrics_address", ":9090",
		"The ip:port serving Prometheus metrics on /metrics; empty disables it.")
	migrateInterval = flag.Duration("migrate_interval", 0,
		"Period of background buffer migrations on top of the per-insert ones; 0 disables them.")
	migrateRounds = flag.Int("migrate_rounds", 1, "Migration rounds run by each background migration.")
)

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Levelbag build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tasks, err := port.NewTaskBag()
	if err != nil {
		slog.Error("Failed to create the task bag.", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return port.RunRedisServer(groupCtx, tasks) })
	group.Go(func() error { return runMetricsServer(groupCtx, *metricsAddress) })
	group.Go(func() error { return runMigrations(groupCtx, tasks, *migrateInterval, *migrateRounds) })

	if err := group.Wait(); err != nil {
		slog.Error("Levelbag server stopped.", "error", err)
		os.Exit(1)
	}
	slog.Info("Levelbag server stopped.", "uptime", utils.Uptime())
}

// runMetricsServer serves the default Prometheus registry until `ctx` is cancelled.
func runMetricsServer(ctx context.Context, address string) error {
	if address == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	serverErrSignal := make(chan error, 1)
	go func() {
		slog.Info("Serving metrics.", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}
		return nil
	case err, ok := <-serverErrSignal:
		if !ok {
			return nil
		}
		return fmt.Errorf("metrics server stopped unexpectedly: %w", err)
	}
}

// runMigrations moves buffered tasks into the bag every `interval` until `ctx` is cancelled.
func runMigrations(ctx context.Context, tasks *port.TaskBag, interval time.Duration, rounds int) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if migrated := tasks.Migrate(max(rounds, 1)); migrated > 0 {
				slog.Debug("Migrated buffered tasks.", "migrated", migrated, "buffered", tasks.BufferSize())
			}
		}
	}
}
