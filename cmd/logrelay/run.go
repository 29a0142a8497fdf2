package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/logrelay/pkg/metrics"
	"github.com/ava-labs/logrelay/pkg/relay"
	"github.com/ava-labs/logrelay/pkg/utils"
)

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	// Diagnostics go to stderr, never into the relay: a delivery failure logged
	// through the relay would queue yet another record for the failing queue.
	sugar, err := utils.NewLogger(utils.LoggerConfig{Verbose: cfg.Verbose, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"backend", cfg.Backend,
		"queue", cfg.QueueName(),
		"format", cfg.Format,
		"input", cfg.Input,
		"name", cfg.Relay.Name,
		"level", cfg.Relay.Level,
		"globalExtra", cfg.Relay.GlobalExtra,
		"maxBatchSize", cfg.Relay.MaxBatchSize,
		"maxRetryAttempts", cfg.Relay.MaxRetryAttempts,
		"accumulateWait", cfg.Relay.AccumulateWait,
		"closeTimeout", cfg.CloseTimeout,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Relay:         cfg.Relay.Name,
		Queue:         cfg.QueueName(),
		Backend:       cfg.Backend,
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input, err := openInput(cfg.Input)
	if err != nil {
		return err
	}
	defer input.Close()

	be, err := newBackend(ctx, cfg, sugar, m)
	if err != nil {
		return fmt.Errorf("failed to create %s deliverer: %w", cfg.Backend, err)
	}
	defer be.close()

	dispatcher, err := relay.New(cfg.Relay, be.deliverer,
		relay.WithLogger(sugar.Named("relay")),
		relay.WithMetrics(m),
		relay.WithFormatter(newFormatter(cfg.Format)),
	)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, func() error {
		if dispatcher.Closed() {
			return relay.ErrClosed
		}
		return nil
	})
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}

	failuresDone := make(chan struct{})
	go func() {
		defer close(failuresDone)
		for f := range dispatcher.Failures() {
			sugar.Errorw("records lost", "size", f.Size, "attempts", f.Attempts, "error", f.Err)
		}
	}()

	// runCtx ends on a signal, on end of input, or on the first error.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	readDone := make(chan error, 1)
	go func() {
		n, err := pump(runCtx, input, cfg.Relay.Name, dispatcher.Emit)
		sugar.Infow("input finished", "lines", n)
		readDone <- err
	}()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-readDone:
			cancelRun()
			return err
		}
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		}
	})

	if be.fatal != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-be.fatal:
				if ok && err != nil {
					return fmt.Errorf("deliverer error: %w", err)
				}
				return nil
			}
		})
	}

	err = g.Wait()
	if err != nil {
		sugar.Errorw("relay stopping after error", "error", err)
	}

	sugar.Infow("closing relay", "pending", dispatcher.Pending())
	closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.CloseTimeout)
	defer cancelClose()
	if closeErr := dispatcher.Close(closeCtx); closeErr != nil {
		sugar.Warnw("relay closed with undelivered records", "error", closeErr)
	}
	<-failuresDone

	sugar.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown error", "error", shutdownErr)
	}

	sugar.Info("shutdown complete")
	return err
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, nil
}
