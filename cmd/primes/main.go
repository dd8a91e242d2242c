package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/cowfork/internal/infrastructure/config"
	"github.com/GriffinCanCode/cowfork/internal/infrastructure/logging"
	"github.com/GriffinCanCode/cowfork/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/cowfork/internal/infrastructure/server"
	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/sieve"
)

type options struct {
	limit      int
	configPath string
	serve      bool
	dev        bool
}

func main() {
	var opts options
	flag.IntVar(&opts.limit, "n", 0, "Find primes up to n (overrides SIEVE_LIMIT)")
	flag.StringVar(&opts.configPath, "config", "", "YAML config file")
	flag.BoolVar(&opts.serve, "metrics", false, "Serve the inspection API and /metrics, and keep serving after the pipeline drains")
	flag.BoolVar(&opts.dev, "dev", false, "Development logging")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "primes: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if opts.limit != 0 {
		cfg.Sieve.Limit = opts.limit
	}
	if opts.serve {
		cfg.Server.Enabled = true
	}
	if opts.dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Output:      os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := monitoring.NewMetrics()
	k, err := kernel.New(kernel.Config{
		MaxEnvs:        cfg.Kernel.MaxEnvs,
		PhysPages:      cfg.Kernel.PhysPages,
		MaxExitRecords: cfg.Kernel.MaxExitRecords,
		Console:        stdout,
	}, logger)
	if err != nil {
		return err
	}
	k.WithMetrics(metrics)
	defer k.Shutdown()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		srv := server.New(cfg, k, metrics, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		rec := sieve.NewRecorder()
		if _, err := sieve.Start(k, uint32(cfg.Sieve.Limit), rec); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(gctx, cfg.Sieve.Timeout)
		defer cancel()
		if err := k.Wait(waitCtx); err != nil {
			k.Shutdown()
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				return fmt.Errorf("pipeline did not drain within %s", cfg.Sieve.Timeout)
			case ctx.Err() != nil:
				logger.Info("interrupted")
				return nil
			}
			return err
		}

		stats := k.Stats()
		logger.Info("pipeline drained",
			zap.Int("primes", len(rec.Primes())),
			zap.Int("max_live", stats.MaxLive),
			zap.Uint64("forks", stats.Forks),
			zap.Uint64("faults", stats.Faults),
		)
		return nil
	})

	return g.Wait()
}
