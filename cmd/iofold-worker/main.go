// Command iofold-worker runs the job pipeline worker: it consumes job
// messages from the queue, executes them, and serves the REST API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/iofold/iofold/pkg/api"
	"github.com/iofold/iofold/pkg/bus"
	"github.com/iofold/iofold/pkg/config"
	"github.com/iofold/iofold/pkg/handler"
	"github.com/iofold/iofold/pkg/importer"
	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/logging"
	"github.com/iofold/iofold/pkg/pipeline"
	"github.com/iofold/iofold/pkg/provider"
	"github.com/iofold/iofold/pkg/push"
	"github.com/iofold/iofold/pkg/queue"
	"github.com/iofold/iofold/pkg/sandbox"
	"github.com/iofold/iofold/pkg/storage"
)

// Version information - set via ldflags during build
var (
	version = "1.0.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "iofold.yaml", "path to the worker configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("iofold-worker %s (%s)\n", version, commit)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "iofold-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	workerID := ulid.Make().String()
	logger, err := logging.NewLogger(cfg.LogDir, workerID)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	messageBus, err := newBus(cfg)
	if err != nil {
		return err
	}
	defer messageBus.Close()
	taskQueue := messageBus.Queue(cfg.Queue.Name)

	publisher := push.NewPublisher(messageBus, logger)
	defer publisher.Stop()
	store.AddObserver(publisher)

	manager := job.NewManager(store, logger)
	manager.SetNotifier(publisher)

	generator := provider.NewClient(provider.Options{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Model:       cfg.Provider.Model,
		Timeout:     cfg.Provider.Timeout,
		RateLimit:   cfg.Provider.RateLimit,
		MaxRetries:  cfg.Provider.MaxRetries,
		MaxParallel: cfg.Provider.MaxParallel,
		Logger:      logger,
	})

	runner, err := sandbox.New(sandbox.Config{
		Interpreter: strings.Fields(cfg.Sandbox.Command),
		Timeout:     cfg.Sandbox.Timeout,
		MaxOutput:   cfg.Sandbox.MaxOutput,
	})
	if err != nil {
		return fmt.Errorf("init sandbox: %w", err)
	}
	defer runner.Close()

	pipe := pipeline.New(store, generator, runner, logger, pipeline.Options{
		CandidateCount:    cfg.Pipeline.CandidateCount,
		MaxSandboxRuns:    cfg.Pipeline.MaxSandboxRuns,
		MinLabeledPerSide: cfg.Pipeline.MinLabeledPerSide,
	})

	sources, err := traceSources(cfg)
	if err != nil {
		return err
	}

	dispatcher := handler.NewDispatcher(store, manager, pipe, runner, taskQueue, sources, logger, handler.Options{
		MonitorThreshold: cfg.Pipeline.MonitorThreshold,
	})
	consumer := queue.NewConsumer(taskQueue, manager, store, dispatcher, logger, queue.Options{
		BatchSize:   cfg.Queue.BatchSize,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := consumer.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	if cfg.API.Enabled {
		server := api.NewServer(store, manager, taskQueue, logger, api.Config{Bind: cfg.API.Bind})
		g.Go(func() error {
			return server.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info(logging.CategoryJob, "worker_started", "", map[string]any{
		"worker_id": workerID,
		"version":   version,
		"bus":       cfg.Bus.Kind,
		"queue":     cfg.Queue.Name,
	})
	return g.Wait()
}

func newBus(cfg *config.Config) (bus.MessageBus, error) {
	switch cfg.Bus.Kind {
	case "memory":
		return bus.NewMemoryBus(), nil
	case "nats":
		b, err := bus.NewNATSBus(bus.Config{
			URL:  cfg.Bus.URL,
			Name: cfg.Bus.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
}

func traceSources(cfg *config.Config) (map[string]handler.TraceSource, error) {
	sources := make(map[string]handler.TraceSource, len(cfg.Integrations))
	for _, integration := range cfg.Integrations {
		source, err := importer.NewHTTPSource(importer.Options{
			BaseURL: integration.BaseURL,
			APIKey:  integration.APIKey,
			Timeout: integration.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("integration %s: %w", integration.Name, err)
		}
		sources[integration.Name] = source
	}
	return sources, nil
}
