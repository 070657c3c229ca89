package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/inkworks/pressroom/internal/agent"
	"github.com/inkworks/pressroom/internal/bus"
	"github.com/inkworks/pressroom/internal/config"
	"github.com/inkworks/pressroom/internal/memstore"
	otelPkg "github.com/inkworks/pressroom/internal/otel"
	"github.com/inkworks/pressroom/internal/persistence"
	"github.com/inkworks/pressroom/internal/queue"
	"github.com/inkworks/pressroom/internal/resolver"
	"github.com/inkworks/pressroom/internal/scheduler"
	"github.com/inkworks/pressroom/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s run <topic> [options]    Run the content pipeline once for a topic
                              Options: --style <guide>, --length <words>,
                                       --quiet
  %s serve                    Start the daemon: scheduled runs, config
                              reload, role runners
  %s status [run-id]          Show archived runs, or one run with its
                              event log
                              Flags: -limit <n>, -json

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PRESSROOM_HOME           Data directory (default: ~/.pressroom)
  PRESSROOM_LOG_LEVEL      Log level override (debug|info|warn|error)
  PRESSROOM_OTEL_EXPORTER  Telemetry exporter (otlp-http|stdout|none)

EXAMPLES:
  One pipeline run:       %s run "state of solar storage"
  Daemon with schedules:  %s serve
  Recent runs:            %s status
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "run":
		os.Exit(runRunCommand(ctx, args[1:]))
	case "serve":
		os.Exit(runServeCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// runtime is the assembled pipeline substrate shared by the run and serve
// subcommands: queue, memory tiers, resolver, scheduler, and role runners.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	provider *otelPkg.Provider
	metrics  *otelPkg.Metrics
	events   *bus.Bus
	store    *persistence.Store
	mem      *memstore.Store
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	runners  []*agent.Runner
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		return nil, fmt.Errorf("otel init: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		provider.Shutdown(ctx)
		return nil, fmt.Errorf("metrics init: %w", err)
	}

	store, err := persistence.Open(ctx, filepath.Join(cfg.HomeDir, "pressroom.db"))
	if err != nil {
		provider.Shutdown(ctx)
		return nil, fmt.Errorf("store open: %w", err)
	}

	events := bus.New()
	mem := memstore.New(
		memstore.WithCapacity(cfg.Memory.Capacity),
		memstore.WithTTL(cfg.Memory.TTL()),
		memstore.WithLongTerm(store),
	)
	q := queue.New(
		queue.WithCapacity(cfg.Queue.Capacity),
		queue.WithLease(cfg.Queue.Lease()),
	)

	mergeFn, err := resolver.StrategyFor(cfg.Pipeline.MergeStrategy, mem)
	if err != nil {
		store.Close()
		provider.Shutdown(ctx)
		return nil, fmt.Errorf("merge strategy: %w", err)
	}
	res := resolver.New(cfg.Pipeline.Priorities, mem,
		resolver.WithMerge(mergeFn),
		resolver.WithEvents(events),
	)

	sched, err := scheduler.New(q, mem, res, logger,
		scheduler.WithPlan(planFromConfig(cfg.Pipeline.Stages)),
		scheduler.WithMaxAttempts(cfg.Pipeline.MaxAttempts),
		scheduler.WithFailureThreshold(cfg.Pipeline.FailureThreshold),
		scheduler.WithEvents(events),
		scheduler.WithArchive(store),
		scheduler.WithTelemetry(provider.Tracer, metrics),
	)
	if err != nil {
		store.Close()
		provider.Shutdown(ctx)
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	runners, err := buildRunners(cfg, q, mem, logger)
	if err != nil {
		store.Close()
		provider.Shutdown(ctx)
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		metrics:  metrics,
		events:   events,
		store:    store,
		mem:      mem,
		queue:    q,
		sched:    sched,
		runners:  runners,
	}, nil
}

// start launches one runner per built-in role.
func (rt *runtime) start(ctx context.Context) {
	for _, r := range rt.runners {
		r.Start(ctx)
	}
}

// close stops runners, then releases the store and telemetry provider.
func (rt *runtime) close(ctx context.Context) {
	for _, r := range rt.runners {
		r.Stop()
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store close", "error", err)
	}
	if err := rt.provider.Shutdown(ctx); err != nil {
		rt.logger.Warn("otel shutdown", "error", err)
	}
}

func buildRunners(cfg config.Config, q *queue.Queue, mem *memstore.Store, logger *slog.Logger) ([]*agent.Runner, error) {
	schemas := make(map[string]string, len(cfg.Schemas))
	for _, rs := range cfg.Schemas {
		schemas[rs.Role] = rs.Schema
	}
	adapters := agent.BuiltinAdapters()
	runners := make([]*agent.Runner, 0, len(adapters))
	for _, ad := range adapters {
		var opts []agent.RunnerOption
		if schema, ok := schemas[ad.Role()]; ok {
			v, err := agent.NewResultValidator(json.RawMessage(schema))
			if err != nil {
				return nil, fmt.Errorf("schema for role %s: %w", ad.Role(), err)
			}
			opts = append(opts, agent.WithValidator(v))
		}
		runners = append(runners, agent.NewRunner(ad, q, mem, logger, opts...))
	}
	return runners, nil
}

func planFromConfig(stages []config.StageConfig) scheduler.Plan {
	specs := make([]scheduler.StageSpec, 0, len(stages))
	for _, sc := range stages {
		specs = append(specs, scheduler.StageSpec{
			Stage:    scheduler.Stage(sc.Name),
			Roles:    sc.Roles,
			Subjects: sc.Subjects,
			Deadline: sc.Deadline(),
		})
	}
	return scheduler.Plan{Stages: specs}
}

// loadConfig loads config.yaml, writing the starter file first when the home
// directory is fresh.
func loadConfig(logger *slog.Logger) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if cfg.NeedsGenesis {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			return config.Config{}, fmt.Errorf("write starter config: %w", err)
		}
		if logger != nil {
			logger.Info("starter config.yaml written", "home", cfg.HomeDir)
		}
		cfg, err = config.Load()
		if err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func fatalStartup(logger *slog.Logger, step string, err error) int {
	if logger != nil {
		logger.Error("startup failure", "step", step, "error", err)
	}
	fmt.Fprintf(os.Stderr, "pressroom: %s: %v\n", step, err)
	return 1
}

// newLogger builds the file-backed structured logger; quiet keeps stdout
// clean for subcommand output.
func newLogger(cfg config.Config, quiet bool) (*slog.Logger, func(), error) {
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, func() { closer.Close() }, nil
}
