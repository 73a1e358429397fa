// Command orchestrator-worker is the ambient process entrypoint for the
// engine: it loads configuration the way cmd/mcp-server/main.go loads
// ServerConfig, wires a Store/Registry/Coordinator/Sweeper, and exposes
// serve/submit subcommands through a cobra CLI in the shape of cmd/cmd.go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	cc "github.com/ivanpirog/coloredcobra"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/taskflow-io/engine/pkg/config"
	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/infrastructure/persistence/store"
	"github.com/taskflow-io/engine/pkg/logger"
	"github.com/taskflow-io/engine/pkg/orchestration"
	"github.com/taskflow-io/engine/pkg/orchestration/coordinator"
	"github.com/taskflow-io/engine/pkg/orchestration/eventbus"
	"github.com/taskflow-io/engine/pkg/orchestration/executor"
	"github.com/taskflow-io/engine/pkg/orchestration/reenqueue"
	"github.com/taskflow-io/engine/pkg/orchestration/registry"
)

var (
	envFile   string
	verbose   bool
	taskInput string
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator-worker",
	Short: "Runs and drives the durable workflow orchestration engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file to load before reading environment variables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level console logging")

	submitCmd.Flags().StringVar(&taskInput, "context", "{}", "JSON context payload for the submitted task")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(inspectCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the reenqueue sweeper loop, picking up and driving tasks until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := bootstrap()
		if err != nil {
			return err
		}
		defer deps.Store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if deps.Config.MetricsEnabled {
			go serveMetrics(deps.Config.MetricsAddr, deps.Registry, deps.Logger)
		}

		logger.Infof("orchestrator-worker serving (store=%s, concurrency=%d)", deps.Config.StoreKind, deps.Config.Concurrency)
		deps.Sweeper.Run(ctx)
		logger.Info("orchestrator-worker stopped")
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submits one run of the sample pipeline task, runs its first coordinator pass, and prints the task id",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := bootstrap()
		if err != nil {
			return err
		}
		defer deps.Store.Close()

		if !json.Valid([]byte(taskInput)) {
			return fmt.Errorf("--context is not valid JSON: %q", taskInput)
		}

		ctx := context.Background()
		taskID, err := deps.Engine.Submit(ctx, orchestration.TaskRequest{
			Namespace: demoNamespace,
			Name:      demoTaskName,
			Context:   json.RawMessage(taskInput),
			Initiator: "orchestrator-worker submit",
			Reason:    "manual submission via CLI",
		})
		if err != nil {
			return err
		}

		logger.Infof("submitted task %s", taskID.String())
		fmt.Println(taskID.String())
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Prints the sample pipeline task's template as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskRegistry := registry.NewTaskRegistry()
		if err := registerDemoTask(taskRegistry, registry.New()); err != nil {
			return err
		}
		tmpl, err := mustBuild(taskRegistry)
		if err != nil {
			return err
		}
		out, err := tmpl.DescribeYAML()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// workerDeps is everything serve/submit need once configuration has been
// resolved and the store opened.
type workerDeps struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    store.Store
	Engine   *orchestration.Engine
	Sweeper  *reenqueue.Sweeper
	Registry *prometheus.Registry
}

// bootstrap loads configuration, opens the configured store, wires the
// registries/executor/coordinator/reenqueuer, registers the sample pipeline
// task, and returns everything a subcommand needs to run.
func bootstrap() (*workerDeps, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	slogLevel := slog.LevelInfo
	if verbose {
		slogLevel = slog.LevelDebug
	}
	slogger := logger.NewSlogLogger(logger.SlogConfig{
		Level:  slogLevel,
		Format: cfg.LogFormat,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if cfg.TracingEnabled {
		tp := trace.NewTracerProvider()
		otel.SetTracerProvider(tp)
	}

	taskRegistry := registry.NewTaskRegistry()
	handlerRegistry := registry.New()
	if err := registerDemoTask(taskRegistry, handlerRegistry); err != nil {
		return nil, fmt.Errorf("failed to register sample pipeline task: %w", err)
	}
	tmpl, err := mustBuild(taskRegistry)
	if err != nil {
		return nil, err
	}

	events := eventbus.New(slogger)
	reg := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		eventbus.NewPrometheusSink(reg).Register(events)
	}
	if cfg.TracingEnabled {
		eventbus.NewTracingSink(cfg.TracingInstrumentation).Register(events)
	}

	ex := executor.New(st, handlerRegistry.Resolve, slogger)
	ex.Concurrency = cfg.Concurrency
	ex.Events = events

	scheduler := reenqueue.NewStoreScheduler(st)
	scheduler.Events = events
	coord := coordinator.New(st, ex, demoStepConfigLookup(tmpl), scheduler, events, slogger)

	engine := orchestration.New(st, taskRegistry, events, coord, slogger)
	sweeper := reenqueue.NewSweeper(st, coord, slogger)
	sweeper.Interval = cfg.SweepInterval
	sweeper.BatchLimit = cfg.SweepBatchLimit
	sweeper.Events = events

	return &workerDeps{
		Config:   cfg,
		Logger:   slogger,
		Store:    st,
		Engine:   engine,
		Sweeper:  sweeper,
		Registry: reg,
	}, nil
}

func mustBuild(taskRegistry *registry.TaskRegistry) (task.TaskTemplate, error) {
	factory, err := taskRegistry.Lookup(demoNamespace, demoTaskName, demoVersion())
	if err != nil {
		return task.TaskTemplate{}, err
	}
	return factory.Build()
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreKind {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		return store.NewPostgresStore(pool), nil
	case "bbolt", "":
		return store.NewBboltStore(cfg.BboltPath)
	default:
		return nil, fmt.Errorf("unknown store kind %q (want \"postgres\" or \"bbolt\")", cfg.StoreKind)
	}
}

func serveMetrics(addr string, reg prometheus.Gatherer, slogger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	slogger.Info("serving metrics", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		slogger.Error("metrics server stopped", slog.String("error", err.Error()))
	}
}

func main() {
	cc.Init(&cc.Config{
		RootCmd:       rootCmd,
		Headings:      cc.Bold + cc.Underline,
		Commands:      cc.HiBlue + cc.Bold,
		CmdShortDescr: cc.Italic,
		ExecName:      cc.Bold,
		Flags:         cc.Bold,
	})
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
