package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/draftgraph/config"
	"github.com/dshills/draftgraph/graph"
	"github.com/dshills/draftgraph/graph/emit"
	"github.com/dshills/draftgraph/graph/model"
	"github.com/dshills/draftgraph/graph/store"
	"github.com/dshills/draftgraph/log"
)

const shutdownTimeout = 5 * time.Second

// app holds what every subcommand shares: configuration, logger and the
// open store. Subcommands that run contracts also start telemetry.
type app struct {
	configPath string
	logLevel   string
	sessionID  string

	cfg     config.Config
	logger  *log.Logger
	kv      store.KV
	closers []func(context.Context) error
}

// noStore marks commands that never touch the store.
const noStore = "draftgraph/no-store"

// execute runs the command line in args and always releases what setup
// opened, including after a failed command.
func execute(ctx context.Context, args []string, out io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "draftgraph",
		Short:         "Run long-form document generation contracts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Annotations[noStore] == "")
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "configuration file (default: built-in defaults)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVarP(&a.sessionID, "session", "s", "default", "session id")

	root.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newApproveCmd(a),
		newReplayCmd(a),
		newRunsCmd(a),
		newCheckpointsCmd(a),
		newContractCmd(a),
	)
	return root
}

func (a *app) setup(openStore bool) error {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return err
		}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg

	logger, err := log.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.logger = logger
	if !openStore {
		return nil
	}

	kv, err := cfg.OpenStore(logger.Logger)
	if err != nil {
		return err
	}
	a.kv = kv
	a.onClose(func(context.Context) error { return kv.Close() })
	return nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// teardown runs the closers in reverse order.
func (a *app) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}

// executor builds an executor with telemetry. withModel binds the node
// handlers; approving a gate needs no model.
func (a *app) executor(tracker *model.CostTracker, withModel bool) (graph.Executor, error) {
	logEmitter := emit.NewLogEmitter(a.logger.Logger, a.cfg.Log.Level == log.LevelDebug)
	opts := []graph.Option{
		graph.WithLogger(a.logger.Logger),
		graph.WithEmitter(logEmitter),
		graph.WithProgressSink(logEmitter),
	}

	if a.cfg.Metrics.Enabled {
		metrics, err := a.serveMetrics()
		if err != nil {
			return nil, err
		}
		opts = append(opts, graph.WithMetrics(metrics))
	}
	if a.cfg.Tracing.Enabled {
		tracer, err := a.tracer()
		if err != nil {
			return nil, err
		}
		opts = append(opts, graph.WithTracer(tracer))
	}

	var handlers graph.Handlers
	if withModel {
		m, err := a.cfg.ChatModel(tracker)
		if err != nil {
			return nil, err
		}
		handlers = a.cfg.Handlers(m, a.logger.Logger)
	}
	exec, err := a.cfg.Executor(a.kv, handlers, opts...)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("executor ready",
		zap.String("backend", string(exec.Backend())),
		zap.String("store", a.cfg.Store.Kind),
		zap.String("provider", a.cfg.Model.Provider))
	return exec, nil
}
