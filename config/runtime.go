package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dshills/draftgraph/graph"
	"github.com/dshills/draftgraph/graph/model"
	"github.com/dshills/draftgraph/graph/model/anthropic"
	"github.com/dshills/draftgraph/graph/model/google"
	"github.com/dshills/draftgraph/graph/model/openai"
	"github.com/dshills/draftgraph/graph/nodes"
	"github.com/dshills/draftgraph/graph/store"
	"github.com/dshills/draftgraph/graph/tool"
)

// OpenStore opens the configured store adapter. The caller closes it.
func (c *Config) OpenStore(logger *zap.Logger) (store.KV, error) {
	switch c.Store.Kind {
	case "memory":
		return store.NewMemKV(), nil
	case "badger":
		cfg := store.DefaultBadgerConfig(c.Store.Path)
		if logger != nil {
			cfg.Logger = logger.Named("badger")
		}
		return store.NewBadgerKV(cfg)
	case "sqlite":
		return store.NewSQLiteKV(c.Store.Path)
	case "mysql":
		return store.NewMySQLKV(c.Store.DSN)
	}
	return nil, fmt.Errorf("unknown store kind %q", c.Store.Kind)
}

// ChatModel builds the configured model. A non-nil tracker records the cost
// of every successful call.
func (c *Config) ChatModel(tracker *model.CostTracker) (model.ChatModel, error) {
	var (
		m    model.ChatModel
		name string
	)
	switch c.Model.Provider {
	case "mock":
		return Offline(), nil
	case "anthropic", "openai", "google":
		key := os.Getenv(c.Model.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("model provider %s: environment variable %s is not set", c.Model.Provider, c.Model.APIKeyEnv)
		}
		switch c.Model.Provider {
		case "anthropic":
			cm := anthropic.NewChatModel(key, c.Model.Name)
			m, name = cm, cm.ModelName()
		case "openai":
			cm := openai.NewChatModel(key, c.Model.Name)
			m, name = cm, cm.ModelName()
		default:
			cm := google.NewChatModel(key, c.Model.Name)
			m, name = cm, cm.ModelName()
		}
	default:
		return nil, fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if tracker != nil {
		return model.Meter(m, name, tracker), nil
	}
	return m, nil
}

// Handlers builds the node handlers over m with the configured tools.
func (c *Config) Handlers(m model.ChatModel, logger *zap.Logger) graph.Handlers {
	opts := []nodes.Option{
		nodes.WithMaxSections(c.Model.MaxSections),
		nodes.WithToolRounds(c.Model.ToolRounds),
	}
	if logger != nil {
		opts = append(opts, nodes.WithLogger(logger.Named("nodes")))
	}
	if f := c.Tools.Fetch; f.Enabled {
		var fopts []tool.FetchOption
		if len(f.AllowedHosts) > 0 {
			fopts = append(fopts, tool.WithAllowedHosts(f.AllowedHosts...))
		}
		if f.MaxBytes > 0 {
			fopts = append(fopts, tool.WithMaxBytes(f.MaxBytes))
		}
		opts = append(opts, nodes.WithTools(tool.NewFetchTool(fopts...)))
	}
	return nodes.New(m, opts...)
}

// Executor builds the configured backend over kv. Provider failures
// classified as transient by model.IsRetryable are retried. extra options
// are applied last.
func (c *Config) Executor(kv store.KV, handlers graph.Handlers, extra ...graph.Option) (graph.Executor, error) {
	backend, err := graph.ParseBackend(c.Backend)
	if err != nil {
		return nil, err
	}
	opts := []graph.Option{
		graph.WithStore(kv),
		graph.WithHandlers(handlers),
		graph.WithMaxConcurrent(c.Engine.MaxConcurrent),
		graph.WithMaxSteps(c.Engine.MaxSteps),
		graph.WithNodeTimeout(c.Engine.NodeTimeout),
		graph.WithDrainTimeout(c.Engine.DrainTimeout),
		graph.WithRetryPolicy(graph.RetryPolicy{
			MaxAttempts: c.Engine.Retry.MaxAttempts,
			BaseDelay:   c.Engine.Retry.BaseDelay,
			MaxDelay:    c.Engine.Retry.MaxDelay,
			Retryable:   model.IsRetryable,
		}),
	}
	return graph.New(backend, append(opts, extra...)...)
}
