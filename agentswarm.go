// Package agentswarm provides a high-level façade over the orchestration
// engine, the tool session manager and the model adapters. Most applications
// interact with this package by:
//  1. Resolving a config.Settings value into a validated configuration
//  2. Creating a Swarm via New() with their agent definitions
//  3. Driving conversations turn by turn via ProcessTurn
//
// The façade opens every configured tool server, discovers its capabilities,
// validates the agent definitions against the discovered tool set, builds one
// model adapter per configured provider and delegates turn processing to
// engine.Engine. Close releases the tool server processes.
package agentswarm

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentswarm/agent"
	"github.com/hupe1980/agentswarm/config"
	"github.com/hupe1980/agentswarm/core"
	"github.com/hupe1980/agentswarm/engine"
	"github.com/hupe1980/agentswarm/logging"
	"github.com/hupe1980/agentswarm/mcp"
	"github.com/hupe1980/agentswarm/model"
	"github.com/hupe1980/agentswarm/model/anthropic"
	"github.com/hupe1980/agentswarm/model/openai"
)

// Options configures a Swarm instance.
type Options struct {
	// EntryAgent receives turns whose context variables name no active agent.
	// Defaults to the first definition.
	EntryAgent string
	// Engine tuning knobs, passed through to engine.New.
	MaxIterations    int
	MaxRetries       int
	MaxParallelTools int
	// Models overrides or supplements the providers built from configuration,
	// keyed by provider name. Useful for injecting mocks.
	Models map[string]model.Model
	// Logger defaults to the standard JSON logger.
	Logger *logging.SwarmLogger
}

// Swarm is the high-level façade aggregating the engine, the tool session
// manager and the validated agent registry.
type Swarm struct {
	engine   *engine.Engine
	manager  *mcp.Manager
	registry *agent.Registry
	logger   *logging.SwarmLogger
}

// New wires a Swarm from a resolved configuration and agent definitions. It
// starts every configured tool server eagerly so that definition validation
// can run against the full discovered tool set; failure to start any server
// fails construction.
func New(ctx context.Context, cfg *config.Config, defs []agent.Definition, optFns ...func(o *Options)) (*Swarm, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(nil)
	}
	if opts.EntryAgent == "" && len(defs) > 0 {
		opts.EntryAgent = defs[0].Name
	}

	manager := mcp.NewManager(cfg.ToolServers, func(o *mcp.ManagerOptions) {
		o.Logger = opts.Logger.WithComponent("mcp")
	})
	if err := manager.OpenAll(ctx); err != nil {
		_ = manager.CloseAll()
		return nil, err
	}

	registry, err := agent.NewRegistry(defs, manager.Tools())
	if err != nil {
		_ = manager.CloseAll()
		return nil, err
	}

	models := make(map[string]model.Model, len(cfg.Providers))
	for name, provider := range cfg.Providers {
		mdl, err := buildModel(provider)
		if err != nil {
			_ = manager.CloseAll()
			return nil, err
		}
		opts.Logger.Info("model.provider.configured name=%s kind=%s model=%s api_key=%s",
			name, provider.Kind, provider.Model, config.Redact(provider.APIKey))
		models[name] = mdl
	}
	for name, mdl := range opts.Models {
		models[name] = mdl
	}

	eng, err := engine.New(registry, manager, models, func(o *engine.Options) {
		o.EntryAgent = opts.EntryAgent
		o.Logger = opts.Logger
		if opts.MaxIterations > 0 {
			o.MaxIterations = opts.MaxIterations
		}
		if opts.MaxRetries > 0 {
			o.MaxRetries = opts.MaxRetries
		}
		if opts.MaxParallelTools > 0 {
			o.MaxParallelTools = opts.MaxParallelTools
		}
	})
	if err != nil {
		_ = manager.CloseAll()
		return nil, err
	}

	return &Swarm{engine: eng, manager: manager, registry: registry, logger: opts.Logger}, nil
}

// buildModel constructs the adapter for one resolved provider entry.
func buildModel(p config.Provider) (model.Model, error) {
	switch p.Kind {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			o.Model = p.Model
			o.APIKey = p.APIKey
			o.BaseURL = p.BaseURL
			if p.Temperature > 0 {
				o.Temperature = p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxCompletionTokens = p.MaxTokens
			}
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = anthropicsdk.Model(p.Model)
			o.APIKey = p.APIKey
			o.BaseURL = p.BaseURL
			if p.Temperature > 0 {
				o.Temperature = p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxTokens = p.MaxTokens
			}
		}), nil
	case "mock":
		return model.NewMockModel(p.Model), nil
	default:
		return nil, fmt.Errorf("provider %q: unsupported kind %q", p.Name, p.Kind)
	}
}

// ProcessTurn runs one conversation turn through the engine.
func (s *Swarm) ProcessTurn(ctx context.Context, conversationID string, history []core.Message, vars core.Vars) (*engine.TurnResult, error) {
	return s.engine.ProcessTurn(ctx, conversationID, history, vars)
}

// Tools returns the union of tools discovered across all tool servers.
func (s *Swarm) Tools() map[string]mcp.ToolDefinition { return s.manager.Tools() }

// Registry exposes the validated agent registry.
func (s *Swarm) Registry() *agent.Registry { return s.registry }

// Close shuts down every tool server session.
func (s *Swarm) Close() error { return s.manager.CloseAll() }
