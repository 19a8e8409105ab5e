package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/convoy/internal/config"
	"github.com/nextlevelbuilder/convoy/internal/providers"
	"github.com/nextlevelbuilder/convoy/internal/skills"
	"github.com/nextlevelbuilder/convoy/internal/store"
	"github.com/nextlevelbuilder/convoy/internal/tools"
)

// Agent is anything a Router can dispatch a turn to — satisfied by *Loop.
type Agent interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// ResolverFunc builds (or looks up) the Agent for a given agent key.
type ResolverFunc func(agentKey string) (Agent, error)

// ResolverDeps holds the shared dependencies every resolved Loop is built
// from. Agents themselves come from config.json's agents.list (static
// config), not a database — this is a single-tenant gateway.
type ResolverDeps struct {
	Config     *config.Config
	Providers  map[string]providers.Provider
	Sessions   store.SessionStore
	Tools      *tools.Registry
	ToolPolicy *tools.PolicyEngine
	Skills     *skills.Loader
	HasMemory  bool
	OnEvent    func(AgentEvent)

	InjectionAction string // "log", "warn", "block", "off"
	MaxMessageChars int
}

// NewStaticResolver builds a ResolverFunc that constructs a Loop from
// config.json's agents.defaults + agents.list[agentKey] entry, falling
// back to agents.defaults alone for an agentKey with no override.
func NewStaticResolver(deps ResolverDeps) ResolverFunc {
	return func(agentKey string) (Agent, error) {
		resolved := deps.Config.ResolveAgent(agentKey)

		provider, ok := deps.Providers[resolved.Provider]
		if !ok {
			names := make([]string, 0, len(deps.Providers))
			for n := range deps.Providers {
				names = append(names, n)
			}
			if len(names) == 0 {
				return nil, fmt.Errorf("no providers configured for agent %s", agentKey)
			}
			provider = deps.Providers[names[0]]
			slog.Warn("agent provider not found, using fallback",
				"agent", agentKey, "wanted", resolved.Provider, "using", names[0])
		}

		workspace := resolved.Workspace
		if workspace != "" {
			workspace = config.ExpandHome(workspace)
			if !filepath.IsAbs(workspace) {
				workspace, _ = filepath.Abs(workspace)
			}
			if err := os.MkdirAll(workspace, 0755); err != nil {
				slog.Warn("failed to create agent workspace directory", "workspace", workspace, "agent", agentKey, "error", err)
			}
		}

		var toolPolicy *config.ToolPolicySpec
		var skillAllowList []string
		if spec, ok := deps.Config.Agents.List[agentKey]; ok {
			toolPolicy = spec.Tools
			skillAllowList = spec.Skills
		}

		loop := NewLoop(LoopConfig{
			ID:                agentKey,
			Provider:          provider,
			Model:             resolved.Model,
			ContextWindow:     resolved.ContextWindow,
			MaxIterations:     resolved.MaxToolIterations,
			Workspace:         workspace,
			Sessions:          deps.Sessions,
			Tools:             deps.Tools,
			ToolPolicy:        deps.ToolPolicy,
			AgentToolPolicy:   toolPolicy,
			OwnerIDs:          deps.Config.Gateway.OwnerIDs,
			SkillsLoader:      deps.Skills,
			SkillAllowList:    skillAllowList,
			HasMemory:         deps.HasMemory,
			OnEvent:           deps.OnEvent,
			InjectionAction:   deps.InjectionAction,
			MaxMessageChars:   deps.MaxMessageChars,
			CompactionCfg:     resolved.Compaction,
			ContextPruningCfg: resolved.ContextPruning,
			ThinkingLevel:     "",
		})

		slog.Info("resolved agent", "agent", agentKey, "model", resolved.Model, "provider", resolved.Provider)
		return loop, nil
	}
}

// Router lazily resolves and caches Agents by key, so repeated turns for
// the same agent reuse the same Loop instance (and its in-process state).
type Router struct {
	mu       sync.Mutex
	resolver ResolverFunc
	agents   map[string]Agent
}

// NewRouter constructs a Router around a resolver function.
func NewRouter(resolver ResolverFunc) *Router {
	return &Router{resolver: resolver, agents: make(map[string]Agent)}
}

// Resolve returns the cached Agent for agentKey, resolving and caching it
// on first use.
func (r *Router) Resolve(agentKey string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentKey]; ok {
		return a, nil
	}
	a, err := r.resolver(agentKey)
	if err != nil {
		return nil, err
	}
	r.agents[agentKey] = a
	return a, nil
}

// InvalidateAgent removes an agent from the router cache, forcing
// re-resolution (e.g. after a config reload).
func (r *Router) InvalidateAgent(agentKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentKey)
	slog.Debug("invalidated agent cache", "agent", agentKey)
}

// InvalidateAll clears the entire agent cache.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent)
	slog.Debug("invalidated all agent caches")
}
