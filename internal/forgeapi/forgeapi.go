// Package forgeapi is the Api facade spec §6 names as the engine's single
// public surface: environment/discover/tools/models for introspection,
// conversation CRUD plus chat/compact for the turn loop, workflow and MCP
// config read/write, shell execution, and the login/auth operations.
// Grounded on the teacher's cmd/symb/main.go wiring (one struct closing
// over every collaborator, built once at startup) generalized from a
// single hardwired provider/registry into the facade a CLI or any other
// front end drives.
package forgeapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/convstore"
	"github.com/forge-run/forge/internal/mcpclient"
	"github.com/forge-run/forge/internal/orchestrator"
	"github.com/forge-run/forge/internal/providerapi"
	"github.com/forge-run/forge/internal/shell"
	"github.com/forge-run/forge/internal/toolexec"
	"github.com/forge-run/forge/internal/walker"
)

// Environment describes the process this Api instance is running under.
type Environment struct {
	Cwd        string
	BasePath   string
	Restricted bool
}

// Api wires together every collaborator the engine's operations need. It
// implements orchestrator.ToolCatalog so it can seed a fresh Context's
// advertised tools directly.
type Api struct {
	cwd        string
	basePath   string
	restricted bool

	Orchestrator  *orchestrator.Orchestrator
	Conversations *convstore.Store

	providers *providerapi.Registry
	builtins  *toolexec.Executor
	mcp       *mcpclient.Pool
	subagents *orchestrator.SubAgentExecutor
	sh        *shell.Shell
	auth      AuthService
}

// Options groups every collaborator New needs. Restricted mirrors the
// original restricted-mode flag that narrows the built-in tool set and
// shell access (spec §1, "operating posture"); this facade does not itself
// enforce it — callers building the Orchestrator/Executor decide which
// tools exist in restricted mode.
type Options struct {
	Cwd        string
	BasePath   string
	Restricted bool

	Orchestrator  *orchestrator.Orchestrator
	Conversations *convstore.Store
	Providers     *providerapi.Registry
	Builtins      *toolexec.Executor
	MCP           *mcpclient.Pool
	SubAgents     *orchestrator.SubAgentExecutor
	Shell         *shell.Shell
	Auth          AuthService
}

// New constructs an Api over its collaborators.
func New(opts Options) *Api {
	return &Api{
		cwd:           opts.Cwd,
		basePath:      opts.BasePath,
		restricted:    opts.Restricted,
		Orchestrator:  opts.Orchestrator,
		Conversations: opts.Conversations,
		providers:     opts.Providers,
		builtins:      opts.Builtins,
		mcp:           opts.MCP,
		subagents:     opts.SubAgents,
		sh:            opts.Shell,
		auth:          opts.Auth,
	}
}

// Environment reports the process's cwd, data directory, and operating
// posture.
func (a *Api) Environment() Environment {
	return Environment{Cwd: a.cwd, BasePath: a.basePath, Restricted: a.restricted}
}

// Discover walks the cwd, honoring .gitignore, per spec §6's discover()
// operation.
func (a *Api) Discover() ([]walker.File, error) {
	return walker.Discover(a.cwd)
}

// Tools lists every tool this Api can dispatch: built-ins, MCP-namespaced
// tools, and one synthetic delegation tool per configured sub-agent.
func (a *Api) Tools() []agentctx.ToolDefinition {
	out := append([]agentctx.ToolDefinition(nil), a.builtins.Definitions()...)
	if a.mcp != nil {
		out = append(out, a.mcp.Definitions()...)
	}
	if a.subagents != nil {
		for _, id := range a.subagents.Names() {
			out = append(out, subAgentToolDefinition(id))
		}
	}
	return out
}

// Definitions implements orchestrator.ToolCatalog: the subset of Tools()
// named in names, used to seed a fresh Context's advertised tool schemas
// with exactly the agent's allow-list.
func (a *Api) Definitions(names []string) []agentctx.ToolDefinition {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []agentctx.ToolDefinition
	for _, d := range a.builtins.Definitions() {
		if wanted[d.Name] {
			out = append(out, d)
		}
	}
	if a.mcp != nil {
		for _, d := range a.mcp.Definitions() {
			if wanted[d.Name] {
				out = append(out, d)
			}
		}
	}
	if a.subagents != nil {
		for _, id := range a.subagents.Names() {
			if wanted[id] {
				out = append(out, subAgentToolDefinition(id))
			}
		}
	}
	return out
}

func subAgentToolDefinition(agentID string) agentctx.ToolDefinition {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": fmt.Sprintf("the task to delegate to %s", agentID),
			},
		},
		"required": []string{"task"},
	})
	return agentctx.ToolDefinition{
		Name:        agentID,
		Description: fmt.Sprintf("Delegate a task to the %s sub-agent.", agentID),
		Parameters:  schema,
	}
}

// Models lists every model every registered provider can serve, per spec
// §6's models() operation.
func (a *Api) Models(ctx context.Context) []providerapi.TaggedModel {
	return a.providers.ListAllModels(ctx, providerapi.Options{})
}
