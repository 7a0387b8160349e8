// Package toolregistry resolves a tool call to one of three sources
// (built-in, sub-agent delegation, MCP), enforces the agent allow-list, and
// wraps built-in/MCP dispatch in a 300-second deadline, per spec §4.4.
// Grounded on the teacher's mcp.Proxy dispatch-by-name and llm.ProcessTurn's
// tool resolution.
package toolregistry

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/forgeerr"
)

// CallTimeout is the fixed per-call deadline for built-in and MCP dispatch.
const CallTimeout = 300 * time.Second

// Builtin dispatches a named built-in tool.
type Builtin interface {
	Names() []string
	Execute(ctx context.Context, call agentctx.ToolCallFull) (agentctx.ToolOutput, error)
}

// SubAgents dispatches delegation calls, one synthetic tool per agent id.
type SubAgents interface {
	Names() []string
	Execute(ctx context.Context, agentID string, call agentctx.ToolCallFull) (agentctx.ToolOutput, error)
}

// MCP dispatches calls against the external tool catalog.
type MCP interface {
	Names() []string
	Call(ctx context.Context, name string, args json.RawMessage) (agentctx.ToolOutput, error)
}

// Registry resolves and dispatches one tool call at a time.
type Registry struct {
	builtin   Builtin
	subagents SubAgents
	mcp       MCP
}

// New constructs a Registry over the three dispatch sources. Any of them may
// be nil, in which case that source never matches.
func New(builtin Builtin, subagents SubAgents, mcp MCP) *Registry {
	return &Registry{builtin: builtin, subagents: subagents, mcp: mcp}
}

// source identifies which backend resolved a tool name.
type source int

const (
	sourceNone source = iota
	sourceBuiltin
	sourceSubAgent
	sourceMCP
)

func (r *Registry) resolve(name string) source {
	if r.builtin != nil {
		for _, n := range r.builtin.Names() {
			if n == name {
				return sourceBuiltin
			}
		}
	}
	if r.subagents != nil {
		for _, n := range r.subagents.Names() {
			if n == name {
				return sourceSubAgent
			}
		}
	}
	if r.mcp != nil {
		for _, n := range r.mcp.Names() {
			if n == name {
				return sourceMCP
			}
		}
	}
	return sourceNone
}

// Call dispatches call on behalf of agent, whose allow-list is the set of
// tool names named in agentTools. Returns a ToolResult; dispatch-time
// errors are always folded into the result (is_error=true) per spec §7's
// propagation policy, so Call has no error return.
func (r *Registry) Call(ctx context.Context, agentTools []string, call agentctx.ToolCallFull) agentctx.ToolResult {
	if !contains(agentTools, call.Name) {
		sorted := append([]string(nil), agentTools...)
		sort.Strings(sorted)
		err := forgeerr.NotAllowed(call.Name, sorted)
		return errorResult(call, err.Error())
	}

	src := r.resolve(call.Name)
	switch src {
	case sourceBuiltin:
		return r.dispatchTimed(ctx, call, func(ctx context.Context) (agentctx.ToolOutput, error) {
			return r.builtin.Execute(ctx, call)
		})
	case sourceSubAgent:
		// Sub-agent delegations are not deadline-bounded (spec §4.4); they
		// run their own inner turn loop which bounds itself.
		out, err := r.subagents.Execute(ctx, call.Name, call)
		if err != nil {
			return errorResult(call, err.Error())
		}
		return agentctx.ToolResult{Name: call.Name, CallID: call.CallID, Output: out}
	case sourceMCP:
		return r.dispatchTimed(ctx, call, func(ctx context.Context) (agentctx.ToolOutput, error) {
			return r.mcp.Call(ctx, call.Name, call.Arguments)
		})
	default:
		err := forgeerr.NotFound(call.Name)
		return errorResult(call, err.Error())
	}
}

func (r *Registry) dispatchTimed(ctx context.Context, call agentctx.ToolCallFull, run func(context.Context) (agentctx.ToolOutput, error)) agentctx.ToolResult {
	timedCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	type result struct {
		out agentctx.ToolOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := run(timedCtx)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return errorResult(call, res.err.Error())
		}
		return agentctx.ToolResult{Name: call.Name, CallID: call.CallID, Output: res.out}
	case <-timedCtx.Done():
		err := forgeerr.CallTimeout(call.Name, CallTimeout.Minutes())
		return errorResult(call, err.Error())
	}
}

func errorResult(call agentctx.ToolCallFull, text string) agentctx.ToolResult {
	return agentctx.ToolResult{Name: call.Name, CallID: call.CallID, Output: agentctx.ErrorOutput(text)}
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
