package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/forgeerr"
	"github.com/forge-run/forge/internal/workflow"
)

// forwardKeyType is the context key an inner (sub-agent) turn uses to
// forward its intermediate ChatResponses to the outer turn's stream, per
// spec §4.6 ("interior intermediate ChatResponses are forwarded upstream").
type forwardKeyType struct{}

var forwardKey = forwardKeyType{}

// WithForward attaches the outer turn's response channel to ctx so a
// nested Sub-Agent Executor call can relay progress upstream.
func WithForward(ctx context.Context, out chan<- ChatResponse) context.Context {
	return context.WithValue(ctx, forwardKey, out)
}

func forwardFromContext(ctx context.Context) (chan<- ChatResponse, bool) {
	f, ok := ctx.Value(forwardKey).(chan<- ChatResponse)
	return f, ok
}

// SubAgentExecutor implements toolregistry.SubAgents: one synthetic tool per
// configured agent, each dispatch starting a fresh inner Orchestrator run
// per spec §4.6.
type SubAgentExecutor struct {
	Orchestrator *Orchestrator
	Workflow     *workflow.Workflow
}

// Names lists every configured agent id as a delegation tool name.
func (s *SubAgentExecutor) Names() []string {
	names := make([]string, len(s.Workflow.Agents))
	for i, a := range s.Workflow.Agents {
		names[i] = a.ID
	}
	return names
}

type subAgentTaskArgs struct {
	Task string `json:"task"`
}

// Execute runs agentID's agent in a fresh inner conversation seeded with
// event "{agentID}/user_task_init", consuming the inner stream until an
// attempt_completion summary appears. Interior responses are forwarded
// upstream when the outer turn bound a forward channel via WithForward.
func (s *SubAgentExecutor) Execute(ctx context.Context, agentID string, call agentctx.ToolCallFull) (agentctx.ToolOutput, error) {
	agent, ok := s.Workflow.AgentByID(agentID)
	if !ok {
		return agentctx.ToolOutput{}, fmt.Errorf("sub-agent %q not configured", agentID)
	}

	var args subAgentTaskArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return agentctx.ToolOutput{}, forgeerr.CallArgument(fmt.Sprintf("sub-agent %q call arguments are not valid JSON", agentID), err)
	}

	innerWorkflow := workflow.Workflow{Agents: []workflow.Agent{agent}, Variables: s.Workflow.Variables}
	inner := NewConversation(uuid.NewString(), innerWorkflow)
	event := Event{Name: fmt.Sprintf("%s/user_task_init", agentID), Value: args.Task}

	forward, hasForward := forwardFromContext(ctx)

	var summary string
	var gotSummary bool
	for resp := range s.Orchestrator.Chat(ctx, inner, event) {
		if hasForward {
			forward <- resp
		}
		if resp.Kind == ResponseSummary {
			summary = resp.Content
			gotSummary = true
		}
	}

	if !gotSummary {
		return agentctx.ToolOutput{}, forgeerr.EmptyToolResponse(agentID)
	}
	return agentctx.TextOutput(summary), nil
}
