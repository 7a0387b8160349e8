// Package orchestrator runs the chat/tool-use turn loop: stream from a
// Provider, assemble tool calls, dispatch them through the Tool Registry,
// and re-enter the stream until a terminal condition is reached, per spec
// §4.1. Grounded on the teacher's internal/llm.ProcessTurn (the
// callback-driven collect/dispatch/continue shape), reworked into a
// channel-of-ChatResponse stream to match this package's "chat(...) ->
// async stream" contract and the channel idiom already used by
// providerapi.ChatStream.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/compact"
	"github.com/forge-run/forge/internal/providerapi"
	"github.com/forge-run/forge/internal/retry"
	"github.com/forge-run/forge/internal/tasklist"
	"github.com/forge-run/forge/internal/toolexec"
	"github.com/forge-run/forge/internal/toolregistry"
	"github.com/forge-run/forge/internal/transform"
	"github.com/forge-run/forge/internal/workflow"
)

// Conversation is the unit of persisted state: one Workflow, the Context
// it is currently driving, and the TaskList its task_list_* tools mutate.
type Conversation struct {
	ID        string
	Workflow  workflow.Workflow
	Context   *agentctx.Context
	Tasks     *tasklist.List
	CreatedAt time.Time
}

// NewConversation seeds an empty Conversation for w.
func NewConversation(id string, w workflow.Workflow) *Conversation {
	return &Conversation{ID: id, Workflow: w, Tasks: tasklist.New(), CreatedAt: time.Now()}
}

// Event is one turn's triggering input: a named event (e.g. "user_message",
// or "{agent_id}/user_task_init" for sub-agent delegation) carrying a text
// value and any attachments.
type Event struct {
	Name        string
	Value       string
	Attachments []agentctx.Image
}

// ResponseKind discriminates a ChatResponse variant.
type ResponseKind int

const (
	ResponseText ResponseKind = iota
	ResponseReasoning
	ResponseToolCallStart
	ResponseToolCallEnd
	ResponseSummary
	ResponseUsage
	ResponseRetryAttempt
	ResponseInterrupt
	ResponseError
)

// ChatResponse is one item of the stream a Chat call returns.
type ChatResponse struct {
	Kind ResponseKind

	// ResponseText / ResponseReasoning / ResponseSummary
	Content    string
	IsComplete bool

	// ResponseToolCallStart / ResponseToolCallEnd
	ToolName   string
	ToolCallID string

	// ResponseUsage
	Usage agentctx.Usage

	// ResponseRetryAttempt
	RetryCause error
	RetryDelay time.Duration

	// ResponseInterrupt
	InterruptReason string
	InterruptLimit  int

	// ResponseError
	Err error
}

// defaultMaxRequestsPerTurn bounds a turn when an agent names no
// max_requests_per_turn of its own.
const defaultMaxRequestsPerTurn = 60

// ToolCatalog advertises the full ToolDefinition for a filtered set of tool
// names, merging whatever built-in/sub-agent/MCP sources the caller wires
// together. Kept separate from toolregistry.Registry since that type's only
// job is resolve+dispatch (§4.4); advertising schemas to the model is a
// distinct concern the forgeapi facade assembles from the same sources.
type ToolCatalog interface {
	Definitions(names []string) []agentctx.ToolDefinition
}

// Orchestrator wires together every collaborator a turn needs: providers,
// the transformer pipeline, the tool registry, the compactor, and the
// catalog used to advertise each agent's allow-listed tools.
type Orchestrator struct {
	Providers  *providerapi.Registry
	Transforms *transform.Selector
	Tools      *toolregistry.Registry
	Catalog    ToolCatalog
	Compactor  *compact.Compactor
	Retry      retry.Config
}

// New constructs an Orchestrator over its collaborators.
func New(providers *providerapi.Registry, transforms *transform.Selector, tools *toolregistry.Registry, catalog ToolCatalog, compactor *compact.Compactor) *Orchestrator {
	return &Orchestrator{Providers: providers, Transforms: transforms, Tools: tools, Catalog: catalog, Compactor: compactor, Retry: retry.DefaultConfig()}
}

// splitModel divides a workflow Agent.Model of the form "provider/model"
// into its provider-family and bare-model components.
func splitModel(agentModel string) (provider, model string) {
	if i := strings.IndexByte(agentModel, '/'); i >= 0 {
		return agentModel[:i], agentModel[i+1:]
	}
	return "", agentModel
}

// Chat runs one turn loop for conv against event, emitting a ChatResponse
// per step of §4.1's turn loop. The returned channel is closed when the
// turn ends (termination, cancellation, or unrecoverable error); conv is
// mutated in place by runTurn (context seeding and message appends) so the caller can persist
// it once the channel closes, per the contract that persistence happens
// regardless of success.
func (o *Orchestrator) Chat(ctx context.Context, conv *Conversation, event Event) <-chan ChatResponse {
	out := make(chan ChatResponse, 8)
	go func() {
		defer close(out)
		o.runTurn(ctx, conv, event, out)
	}()
	return out
}

func (o *Orchestrator) runTurn(ctx context.Context, conv *Conversation, event Event, out chan<- ChatResponse) {
	agent, err := conv.Workflow.OperatingAgent()
	if err != nil {
		out <- ChatResponse{Kind: ResponseError, Err: err}
		return
	}

	if conv.Context == nil {
		conv.Context = agentctx.New()
		if agent.SystemPrompt != "" {
			conv.Context.WithSystem(agent.SystemPrompt)
		}
		if o.Catalog != nil {
			conv.Context.Tools = o.Catalog.Definitions(agent.Tools)
		}
	}

	conv.Context.AppendUser(event.Value)
	for _, img := range event.Attachments {
		conv.Context.Messages = append(conv.Context.Messages, agentctx.NewImageMessage(img))
	}

	if agent.Compact != nil {
		if compacted, metrics, err := o.Compactor.CompactContext(ctx, agent, conv.Context); err != nil {
			log.Warn().Err(err).Str("conversation", conv.ID).Msg("compaction failed, continuing uncompacted")
		} else if metrics != nil {
			conv.Context = compacted
			log.Info().Str("conversation", conv.ID).
				Int("original_tokens", metrics.OriginalTokens).
				Int("compacted_tokens", metrics.CompactedTokens).
				Msg("compacted conversation context")
		}
	}

	providerName, modelName := splitModel(agent.Model)
	provider, err := o.Providers.Create(providerName, modelName, providerapi.Options{})
	if err != nil {
		out <- ChatResponse{Kind: ResponseError, Err: err}
		return
	}

	maxRequests := agent.MaxRequests
	if maxRequests <= 0 {
		maxRequests = defaultMaxRequestsPerTurn
	}

	ctx = toolexec.WithTaskList(ctx, conv.Tasks)
	ctx = WithForward(ctx, out)

	for requestCount := 0; requestCount < maxRequests; requestCount++ {
		pipeline := o.Transforms.Select(providerName, modelName)
		transformed := conv.Context
		if pipeline != nil {
			transformed = pipeline(conv.Context.Clone())
		}

		full, retryErr := o.streamOnce(ctx, provider, modelName, transformed, out)
		if retryErr != nil {
			if ctx.Err() != nil {
				return
			}
			out <- ChatResponse{Kind: ResponseError, Err: retryErr}
			return
		}

		conv.Context.AppendAssistant(full.Content, full.ToolCalls, full.Reasoning)
		conv.Context.Usage.Add(agentctx.Usage{InputTokens: full.InputTokens, OutputTokens: full.OutputTokens})

		if len(full.ToolCalls) == 0 {
			break
		}

		completed := false
		for _, call := range full.ToolCalls {
			out <- ChatResponse{Kind: ResponseToolCallStart, ToolName: call.Name, ToolCallID: call.CallID}
			result := o.Tools.Call(ctx, agent.Tools, call)
			conv.Context.AppendToolResult(result)
			out <- ChatResponse{Kind: ResponseToolCallEnd, ToolName: call.Name, ToolCallID: call.CallID}

			if call.Name == toolexec.AttemptCompletionTool {
				out <- ChatResponse{Kind: ResponseSummary, Content: result.Output.CombinedText()}
				completed = true
			}
		}
		if completed {
			break
		}

		if requestCount+1 >= maxRequests {
			out <- ChatResponse{Kind: ResponseInterrupt, InterruptReason: "max_requests_per_turn_reached", InterruptLimit: maxRequests}
			break
		}
	}

	out <- ChatResponse{Kind: ResponseUsage, Usage: conv.Context.Usage}
}

// streamOnce opens one provider stream through the Retry Engine, forwarding
// content/reasoning deltas to out as they arrive, and returns the folded
// completion.
func (o *Orchestrator) streamOnce(ctx context.Context, provider providerapi.Provider, model string, c *agentctx.Context, out chan<- ChatResponse) (*providerapi.ChatCompletionMessageFull, error) {
	var full *providerapi.ChatCompletionMessageFull

	err := retry.Do(ctx, o.Retry, func(cause error, attempt int, delay time.Duration) {
		out <- ChatResponse{Kind: ResponseRetryAttempt, RetryCause: cause, RetryDelay: delay}
	}, func(ctx context.Context, attempt int) error {
		ch, err := provider.ChatStream(ctx, model, c)
		if err != nil {
			return err
		}

		sawText := false
		collected, err := providerapi.Collect(ch, func(evt providerapi.StreamEvent) {
			switch evt.Type {
			case providerapi.EventContentDelta:
				sawText = true
				out <- ChatResponse{Kind: ResponseText, Content: evt.Content, IsComplete: false}
			case providerapi.EventReasoningDelta:
				out <- ChatResponse{Kind: ResponseReasoning, Content: evt.Content}
			}
		})
		if err != nil {
			return err
		}
		if sawText {
			out <- ChatResponse{Kind: ResponseText, Content: "", IsComplete: true}
		}
		full = collected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return full, nil
}
