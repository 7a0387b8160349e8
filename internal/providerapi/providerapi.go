// Package providerapi defines the remote-model Provider Stream contract: chat
// completion as a cancellable, lazy sequence of StreamEvents, folded into a
// ChatCompletionMessageFull per spec §4.3. Concrete backends (Anthropic,
// OpenAI-compatible) live alongside this file; each is a thin SSE parser in
// the teacher's style (internal/provider/anthropic.go, openai_common.go).
package providerapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/forge-run/forge/internal/agentctx"
)

// ErrProviderNotFound is returned when a requested provider name is unregistered.
var ErrProviderNotFound = errors.New("provider not found")

// EventType identifies the kind of a streamed chunk.
type EventType int

const (
	EventContentDelta EventType = iota
	EventReasoningDelta
	EventToolCallBegin
	EventToolCallDelta
	EventUsage
	EventDone
	EventError
)

// StreamEvent is one item yielded by a Provider's ChatStream.
type StreamEvent struct {
	Type EventType

	Content string // content/reasoning delta text

	ToolCallIndex int    // positional index, used when the provider omits ids
	ToolCallID    string // set on EventToolCallBegin when the provider supplies one
	ToolCallName  string // set on EventToolCallBegin
	ToolCallArgs  string // argument fragment on EventToolCallDelta
	ReasoningSig  string // signature fragment for reasoning content, if separate from text

	InputTokens  int
	OutputTokens int

	Err error
}

// ChatCompletionMessageFull is the folded form of a completed stream.
type ChatCompletionMessageFull struct {
	Content      string
	Reasoning    []agentctx.ReasoningFull
	ToolCalls    []agentctx.ToolCallFull
	InputTokens  int
	OutputTokens int
}

// Model describes a model a provider can serve.
type Model struct {
	ID          string
	ContextSize int
}

// Provider is a remote chat-completion backend.
type Provider interface {
	// Name returns the provider's identifier (used for logging and pipeline selection).
	Name() string

	// ChatStream sends a Context (already transformed for this provider) and
	// returns a channel of StreamEvents. The channel is closed when the stream
	// ends; when the stream fails, EventError is the last event sent.
	// Cancelling ctx aborts the underlying HTTP read.
	ChatStream(ctx context.Context, model string, ctxMsg *agentctx.Context) (<-chan StreamEvent, error)

	// ListModels returns the models this provider can serve.
	ListModels(ctx context.Context) ([]Model, error)

	// Close releases idle connections and other held resources.
	Close() error
}

// Options holds provider-level generation defaults.
type Options struct {
	APIKey      string
	BaseURL     string
	Temperature float64
}

// Factory constructs a Provider bound to one model/option set.
type Factory interface {
	Name() string
	Create(model string, opts Options) Provider
}

// Registry resolves a provider name to a Factory, mirroring the teacher's
// provider.Registry but keyed on the expanded spec's provider_family concept.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, overwriting any prior registration.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Create builds a Provider via the named factory.
func (r *Registry) Create(name, model string, opts Options) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return f.Create(model, opts), nil
}

// Names lists every registered factory name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

// TaggedModel pairs a provider name with one of its models.
type TaggedModel struct {
	Provider string
	Model    Model
}

// ListAllModels concurrently queries every registered provider and merges the
// results. A provider that errors is skipped rather than failing the whole
// call, mirroring the teacher's Registry.ListAllModels.
func (r *Registry) ListAllModels(ctx context.Context, opts Options) []TaggedModel {
	type result struct {
		name   string
		models []Model
	}
	ch := make(chan result, len(r.factories))
	for name, f := range r.factories {
		go func(name string, f Factory) {
			p := f.Create("", opts)
			defer p.Close()
			models, err := p.ListModels(ctx)
			if err != nil {
				ch <- result{name: name}
				return
			}
			ch <- result{name: name, models: models}
		}(name, f)
	}
	var all []TaggedModel
	for range r.factories {
		res := <-ch
		for _, m := range res.models {
			all = append(all, TaggedModel{Provider: res.name, Model: m})
		}
	}
	return all
}

// toolCallAccumulator assembles ToolCallPart stream chunks into ToolCallFulls,
// grouping by the stream's positional tool-call index. The call_id is taken
// from the begin event and is not used as a grouping key.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []agentctx.ToolCallFull
	argBuilders []string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, agentctx.ToolCallFull{CallID: evt.ToolCallID, Name: evt.ToolCallName})
	a.argBuilders = append(a.argBuilders, "")
}

func (a *toolCallAccumulator) delta(evt StreamEvent) {
	pos, ok := a.byIndex[evt.ToolCallIndex]
	if !ok {
		// A provider that emits deltas with neither ids nor a prior begin is
		// undefined behavior per spec §9; treat it as a single trailing call.
		a.begin(StreamEvent{ToolCallIndex: evt.ToolCallIndex})
		pos = a.byIndex[evt.ToolCallIndex]
	}
	a.argBuilders[pos] += evt.ToolCallArgs
}

// ErrCallArgument is returned when accumulated tool-call arguments do not
// parse as a single JSON value.
var ErrCallArgument = errors.New("tool call arguments are not valid JSON")

func (a *toolCallAccumulator) finalize() ([]agentctx.ToolCallFull, error) {
	for i := range a.calls {
		raw := a.argBuilders[i]
		if raw == "" {
			raw = "{}"
		}
		if !json.Valid([]byte(raw)) {
			return nil, errors.Join(ErrCallArgument, errors.New(a.calls[i].Name))
		}
		a.calls[i].Arguments = json.RawMessage(raw)
	}
	return a.calls, nil
}

// reasoningAccumulator merges ReasoningFull parts column-wise by positional
// index: text and signature concatenate independently, and a row is only
// emitted once both fields end non-empty (§4.3 folding rules).
type reasoningAccumulator struct {
	text []string
	sig  []string
}

func (r *reasoningAccumulator) ensure(i int) {
	for len(r.text) <= i {
		r.text = append(r.text, "")
		r.sig = append(r.sig, "")
	}
}

func (r *reasoningAccumulator) addText(i int, s string) {
	r.ensure(i)
	r.text[i] += s
}

func (r *reasoningAccumulator) addSig(i int, s string) {
	r.ensure(i)
	r.sig[i] += s
}

func (r *reasoningAccumulator) finalize() []agentctx.ReasoningFull {
	var out []agentctx.ReasoningFull
	for i := range r.text {
		if r.text[i] != "" && r.sig[i] != "" {
			out = append(out, agentctx.ReasoningFull{Text: r.text[i], Signature: r.sig[i]})
		}
	}
	return out
}

// Collect drains a stream channel into a ChatCompletionMessageFull, invoking
// onDelta for every raw event as it arrives (used by the Orchestrator to emit
// incremental ChatResponses while still returning one folded result).
func Collect(ch <-chan StreamEvent, onDelta func(StreamEvent)) (*ChatCompletionMessageFull, error) {
	var result ChatCompletionMessageFull
	tca := newToolCallAccumulator()
	var ra reasoningAccumulator
	reasoningIdx := 0

	for evt := range ch {
		if onDelta != nil {
			onDelta(evt)
		}
		switch evt.Type {
		case EventContentDelta:
			result.Content += evt.Content
		case EventReasoningDelta:
			if evt.Content != "" {
				ra.addText(reasoningIdx, evt.Content)
			}
			if evt.ReasoningSig != "" {
				ra.addSig(reasoningIdx, evt.ReasoningSig)
			}
		case EventToolCallBegin:
			tca.begin(evt)
		case EventToolCallDelta:
			tca.delta(evt)
		case EventUsage:
			if evt.InputTokens > result.InputTokens {
				result.InputTokens = evt.InputTokens
			}
			if evt.OutputTokens > result.OutputTokens {
				result.OutputTokens = evt.OutputTokens
			}
		case EventError:
			return nil, evt.Err
		case EventDone:
		}
	}

	calls, err := tca.finalize()
	if err != nil {
		return nil, err
	}
	result.ToolCalls = calls
	result.Reasoning = ra.finalize()
	return &result, nil
}

// trySend sends evt on ch unless ctx has been cancelled, returning false if
// the send was skipped due to cancellation.
func trySend(ctx context.Context, ch chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
