package providerapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	zen "github.com/sacenox/go-opencode-ai-zen-sdk"

	"github.com/forge-run/forge/internal/agentctx"
)

// ZenBackend talks to the opencode.ai Zen aggregator, which fans one
// unified streaming endpoint out across several upstream wire formats
// (Anthropic Messages, OpenAI Chat Completions, OpenAI Responses, Gemini).
// Grounded on the teacher's internal/provider/zen.go.
type ZenBackend struct {
	name        string
	client      *zen.Client
	model       string
	temperature float64
}

// NewZenBackend constructs a backend bound to one model.
func NewZenBackend(name, model string, opts Options) (*ZenBackend, error) {
	client, err := zen.NewClient(zen.Config{APIKey: opts.APIKey, BaseURL: opts.BaseURL})
	if err != nil {
		return nil, err
	}
	return &ZenBackend{name: name, client: client, model: model, temperature: opts.Temperature}, nil
}

func (b *ZenBackend) Name() string { return b.name }

func (b *ZenBackend) Close() error { return nil }

func (b *ZenBackend) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := b.client.ListModels(ctx)
	if err != nil {
		log.Error().Err(err).Str("provider", b.name).Msg("zen: ListModels failed")
		return nil, err
	}
	models := make([]Model, len(resp.Data))
	for i, m := range resp.Data {
		models[i] = Model{ID: m.ID}
	}
	return models, nil
}

// splitSystemAndZenMessages hoists System-role content into Zen's top-level
// "system" string (joined with blank lines, per the teacher's splitSystem)
// and flattens the remaining messages into zen.NormalizedMessage.
func splitSystemAndZenMessages(c *agentctx.Context) (string, []zen.NormalizedMessage) {
	var systemParts []string
	var rest []zen.NormalizedMessage

	for _, m := range c.Messages {
		switch m.Kind {
		case agentctx.MessageText:
			if m.Role == agentctx.RoleSystem {
				if s := strings.TrimSpace(m.Content); s != "" {
					systemParts = append(systemParts, s)
				}
				continue
			}
			nm := zen.NormalizedMessage{Role: string(m.Role), Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				nm.ToolCalls = append(nm.ToolCalls, zen.NormalizedToolCall{ID: tc.CallID, Name: tc.Name, Arguments: args})
			}
			rest = append(rest, nm)
		case agentctx.MessageTool:
			if m.ToolResult != nil {
				rest = append(rest, zen.NormalizedMessage{
					Role: "tool", Content: m.ToolResult.Output.CombinedText(), ToolCallID: m.ToolResult.CallID,
				})
			}
		case agentctx.MessageImage:
			// Image messages are not sent: NormalizedMessage is built from
			// text content only, so they are dropped here.
		}
	}
	return strings.Join(systemParts, "\n\n"), rest
}

func toZenTools(tools []agentctx.ToolDefinition) []zen.NormalizedTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]zen.NormalizedTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out[i] = zen.NormalizedTool{Name: t.Name, Description: t.Description, Parameters: params}
	}
	return out
}

func (b *ZenBackend) ChatStream(ctx context.Context, model string, c *agentctx.Context) (<-chan StreamEvent, error) {
	if model == "" {
		model = b.model
	}
	system, messages := splitSystemAndZenMessages(c)
	req := zen.NormalizedRequest{
		Model:    model,
		System:   system,
		Messages: messages,
		Tools:    toZenTools(c.Tools),
		Stream:   true,
	}
	if b.temperature > 0 {
		temp := b.temperature
		req.Temperature = &temp
	}
	maxTokens := 16000
	if c.MaxTokens != nil {
		maxTokens = int(*c.MaxTokens)
	}
	req.MaxTokens = &maxTokens

	events, errs, err := b.client.UnifiedStreamNormalized(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 16)
	tracker := newAnthropicBlockTracker()
	var inputTokens int
	go func() {
		defer close(ch)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !b.emitEvent(ctx, ch, ev, tracker, &inputTokens) {
					return
				}
			case streamErr, ok := <-errs:
				if ok && streamErr != nil {
					var apiErr *zen.APIError
					if errors.As(streamErr, &apiErr) {
						log.Error().Int("status", apiErr.StatusCode).Str("body", string(apiErr.Body)).Msg("zen: stream API error")
					}
					trySend(ctx, ch, StreamEvent{Type: EventError, Err: streamErr})
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// emitEvent dispatches a Zen unified event to the wire-family-specific
// decoder for its originating endpoint.
func (b *ZenBackend) emitEvent(ctx context.Context, ch chan<- StreamEvent, ev zen.UnifiedEvent, tracker *anthropicBlockTracker, inputTokens *int) bool {
	data := ev.Data
	if len(data) == 0 || string(data) == "[DONE]" {
		return trySend(ctx, ch, StreamEvent{Type: EventDone})
	}
	if ev.Endpoint == zen.EndpointMessages {
		return handleAnthropicEvent(ctx, ch, ev.Event, string(data), tracker, inputTokens)
	}
	return b.emitChatCompletionsStyleDelta(ctx, ch, data)
}

// emitChatCompletionsStyleDelta handles the OpenAI Chat Completions wire
// shape, the default family most Zen-routed models use.
func (b *ZenBackend) emitChatCompletionsStyleDelta(ctx context.Context, ch chan<- StreamEvent, data json.RawMessage) bool {
	var chunk chatCompletionStreamResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return true
	}
	if chunk.Usage != nil {
		if !trySend(ctx, ch, StreamEvent{Type: EventUsage, InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}) {
			return false
		}
	}
	if len(chunk.Choices) == 0 {
		return true
	}
	return emitOpenAIDelta(ctx, ch, chunk.Choices[0].Delta)
}

// ZenFactory builds ZenBackends sharing one API key/base URL.
type ZenFactory struct {
	name    string
	apiKey  string
	baseURL string
}

// NewZenFactory constructs a factory for the "zen" provider family.
func NewZenFactory(name, apiKey, baseURL string) *ZenFactory {
	return &ZenFactory{name: name, apiKey: apiKey, baseURL: baseURL}
}

func (f *ZenFactory) Name() string { return f.name }

func (f *ZenFactory) Create(model string, opts Options) Provider {
	baseURL := f.baseURL
	if baseURL == "" {
		baseURL = "https://opencode.ai/zen/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = f.apiKey
	}
	backend, err := NewZenBackend(f.name, model, Options{APIKey: apiKey, BaseURL: baseURL, Temperature: opts.Temperature})
	if err != nil {
		log.Error().Err(err).Str("factory", f.name).Msg("zen: failed to construct client")
		return nil
	}
	return backend
}
