package providerapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/retry"
)

// anthropicCacheControl marks a block as an ephemeral prompt-cache anchor.
type anthropicCacheControl struct {
	Type string `json:"type"`
}

// anthropicCacheBlock is a system prompt block, optionally cache-marked.
type anthropicCacheBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicToolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type anthropicToolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTextBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicImageBlock struct {
	Type   string               `json:"type"`
	Source anthropicImageSource `json:"source"`
}

// anthropicMessage is one entry in the "messages" array of the wire request.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type anthropicTool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  json.RawMessage        `json:"input_schema"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicRequest struct {
	Model       string                 `json:"model"`
	System      []anthropicCacheBlock  `json:"system,omitempty"`
	Messages    []anthropicMessage     `json:"messages"`
	Tools       []anthropicTool        `json:"tools,omitempty"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature *float64               `json:"temperature,omitempty"`
	TopP        *float64               `json:"top_p,omitempty"`
	TopK        *int                   `json:"top_k,omitempty"`
	Stream      bool                   `json:"stream"`
	Thinking    map[string]any         `json:"thinking,omitempty"`
}

// AnthropicBackend talks to Anthropic's native Messages API.
type AnthropicBackend struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retryCfg   retry.Config
}

// NewAnthropicBackend constructs a backend bound to one model.
func NewAnthropicBackend(model string, opts Options) *AnthropicBackend {
	base := opts.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	return &AnthropicBackend{
		model:      model,
		apiKey:     opts.APIKey,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 0},
		retryCfg:   retry.DefaultConfig(),
	}
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

func (b *AnthropicBackend) Close() error { return nil }

func (b *AnthropicBackend) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{
		{ID: "claude-opus-4-6", ContextSize: 200000},
		{ID: "claude-sonnet-4-8", ContextSize: 200000},
	}, nil
}

// toAnthropicMessages hoists system text out of the message sequence and
// converts the rest into Anthropic's content-block shape, mirroring the
// teacher's toAnthropicMessages.
func toAnthropicMessages(ctx *agentctx.Context) ([]anthropicCacheBlock, []anthropicMessage) {
	var system []anthropicCacheBlock
	var out []anthropicMessage

	lastSystemIdx := -1
	for i, m := range ctx.Messages {
		if m.Kind == agentctx.MessageText && m.Role == agentctx.RoleSystem {
			lastSystemIdx = i
		}
	}

	for i, m := range ctx.Messages {
		switch m.Kind {
		case agentctx.MessageText:
			switch m.Role {
			case agentctx.RoleSystem:
				block := anthropicCacheBlock{Type: "text", Text: m.Content}
				if i == lastSystemIdx {
					block.CacheControl = &anthropicCacheControl{Type: "ephemeral"}
				}
				system = append(system, block)
			case agentctx.RoleUser:
				out = append(out, anthropicMessage{Role: "user", Content: []any{
					anthropicTextBlock{Type: "text", Text: m.Content},
				}})
			case agentctx.RoleAssistant:
				var content []any
				if m.Content != "" {
					content = append(content, anthropicTextBlock{Type: "text", Text: m.Content})
				}
				for _, tc := range m.ToolCalls {
					args := tc.Arguments
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					content = append(content, anthropicToolUseBlock{Type: "tool_use", ID: tc.CallID, Name: tc.Name, Input: args})
				}
				out = append(out, anthropicMessage{Role: "assistant", Content: content})
			}
		case agentctx.MessageTool:
			if m.ToolResult == nil {
				continue
			}
			out = append(out, anthropicMessage{Role: "user", Content: []any{
				anthropicToolResultBlock{
					Type:      "tool_result",
					ToolUseID: m.ToolResult.CallID,
					Content:   m.ToolResult.Output.CombinedText(),
					IsError:   m.ToolResult.Output.IsError,
				},
			}})
		case agentctx.MessageImage:
			if m.ImageValue == nil {
				continue
			}
			out = append(out, anthropicMessage{Role: "user", Content: []any{
				anthropicImageBlock{Type: "image", Source: anthropicImageSource{
					Type: "base64", MediaType: m.ImageValue.MimeType, Data: base64.StdEncoding.EncodeToString(m.ImageValue.Data),
				}},
			}})
		}
	}
	return system, out
}

func toAnthropicTools(tools []agentctx.ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	emptySchema := json.RawMessage(`{"type":"object","properties":{}}`)
	out := make([]anthropicTool, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		out[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema}
	}
	out[len(out)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	return out
}

func (b *AnthropicBackend) ChatStream(ctx context.Context, model string, c *agentctx.Context) (<-chan StreamEvent, error) {
	if model == "" {
		model = b.model
	}
	system, messages := toAnthropicMessages(c)
	req := anthropicRequest{
		Model:    model,
		System:   system,
		Messages: messages,
		Tools:    toAnthropicTools(c.Tools),
		Stream:   true,
	}
	if c.MaxTokens != nil {
		req.MaxTokens = int(*c.MaxTokens)
	} else {
		req.MaxTokens = 4096
	}
	if c.Temperature != nil {
		req.Temperature = c.Temperature
	}
	if c.TopP != nil {
		v := float64(*c.TopP)
		req.TopP = &v
	}
	if c.TopK != nil {
		v := int(*c.TopK)
		req.TopK = &v
	}
	if c.Reasoning != nil && c.Reasoning.Enabled {
		thinking := map[string]any{"type": "enabled"}
		if c.Reasoning.MaxTokens != nil {
			thinking["budget_tokens"] = *c.Reasoning.MaxTokens
		}
		req.Thinking = thinking
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		var respBody io.ReadCloser
		err := retry.Do(ctx, b.retryCfg, nil, func(ctx context.Context, attempt int) error {
			rc, rerr := b.doRequest(ctx, body)
			if rerr != nil {
				return rerr
			}
			respBody = rc
			return nil
		})
		if err != nil {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
			return
		}
		defer respBody.Close()
		parseAnthropicSSEStream(ctx, respBody, ch)
	}()
	return ch, nil
}

func (b *AnthropicBackend) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, &retry.RetryableError{Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}
	payload, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return nil, retry.ClassifyHTTPStatus(b.retryCfg, resp.StatusCode, strings.TrimSpace(string(payload)))
}

// anthropicBlockTracker maps a content_block index to the tool-call ordinal
// that was assigned to it when content_block_start declared it tool_use.
type anthropicBlockTracker struct {
	toolIndexByBlock map[int]int
	nextToolIndex    int
}

func newAnthropicBlockTracker() *anthropicBlockTracker {
	return &anthropicBlockTracker{toolIndexByBlock: make(map[int]int)}
}

type sseMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type sseContentBlockStart struct {
	Index int `json:"index"`
	Block struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type sseContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type sseMessageDelta struct {
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// parseAnthropicSSEStream reads Anthropic's event-typed SSE stream and emits
// StreamEvents, grounded on the teacher's parseAnthropicSSEStream.
func parseAnthropicSSEStream(ctx context.Context, r io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	tracker := newAnthropicBlockTracker()
	var inputTokens int

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if !handleAnthropicEvent(ctx, ch, eventType, data, tracker, &inputTokens) {
				return
			}
		case line == "":
			eventType = ""
		}
	}
	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}

func handleAnthropicEvent(ctx context.Context, ch chan<- StreamEvent, eventType, data string, tracker *anthropicBlockTracker, inputTokens *int) bool {
	switch eventType {
	case "message_start":
		var ev sseMessageStart
		if json.Unmarshal([]byte(data), &ev) == nil {
			*inputTokens = ev.Message.Usage.InputTokens
		}
	case "content_block_start":
		var ev sseContentBlockStart
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			log.Warn().Err(err).Msg("failed to parse content_block_start")
			return true
		}
		if ev.Block.Type == "tool_use" {
			idx := tracker.nextToolIndex
			tracker.toolIndexByBlock[ev.Index] = idx
			tracker.nextToolIndex++
			return trySend(ctx, ch, StreamEvent{Type: EventToolCallBegin, ToolCallIndex: idx, ToolCallID: ev.Block.ID, ToolCallName: ev.Block.Name})
		}
	case "content_block_delta":
		var ev sseContentBlockDelta
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			log.Warn().Err(err).Msg("failed to parse content_block_delta")
			return true
		}
		switch ev.Delta.Type {
		case "text_delta":
			return trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: ev.Delta.Text})
		case "thinking_delta":
			return trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, Content: ev.Delta.Thinking})
		case "signature_delta":
			return trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, ReasoningSig: ev.Delta.Signature})
		case "input_json_delta":
			idx, ok := tracker.toolIndexByBlock[ev.Index]
			if !ok {
				return true
			}
			return trySend(ctx, ch, StreamEvent{Type: EventToolCallDelta, ToolCallIndex: idx, ToolCallArgs: ev.Delta.PartialJSON})
		}
	case "message_delta":
		var ev sseMessageDelta
		if json.Unmarshal([]byte(data), &ev) == nil {
			return trySend(ctx, ch, StreamEvent{Type: EventUsage, InputTokens: *inputTokens, OutputTokens: ev.Usage.OutputTokens})
		}
	case "message_stop":
		return trySend(ctx, ch, StreamEvent{Type: EventDone})
	case "ping":
	}
	return true
}
