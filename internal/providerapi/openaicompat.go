package providerapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/retry"
	"github.com/forge-run/forge/internal/transform"
)

type chatCompletionMessage struct {
	Role       string                   `json:"role"`
	Content    string                   `json:"content,omitempty"`
	ToolCalls  []chatCompletionToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                   `json:"tool_call_id,omitempty"`
	Name       string                   `json:"name,omitempty"`
}

type chatCompletionToolCall struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function chatCompletionFunction `json:"function"`
}

type chatCompletionFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatCompletionToolParam struct {
	Type     string                    `json:"type"`
	Function chatCompletionToolParamFn `json:"function"`
}

type chatCompletionToolParamFn struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionStreamDelta struct {
	Role             string                   `json:"role,omitempty"`
	Content          string                   `json:"content,omitempty"`
	Reasoning        string                   `json:"reasoning,omitempty"`
	ReasoningContent string                   `json:"reasoning_content,omitempty"`
	ToolCalls        []chatCompletionToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionStreamChoice struct {
	Delta        chatCompletionStreamDelta `json:"delta"`
	FinishReason *string                   `json:"finish_reason"`
}

type chatCompletionStreamResponse struct {
	Choices []chatCompletionStreamChoice `json:"choices"`
	Usage   *chatCompletionUsage         `json:"usage,omitempty"`
}

type chatCompletionRequest struct {
	Model         string                     `json:"model"`
	Messages      []chatCompletionMessage    `json:"messages"`
	Tools         []chatCompletionToolParam  `json:"tools,omitempty"`
	Temperature   *float64                   `json:"temperature,omitempty"`
	TopP          *float64                   `json:"top_p,omitempty"`
	MaxTokens     *int                       `json:"max_tokens,omitempty"`
	Stream        bool                       `json:"stream"`
	StreamOptions *chatStreamOptions         `json:"stream_options,omitempty"`
}

// OpenAICompatBackend talks to any OpenAI Chat Completions-compatible
// endpoint (OpenAI itself, OpenRouter, Ollama, vLLM, ...), grounded on the
// teacher's internal/provider/openai_common.go.
type OpenAICompatBackend struct {
	providerName string
	model        string
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	retryCfg     retry.Config
}

// NewOpenAICompatBackend constructs a backend. providerName distinguishes
// the wire family in logs and in the transform.Selector registry key.
func NewOpenAICompatBackend(providerName, model string, opts Options) *OpenAICompatBackend {
	base := opts.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAICompatBackend{
		providerName: providerName,
		model:        model,
		apiKey:       opts.APIKey,
		baseURL:      base,
		httpClient:   &http.Client{Timeout: 0},
		retryCfg:     retry.DefaultConfig(),
	}
}

func (b *OpenAICompatBackend) Name() string { return b.providerName }

func (b *OpenAICompatBackend) Close() error { return nil }

func (b *OpenAICompatBackend) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	out := make([]Model, len(body.Data))
	for i, m := range body.Data {
		out[i] = Model{ID: m.ID}
	}
	return out, nil
}

func toOpenAIMessages(c *agentctx.Context) []chatCompletionMessage {
	var out []chatCompletionMessage
	for _, m := range c.Messages {
		switch m.Kind {
		case agentctx.MessageText:
			msg := chatCompletionMessage{Role: string(m.Role), Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, chatCompletionToolCall{
					ID:   tc.CallID,
					Type: "function",
					Function: chatCompletionFunction{Name: tc.Name, Arguments: args},
				})
			}
			out = append(out, msg)
		case agentctx.MessageTool:
			if m.ToolResult != nil {
				out = append(out, chatCompletionMessage{
					Role: "tool", Content: m.ToolResult.Output.CombinedText(),
					ToolCallID: m.ToolResult.CallID, Name: m.ToolResult.Name,
				})
			}
		case agentctx.MessageImage:
			// Image messages are not sent: chatCompletionMessage carries
			// text content only, so they are dropped here.
		}
	}
	return out
}

func toOpenAITools(tools []agentctx.ToolDefinition) []chatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	emptySchema := json.RawMessage(`{"type":"object","properties":{}}`)
	out := make([]chatCompletionToolParam, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		out[i] = chatCompletionToolParam{Type: "function", Function: chatCompletionToolParamFn{
			Name: t.Name, Description: t.Description, Parameters: schema,
		}}
	}
	return out
}

func (b *OpenAICompatBackend) ChatStream(ctx context.Context, model string, c *agentctx.Context) (<-chan StreamEvent, error) {
	if model == "" {
		model = b.model
	}
	req := chatCompletionRequest{
		Model:         model,
		Messages:      toOpenAIMessages(c),
		Tools:         toOpenAITools(c.Tools),
		Stream:        true,
		StreamOptions: &chatStreamOptions{IncludeUsage: true},
	}
	if c.Temperature != nil {
		req.Temperature = c.Temperature
	}
	if c.TopP != nil {
		v := float64(*c.TopP)
		req.TopP = &v
	}
	if c.MaxTokens != nil {
		v := int(*c.MaxTokens)
		req.MaxTokens = &v
	}

	fields, err := toFieldMap(req)
	if err != nil {
		return nil, err
	}
	fields = transform.OpenAICompatRequest(fields, len(req.Tools) > 0)
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion request: %w", err)
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
		parseOpenAISSEStream(ctx, respBody, ch)
	}()
	return ch, nil
}

// toFieldMap round-trips req through JSON into a generic map so
// transform.OpenAICompatRequest can apply its rename/strip rules uniformly.
func toFieldMap(req chatCompletionRequest) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (b *OpenAICompatBackend) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

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

// parseOpenAISSEStream reads "data: {...}" lines terminated by "data: [DONE]",
// grounded on the teacher's parseSSEStream/emitOpenAIDelta.
func parseOpenAISSEStream(ctx context.Context, r io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return
		}

		var chunk chatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			trySend(ctx, ch, StreamEvent{
				Type: EventUsage, InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens,
			})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if !emitOpenAIDelta(ctx, ch, chunk.Choices[0].Delta) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}

func emitOpenAIDelta(ctx context.Context, ch chan<- StreamEvent, delta chatCompletionStreamDelta) bool {
	reasoning := delta.Reasoning
	if reasoning == "" {
		reasoning = delta.ReasoningContent
	}
	if reasoning != "" {
		if !trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, Content: reasoning}) {
			return false
		}
	}
	if delta.Content != "" {
		if !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: delta.Content}) {
			return false
		}
	}
	for _, tc := range delta.ToolCalls {
		if tc.Function.Name != "" {
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallBegin, ToolCallIndex: tc.Index, ToolCallID: tc.ID, ToolCallName: tc.Function.Name,
			}) {
				return false
			}
		}
		if tc.Function.Arguments != "" {
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallDelta, ToolCallIndex: tc.Index, ToolCallArgs: tc.Function.Arguments,
			}) {
				return false
			}
		}
	}
	return true
}
