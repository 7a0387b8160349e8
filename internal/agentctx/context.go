// Package agentctx implements the conversation Context: the ordered message
// sequence, tool definitions, and sampling parameters submitted to a model
// for one completion turn.
package agentctx

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Role identifies who authored a ContextMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxTokens is a validated bound on completion length, 1..100_000 inclusive.
type MaxTokens int

// NewMaxTokens validates and constructs a MaxTokens value.
func NewMaxTokens(n int) (MaxTokens, error) {
	if n < 1 || n > 100_000 {
		return 0, fmt.Errorf("max_tokens must be in 1..=100000, got %d", n)
	}
	return MaxTokens(n), nil
}

// TopP is a nucleus-sampling parameter, (0, 1].
type TopP float64

// NewTopP validates and constructs a TopP value.
func NewTopP(v float64) (TopP, error) {
	if v <= 0 || v > 1 {
		return 0, fmt.Errorf("top_p must be in (0, 1], got %v", v)
	}
	return TopP(v), nil
}

// TopK is a top-k sampling parameter, >= 1.
type TopK int

// NewTopK validates and constructs a TopK value.
func NewTopK(v int) (TopK, error) {
	if v < 1 {
		return 0, fmt.Errorf("top_k must be >= 1, got %d", v)
	}
	return TopK(v), nil
}

// ReasoningEffort is a coarse hint some providers accept instead of a token budget.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// ReasoningConfig controls whether and how a model's internal reasoning is requested.
type ReasoningConfig struct {
	Enabled   bool
	MaxTokens *int
	Effort    *ReasoningEffort
	Exclude   bool
}

// Usage accumulates token usage across a conversation's turns.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64 // estimated cost in USD; 0 if the provider does not report pricing
}

// Add folds another Usage into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Cost += other.Cost
}

// ToolDefinition is a tool advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// ToolCallFull is a fully-assembled tool invocation.
type ToolCallFull struct {
	CallID    string // empty when the provider does not emit ids
	Name      string
	Arguments json.RawMessage
}

// ToolValueKind discriminates ToolValue content.
type ToolValueKind int

const (
	ToolValueText ToolValueKind = iota
	ToolValueImage
	ToolValueEmpty
)

// ToolValue is one piece of a ToolOutput.
type ToolValue struct {
	Kind ToolValueKind
	Text string
	Image *Image
}

// ToolOutput is the ordered result of executing a tool call.
type ToolOutput struct {
	Values  []ToolValue
	IsError bool
}

// TextOutput builds a single-value text ToolOutput.
func TextOutput(text string) ToolOutput {
	return ToolOutput{Values: []ToolValue{{Kind: ToolValueText, Text: text}}}
}

// ErrorOutput builds a single-value error ToolOutput.
func ErrorOutput(text string) ToolOutput {
	return ToolOutput{Values: []ToolValue{{Kind: ToolValueText, Text: text}}, IsError: true}
}

// CombinedText concatenates every text value in the output.
func (o ToolOutput) CombinedText() string {
	var s string
	for _, v := range o.Values {
		if v.Kind == ToolValueText {
			s += v.Text
		}
	}
	return s
}

// ToolResult pairs a tool's output with the call it answers.
type ToolResult struct {
	Name   string
	CallID string
	Output ToolOutput
}

// Image is an inline image attachment.
type Image struct {
	MimeType string
	Data     []byte // raw bytes; transformers re-encode as needed for the wire
}

// MessageKind discriminates ContextMessage variants.
type MessageKind int

const (
	MessageText MessageKind = iota
	MessageTool
	MessageImage
)

// ReasoningFull is one fully-assembled reasoning block.
type ReasoningFull struct {
	Text      string
	Signature string
}

// ContextMessage is a tagged-union entry in a Context's message sequence.
type ContextMessage struct {
	Kind MessageKind

	// Text fields (MessageText)
	Role             Role
	Content          string
	ToolCalls        []ToolCallFull
	Model            *string
	ReasoningDetails []ReasoningFull
	Cached           bool // set by the SetCache transformer
	CreatedAt        time.Time

	// Tool fields (MessageTool)
	ToolResult *ToolResult

	// Image fields (MessageImage)
	ImageValue *Image
}

// NewTextMessage builds a MessageText entry.
func NewTextMessage(role Role, content string) ContextMessage {
	return ContextMessage{Kind: MessageText, Role: role, Content: content, CreatedAt: time.Now()}
}

// NewToolMessage builds a MessageTool entry.
func NewToolMessage(result ToolResult) ContextMessage {
	return ContextMessage{Kind: MessageTool, ToolResult: &result, CreatedAt: time.Now()}
}

// NewImageMessage builds a MessageImage entry.
func NewImageMessage(img Image) ContextMessage {
	return ContextMessage{Kind: MessageImage, ImageValue: &img, CreatedAt: time.Now()}
}

// ErrInvalidContext is returned by Validate when an invariant is broken.
var ErrInvalidContext = errors.New("invalid context")

// Context is the ordered message sequence plus sampling config submitted to a model.
type Context struct {
	Messages    []ContextMessage
	Tools       []ToolDefinition
	TopP        *TopP
	TopK        *TopK
	MaxTokens   *MaxTokens
	Temperature *float64
	Reasoning   *ReasoningConfig
	Usage       Usage
}

// New creates an empty Context.
func New() *Context {
	return &Context{}
}

// WithSystem sets (or replaces) the System message at index 0.
func (c *Context) WithSystem(content string) *Context {
	sys := NewTextMessage(RoleSystem, content)
	if len(c.Messages) > 0 && c.Messages[0].Kind == MessageText && c.Messages[0].Role == RoleSystem {
		c.Messages[0] = sys
		return c
	}
	c.Messages = append([]ContextMessage{sys}, c.Messages...)
	return c
}

// AppendUser appends a User text message.
func (c *Context) AppendUser(content string) *Context {
	c.Messages = append(c.Messages, NewTextMessage(RoleUser, content))
	return c
}

// AppendAssistant appends an Assistant text message, optionally carrying tool calls.
func (c *Context) AppendAssistant(content string, toolCalls []ToolCallFull, reasoning []ReasoningFull) *Context {
	msg := NewTextMessage(RoleAssistant, content)
	msg.ToolCalls = toolCalls
	msg.ReasoningDetails = reasoning
	c.Messages = append(c.Messages, msg)
	return c
}

// AppendToolResult appends a Tool-role message carrying a ToolResult.
func (c *Context) AppendToolResult(r ToolResult) *Context {
	c.Messages = append(c.Messages, NewToolMessage(r))
	return c
}

// Validate checks the structural invariants from §3: a single System
// message at index 0 (if any), and every Tool message preceded by an
// Assistant message that produced at least one tool call.
func (c *Context) Validate() error {
	sawAssistantWithCalls := false
	for i, m := range c.Messages {
		if m.Kind == MessageText && m.Role == RoleSystem && i != 0 {
			return fmt.Errorf("%w: system message at index %d, must be at index 0", ErrInvalidContext, i)
		}
		if m.Kind == MessageText && m.Role == RoleAssistant {
			sawAssistantWithCalls = len(m.ToolCalls) > 0
			continue
		}
		if m.Kind == MessageTool {
			if !sawAssistantWithCalls {
				return fmt.Errorf("%w: tool message at index %d not preceded by an assistant tool call", ErrInvalidContext, i)
			}
			continue
		}
	}
	return nil
}

// PendingCallIDs returns the call_ids from the last assistant message's tool
// calls that do not yet have a matching Tool result later in the sequence.
func (c *Context) PendingCallIDs() []string {
	var lastCalls []ToolCallFull
	lastCallsIdx := -1
	for i, m := range c.Messages {
		if m.Kind == MessageText && m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			lastCalls = m.ToolCalls
			lastCallsIdx = i
		}
	}
	if lastCallsIdx < 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range c.Messages[lastCallsIdx+1:] {
		if m.Kind == MessageTool && m.ToolResult != nil && m.ToolResult.CallID != "" {
			answered[m.ToolResult.CallID] = true
		}
	}
	var pending []string
	for _, tc := range lastCalls {
		if tc.CallID == "" || answered[tc.CallID] {
			continue
		}
		pending = append(pending, tc.CallID)
	}
	return pending
}

// Clone returns a deep-enough copy for Orchestrator ownership semantics:
// the message slice is copied so appends during a turn do not alias the
// conversation's stored context until the turn upserts.
func (c *Context) Clone() *Context {
	cp := *c
	cp.Messages = append([]ContextMessage(nil), c.Messages...)
	cp.Tools = append([]ToolDefinition(nil), c.Tools...)
	return &cp
}
