// Package transform implements per-provider Context normalization. Each
// Transformer is a pure, deterministic mapping Context -> Context; pipelines
// are assembled per call from small composable pieces, mirroring the
// teacher's toAnthropicMessages/toOpenAIMessages conversion style generalized
// into first-class values so the Orchestrator can select a pipeline by
// provider family instead of branching on provider name inline.
package transform

import (
	"fmt"
	"regexp"

	"github.com/forge-run/forge/internal/agentctx"
)

// Transformer maps a Context to a new Context. Implementations must not
// mutate the input in place; callers rely on the returned value only.
type Transformer func(*agentctx.Context) *agentctx.Context

// Pipe composes transformers left to right: Pipe(a, b)(ctx) == b(a(ctx)).
func Pipe(ts ...Transformer) Transformer {
	return func(ctx *agentctx.Context) *agentctx.Context {
		for _, t := range ts {
			ctx = t(ctx)
		}
		return ctx
	}
}

// When applies t only if predicate holds for the input context.
func When(predicate func(*agentctx.Context) bool, t Transformer) Transformer {
	return func(ctx *agentctx.Context) *agentctx.Context {
		if predicate(ctx) {
			return t(ctx)
		}
		return ctx
	}
}

func cloneMessages(ctx *agentctx.Context) *agentctx.Context {
	cp := ctx.Clone()
	return cp
}

// DropReasoningDetails clears reasoning_details on every text message.
// Used when the downstream provider rejects reasoning payloads.
func DropReasoningDetails(ctx *agentctx.Context) *agentctx.Context {
	out := cloneMessages(ctx)
	for i := range out.Messages {
		if out.Messages[i].Kind == agentctx.MessageText {
			out.Messages[i].ReasoningDetails = nil
		}
	}
	return out
}

// ReasoningNormalizer strips reasoning_details from all assistant messages
// (and clears context-level reasoning) unless the first assistant message
// already carries them — providers require consistent presence across a
// session.
func ReasoningNormalizer(ctx *agentctx.Context) *agentctx.Context {
	firstHasReasoning := false
	for _, m := range ctx.Messages {
		if m.Kind == agentctx.MessageText && m.Role == agentctx.RoleAssistant {
			firstHasReasoning = len(m.ReasoningDetails) > 0
			break
		}
	}
	if firstHasReasoning {
		return ctx
	}
	out := cloneMessages(ctx)
	out.Reasoning = nil
	for i := range out.Messages {
		if out.Messages[i].Kind == agentctx.MessageText && out.Messages[i].Role == agentctx.RoleAssistant {
			out.Messages[i].ReasoningDetails = nil
		}
	}
	return out
}

// SetModel fills model on every user message whose model is unset. Never
// overwrites an existing value; idempotent after first application.
func SetModel(id string) Transformer {
	return func(ctx *agentctx.Context) *agentctx.Context {
		out := cloneMessages(ctx)
		for i := range out.Messages {
			m := &out.Messages[i]
			if m.Kind == agentctx.MessageText && m.Role == agentctx.RoleUser && m.Model == nil {
				v := id
				m.Model = &v
			}
		}
		return out
	}
}

// ImageHandling replaces every Image value inside tool results with a text
// placeholder, then appends (User text, Image) pairs at the end of the
// context in original order. Used when a provider only accepts images as
// top-level user messages.
func ImageHandling(ctx *agentctx.Context) *agentctx.Context {
	out := cloneMessages(ctx)
	var trailing []agentctx.ContextMessage
	counter := 0

	for i := range out.Messages {
		m := &out.Messages[i]
		if m.Kind != agentctx.MessageTool || m.ToolResult == nil {
			continue
		}
		newValues := make([]agentctx.ToolValue, 0, len(m.ToolResult.Output.Values))
		for _, v := range m.ToolResult.Output.Values {
			if v.Kind != agentctx.ToolValueImage || v.Image == nil {
				newValues = append(newValues, v)
				continue
			}
			n := counter
			counter++
			placeholder := fmt.Sprintf("[The image with ID %d will be sent as an attachment in the next message]", n)
			newValues = append(newValues, agentctx.ToolValue{Kind: agentctx.ToolValueText, Text: placeholder})

			attachmentPrompt := agentctx.NewTextMessage(agentctx.RoleUser,
				fmt.Sprintf("[Here is the image attachment for ID %d]", n))
			trailing = append(trailing, attachmentPrompt, agentctx.NewImageMessage(*v.Image))
		}
		tr := *m.ToolResult
		tr.Output.Values = newValues
		m.ToolResult = &tr
	}

	out.Messages = append(out.Messages, trailing...)
	return out
}

// TransformToolCalls converts a tool-capable context to a non-tool-capable
// transport: drops tool_calls from assistant messages, replaces each Tool
// message with one User message per Text value and one User image message
// per Image value, and clears the advertised tool list.
func TransformToolCalls(ctx *agentctx.Context) *agentctx.Context {
	out := cloneMessages(ctx)
	out.Tools = nil

	var rewritten []agentctx.ContextMessage
	for _, m := range out.Messages {
		switch m.Kind {
		case agentctx.MessageText:
			if m.Role == agentctx.RoleAssistant {
				m.ToolCalls = nil
			}
			rewritten = append(rewritten, m)
		case agentctx.MessageTool:
			if m.ToolResult != nil {
				for _, v := range m.ToolResult.Output.Values {
					switch v.Kind {
					case agentctx.ToolValueText:
						rewritten = append(rewritten, agentctx.NewTextMessage(agentctx.RoleUser, v.Text))
					case agentctx.ToolValueImage:
						if v.Image != nil {
							rewritten = append(rewritten, agentctx.NewImageMessage(*v.Image))
						}
					}
				}
			}
		default:
			rewritten = append(rewritten, m)
		}
	}
	out.Messages = rewritten
	return out
}

// DropToolCalls converts Tool role messages to User, drops tool_calls on
// Assistant messages, and clears the advertised tool list — without
// flattening image/text values the way TransformToolCalls does. Used where
// tools are unsupported but the transport still accepts arbitrary user text.
func DropToolCalls(ctx *agentctx.Context) *agentctx.Context {
	out := cloneMessages(ctx)
	out.Tools = nil
	for i := range out.Messages {
		m := &out.Messages[i]
		switch m.Kind {
		case agentctx.MessageText:
			if m.Role == agentctx.RoleAssistant {
				m.ToolCalls = nil
			}
		case agentctx.MessageTool:
			if m.ToolResult != nil {
				m.Kind = agentctx.MessageText
				m.Role = agentctx.RoleUser
				m.Content = m.ToolResult.Output.CombinedText()
				m.ToolResult = nil
			}
		}
	}
	return out
}

// SetCache marks at most the last two cache-eligible messages as cached.
// System is always eligible; consecutive User messages collapse to only the
// last one; Assistant resets the user run and is never eligible itself.
// Idempotent after first application.
func SetCache(ctx *agentctx.Context) *agentctx.Context {
	out := cloneMessages(ctx)

	var eligible []int
	inUserRun := false
	for i, m := range out.Messages {
		if m.Kind != agentctx.MessageText {
			inUserRun = false
			continue
		}
		switch m.Role {
		case agentctx.RoleSystem:
			eligible = append(eligible, i)
			inUserRun = false
		case agentctx.RoleUser:
			if inUserRun && len(eligible) > 0 {
				eligible[len(eligible)-1] = i
			} else {
				eligible = append(eligible, i)
			}
			inUserRun = true
		case agentctx.RoleAssistant:
			inUserRun = false
		}
	}

	if len(eligible) > 2 {
		eligible = eligible[len(eligible)-2:]
	}
	for _, idx := range eligible {
		out.Messages[idx].Cached = true
	}
	return out
}

// ReasoningTransformAnthropic drops top_k/top_p when reasoning is enabled
// with a configured max_tokens, avoiding the request-shape conflict
// Anthropic rejects.
func ReasoningTransformAnthropic(ctx *agentctx.Context) *agentctx.Context {
	if ctx.Reasoning == nil || !ctx.Reasoning.Enabled || ctx.Reasoning.MaxTokens == nil {
		return ctx
	}
	out := cloneMessages(ctx)
	out.TopK = nil
	out.TopP = nil
	return out
}

// openAIStrippedFields lists request fields OpenAI-compatible backends reject
// or ignore when passed through verbatim from a richer internal representation.
var openAIStrippedFields = []string{
	"transforms", "prompt", "models", "route", "top_k", "top_p",
	"repetition_penalty", "min_p", "top_a", "session_id", "reasoning",
}

// OpenAICompatRequest is the wire-shape adjustment applied immediately before
// serialization for OpenAI-compatible backends: renames max_tokens to
// max_completion_tokens and drops parallel_tool_calls when no tools are
// present. It operates on a generic field map rather than Context because the
// rename/strip only matters at JSON-marshal time, not on the in-memory model.
func OpenAICompatRequest(fields map[string]any, hasTools bool) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	for _, f := range openAIStrippedFields {
		delete(out, f)
	}
	if mt, ok := out["max_tokens"]; ok {
		out["max_completion_tokens"] = mt
		delete(out, "max_tokens")
	}
	if !hasTools {
		delete(out, "parallel_tool_calls")
	}
	return out
}

// modelFamily identifies a target provider family for pipeline selection.
type modelFamily struct {
	provider string
	pattern  *regexp.Regexp
}

// Selector picks the transformer pipeline for a (provider_family, model) pair.
type Selector struct {
	rules []selectorRule
}

type selectorRule struct {
	family   modelFamily
	pipeline Transformer
}

// NewSelector creates an empty pipeline selector.
func NewSelector() *Selector {
	return &Selector{}
}

// Register associates a pipeline with a (provider, model name regex) key.
// The pipeline itself is pure and deterministic; it is assembled once here
// and reused for every matching call.
func (s *Selector) Register(provider, modelPattern string, pipeline Transformer) error {
	re, err := regexp.Compile(modelPattern)
	if err != nil {
		return fmt.Errorf("compile model pattern %q: %w", modelPattern, err)
	}
	s.rules = append(s.rules, selectorRule{family: modelFamily{provider: provider, pattern: re}, pipeline: pipeline})
	return nil
}

// Select returns the pipeline for (provider, model), or the identity
// transformer if nothing matches.
func (s *Selector) Select(provider, model string) Transformer {
	for _, r := range s.rules {
		if r.family.provider == provider && r.family.pattern.MatchString(model) {
			return r.pipeline
		}
	}
	return func(ctx *agentctx.Context) *agentctx.Context { return ctx }
}
