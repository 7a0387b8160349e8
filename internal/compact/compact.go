// Package compact implements the Compactor: scanning a Context for a
// compressible message span and replacing it with one summarizing User
// message, per spec §4.7. Grounded on
// original_source/crates/forge_app/src/compact.rs (compact_context,
// compress_single_sequence, generate_summary_for_sequence) and the
// teacher's prompt-template-loading style (string-built prompts rather
// than a templating engine, since forge.yaml template rendering is out of
// this module's non-goals).
package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/providerapi"
	"github.com/forge-run/forge/internal/workflow"
)

// Metrics reports the effect of one compaction.
type Metrics struct {
	OriginalTokens    int
	CompactedTokens   int
	OriginalMessages  int
	CompactedMessages int
}

// estimateTokens approximates token count at ~4 characters per token, the
// convention spec §4.7 names for compaction metrics.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// FindCompactSequence locates the longest prefix-aligned contiguous span of
// messages that (a) lies entirely before the last retentionWindow messages
// and (b) starts at an Assistant or Tool role message. Returns the
// [start, end] index pair (both ends inclusive) of the earliest such
// span, or ok=false if none qualifies.
func FindCompactSequence(c *agentctx.Context, retentionWindow int) (start, end int, ok bool) {
	total := len(c.Messages)
	boundary := total - retentionWindow
	if boundary <= 0 {
		return 0, 0, false
	}

	start = -1
	for i := 0; i < boundary; i++ {
		m := c.Messages[i]
		isAssistant := m.Kind == agentctx.MessageText && m.Role == agentctx.RoleAssistant
		isTool := m.Kind == agentctx.MessageTool
		if start < 0 {
			if isAssistant || isTool {
				start = i
			}
			continue
		}
	}
	if start < 0 {
		return 0, 0, false
	}
	return start, boundary - 1, true
}

// Provider is the subset of a chat backend the Compactor needs to generate
// a summary: one streamed completion over a small mini-context, which the
// Compactor collects into a single reply.
type Provider interface {
	ChatStream(ctx context.Context, model string, c *agentctx.Context) (<-chan providerapi.StreamEvent, error)
}

// Compactor compresses qualifying spans of a Context using a Provider.
type Compactor struct {
	provider Provider
}

// New constructs a Compactor bound to provider.
func New(provider Provider) *Compactor {
	return &Compactor{provider: provider}
}

// CompactContext applies compaction to c if agent carries a Compact policy
// and the context satisfies the precondition; otherwise c is returned
// unchanged. Exactly one span is compacted per invocation, the earliest
// qualifying one.
func (co *Compactor) CompactContext(ctx context.Context, agent workflow.Agent, c *agentctx.Context) (*agentctx.Context, *Metrics, error) {
	if agent.Compact == nil {
		return c, nil, nil
	}
	start, end, ok := FindCompactSequence(c, agent.Compact.RetentionWindow)
	if !ok {
		return c, nil, nil
	}

	span := c.Messages[start : end+1]
	originalText := renderContextText(span)

	summary, err := co.generateSummary(ctx, *agent.Compact, span)
	if err != nil {
		return nil, nil, fmt.Errorf("compact: generate summary: %w", err)
	}

	framed := renderSummaryFrame(summary)
	replacement := agentctx.NewTextMessage(agentctx.RoleUser, framed)

	newMessages := make([]agentctx.ContextMessage, 0, len(c.Messages)-(end-start)+1)
	newMessages = append(newMessages, c.Messages[:start]...)
	newMessages = append(newMessages, replacement)
	newMessages = append(newMessages, c.Messages[end+1:]...)

	compacted := c.Clone()
	compacted.Messages = newMessages

	metrics := &Metrics{
		OriginalTokens:    estimateTokens(originalText),
		CompactedTokens:   estimateTokens(framed),
		OriginalMessages:  len(span),
		CompactedMessages: 1,
	}
	return compacted, metrics, nil
}

// generateSummary renders the summarizer prompt over span, calls the
// provider, and extracts the summary_tag content if one is configured.
func (co *Compactor) generateSummary(ctx context.Context, policy workflow.Compact, span []agentctx.ContextMessage) (string, error) {
	sequenceText := renderContextText(span)
	prompt := renderSummarizerPrompt(policy, sequenceText)

	mini := agentctx.New().AppendUser(prompt)
	if policy.MaxTokens != nil {
		mt, err := agentctx.NewMaxTokens(*policy.MaxTokens)
		if err != nil {
			return "", err
		}
		mini.MaxTokens = &mt
	}

	ch, err := co.provider.ChatStream(ctx, policy.Model, mini)
	if err != nil {
		return "", err
	}
	full, err := providerapi.Collect(ch, nil)
	if err != nil {
		return "", err
	}

	if policy.SummaryTag != "" {
		if extracted, ok := extractTagContent(full.Content, policy.SummaryTag); ok {
			return extracted, nil
		}
	}
	return full.Content, nil
}

// renderContextText renders a message span as plain text for the
// summarizer's input, mirroring the original's Context::to_text.
func renderContextText(span []agentctx.ContextMessage) string {
	var b strings.Builder
	for _, m := range span {
		switch m.Kind {
		case agentctx.MessageText:
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		case agentctx.MessageTool:
			if m.ToolResult != nil {
				fmt.Fprintf(&b, "[tool:%s] %s\n", m.ToolResult.Name, m.ToolResult.Output.CombinedText())
			}
		case agentctx.MessageImage:
			b.WriteString("[image]\n")
		}
	}
	return b.String()
}

func renderSummarizerPrompt(policy workflow.Compact, contextText string) string {
	if policy.Prompt != "" {
		return strings.ReplaceAll(policy.Prompt, "{{context}}", contextText)
	}
	var b strings.Builder
	b.WriteString("Summarize the following conversation excerpt concisely, preserving any decisions, file paths, and outstanding tasks.\n\n")
	b.WriteString(contextText)
	if policy.SummaryTag != "" {
		fmt.Fprintf(&b, "\n\nWrap your summary in <%s></%s> tags.", policy.SummaryTag, policy.SummaryTag)
	}
	return b.String()
}

func renderSummaryFrame(summary string) string {
	return fmt.Sprintf("[Conversation summary of earlier context]\n%s", summary)
}

// extractTagContent returns the text between the first <tag>...</tag> pair
// in s, or false if the tag is not present.
func extractTagContent(s, tag string) (string, bool) {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	i := strings.Index(s, open)
	if i < 0 {
		return "", false
	}
	j := strings.Index(s[i+len(open):], closeTag)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(s[i+len(open) : i+len(open)+j]), true
}
