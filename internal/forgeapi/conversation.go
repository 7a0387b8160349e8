package forgeapi

import (
	"context"

	"github.com/google/uuid"

	"github.com/forge-run/forge/internal/compact"
	"github.com/forge-run/forge/internal/convstore"
	"github.com/forge-run/forge/internal/orchestrator"
	"github.com/forge-run/forge/internal/workflow"
)

// InitConversation creates and stores a fresh Conversation for w, per spec
// §6's init_conversation() operation.
func (a *Api) InitConversation(w workflow.Workflow) *orchestrator.Conversation {
	conv := orchestrator.NewConversation(uuid.NewString(), w)
	a.Conversations.Upsert(conv)
	return conv
}

// UpsertConversation replaces (or inserts) the stored conversation.
func (a *Api) UpsertConversation(c *orchestrator.Conversation) {
	a.Conversations.Upsert(c)
}

// Conversation returns the stored conversation for id, or false if absent.
func (a *Api) Conversation(id string) (*orchestrator.Conversation, bool) {
	return a.Conversations.Get(id)
}

// ChatRequest names the conversation a Chat call should drive and the
// event to feed it, per spec §6's ChatRequest{event, conversation_id}.
type ChatRequest struct {
	ConversationID string
	Event          orchestrator.Event
}

// Chat runs one turn against the stored conversation, persisting it back to
// the Conversation Store once the stream ends regardless of how it ended
// (per spec §4.1's "persist after every turn, success or failure").
func (a *Api) Chat(ctx context.Context, req ChatRequest) (<-chan orchestrator.ChatResponse, error) {
	conv, ok := a.Conversations.Get(req.ConversationID)
	if !ok {
		return nil, convstore.NotFoundError(req.ConversationID)
	}

	inner := a.Orchestrator.Chat(ctx, conv, req.Event)
	out := make(chan orchestrator.ChatResponse, 8)
	go func() {
		defer close(out)
		for resp := range inner {
			out <- resp
		}
		a.Conversations.Upsert(conv)
	}()
	return out, nil
}

// CompactionResult reports the outcome of an explicit compact_conversation
// call: nil Metrics means the agent's compaction policy found nothing
// eligible to compress.
type CompactionResult struct {
	Metrics *compact.Metrics
}

// CompactConversation runs the Compactor against id's stored context
// outside of a turn, persisting the result if compaction happened.
func (a *Api) CompactConversation(ctx context.Context, id string) (CompactionResult, error) {
	conv, ok := a.Conversations.Get(id)
	if !ok {
		return CompactionResult{}, convstore.NotFoundError(id)
	}
	agent, err := conv.Workflow.OperatingAgent()
	if err != nil {
		return CompactionResult{}, err
	}
	compacted, metrics, err := a.Orchestrator.Compactor.CompactContext(ctx, agent, conv.Context)
	if err != nil {
		return CompactionResult{}, err
	}
	if metrics != nil {
		conv.Context = compacted
		a.Conversations.Upsert(conv)
	}
	return CompactionResult{Metrics: metrics}, nil
}
