package toolexec

import (
	"context"
	"encoding/json"

	"github.com/forge-run/forge/internal/agentctx"
)

type attemptCompletionArgs struct {
	Result string `json:"result"`
}

const attemptCompletionSchema = `{
	"type": "object",
	"properties": {
		"result": {"type": "string", "description": "The final summary of what was accomplished"}
	},
	"required": ["result"]
}`

// registerAttemptCompletion registers the terminal-signal tool the
// Orchestrator watches for (toolexec.AttemptCompletionTool) to end a turn.
// Its handler just echoes the result back as the tool output; the
// Orchestrator is what treats this call specially, not the executor.
func registerAttemptCompletion(e *Executor) {
	e.Register(AttemptCompletionTool, "Signals that the task is complete and reports the final result.",
		json.RawMessage(attemptCompletionSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args attemptCompletionArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			return agentctx.TextOutput(args.Result), nil
		})
}
