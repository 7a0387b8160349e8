package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/forge-run/forge/internal/agentctx"
)

// ErrSelectionCancelled is returned by a Prompter when the user cancels a
// follow_up prompt, producing the exact text spec §4.5 requires.
var ErrSelectionCancelled = errors.New("User interrupted the selection")

// Prompter is the collaborator the followup tool delegates to for
// interactive input, kept separate from Executor so a headless caller (or a
// test) can supply a scripted implementation.
type Prompter interface {
	PromptQuestion(ctx context.Context, question string) (string, error)
	SelectOne(ctx context.Context, question string, options []string) (string, error)
	SelectMany(ctx context.Context, question string, options []string) ([]string, error)
}

type followupArgs struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
}

const followupSchema = `{
	"type": "object",
	"properties": {
		"question": {"type": "string"},
		"options": {"type": "array", "items": {"type": "string"}, "maxItems": 5},
		"multiple": {"type": "boolean"}
	},
	"required": ["question"]
}`

func registerFollowup(e *Executor, prompter Prompter) {
	e.Register("followup", "Asks the user a clarifying question, optionally presenting a fixed set of options.",
		json.RawMessage(followupSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args followupArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			if prompter == nil {
				return agentctx.ErrorOutput("no interactive prompter is available"), nil
			}

			switch {
			case len(args.Options) == 0:
				answer, err := prompter.PromptQuestion(ctx, args.Question)
				if err != nil {
					return agentctx.ErrorOutput(err.Error()), nil
				}
				return agentctx.TextOutput(answer), nil

			case args.Multiple:
				selected, err := prompter.SelectMany(ctx, args.Question, args.Options)
				if err != nil {
					return agentctx.ErrorOutput(err.Error()), nil
				}
				return agentctx.TextOutput("User selected " + strconv.Itoa(len(selected)) + " option(s): " + strings.Join(selected, ", ")), nil

			default:
				selected, err := prompter.SelectOne(ctx, args.Question, args.Options)
				if err != nil {
					return agentctx.ErrorOutput(err.Error()), nil
				}
				return agentctx.TextOutput("User selected: " + selected), nil
			}
		})
}
