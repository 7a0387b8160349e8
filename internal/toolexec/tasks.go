package toolexec

import (
	"context"
	"encoding/json"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/tasklist"
)

const taskListAppendSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string"},
		"texts": {"type": "array", "items": {"type": "string"}}
	}
}`

const taskListUpdateSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "integer"},
		"status": {"type": "string", "enum": ["pending", "in_progress", "done"]}
	},
	"required": ["id", "status"]
}`

const taskListEmptySchema = `{"type": "object", "properties": {}}`

func parseTaskStatus(s string) tasklist.Status {
	switch s {
	case "in_progress":
		return tasklist.InProgress
	case "done":
		return tasklist.Done
	default:
		return tasklist.Pending
	}
}

type taskListAppendArgs struct {
	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

type taskListUpdateArgs struct {
	ID     int32  `json:"id"`
	Status string `json:"status"`
}

// registerTaskListTools wires the task_list_* built-ins against whatever
// *tasklist.List is bound to the dispatch context via WithTaskList, per the
// per-conversation scope decision for the task-list Open Question.
func registerTaskListTools(e *Executor) {
	e.Register("task_list_append", "Appends one or more tasks to the current task list.",
		json.RawMessage(taskListAppendSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			list, ok := taskListFromContext(ctx)
			if !ok {
				return agentctx.ErrorOutput("no task list bound to this conversation"), nil
			}
			var args taskListAppendArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			if args.Text != "" {
				list.Append(args.Text)
			}
			if len(args.Texts) > 0 {
				list.AppendMultiple(args.Texts)
			}
			return agentctx.TextOutput(tasklist.FormatChecklist(list.All())), nil
		})

	e.Register("task_list_update", "Updates the status of a task by id.",
		json.RawMessage(taskListUpdateSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			list, ok := taskListFromContext(ctx)
			if !ok {
				return agentctx.ErrorOutput("no task list bound to this conversation"), nil
			}
			var args taskListUpdateArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			list.UpdateStatus(args.ID, parseTaskStatus(args.Status))
			return agentctx.TextOutput(tasklist.FormatChecklist(list.All())), nil
		})

	e.Register("task_list_list", "Lists the current task list as a checklist.",
		json.RawMessage(taskListEmptySchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			list, ok := taskListFromContext(ctx)
			if !ok {
				return agentctx.ErrorOutput("no task list bound to this conversation"), nil
			}
			tasks := list.All()
			if len(tasks) == 0 {
				return agentctx.TextOutput("(task list is empty)"), nil
			}
			return agentctx.TextOutput(tasklist.FormatChecklist(tasks)), nil
		})

	e.Register("task_list_clear", "Clears the current task list.",
		json.RawMessage(taskListEmptySchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			list, ok := taskListFromContext(ctx)
			if !ok {
				return agentctx.ErrorOutput("no task list bound to this conversation"), nil
			}
			list.Clear()
			return agentctx.TextOutput("task list cleared"), nil
		})
}
