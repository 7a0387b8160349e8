// Package toolexec implements the Tool Executor: the enumerated built-in
// tool set from spec §4.5, each published with a JSON Schema and validated
// before dispatch, grounded on the teacher's internal/mcptools/* handlers.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/forgeerr"
	"github.com/forge-run/forge/internal/tasklist"
)

// AttemptCompletionTool is the terminal-signal tool name the Orchestrator
// watches for to end a turn (spec §4.1 step 8).
const AttemptCompletionTool = "attempt_completion"

// Handler runs one built-in tool call against already-validated arguments.
type Handler func(ctx context.Context, args json.RawMessage) (agentctx.ToolOutput, error)

type registeredTool struct {
	def     agentctx.ToolDefinition
	handler Handler
	schema  *jsonschema.Schema
}

// Executor holds the closed, enumerated set of built-in tools.
type Executor struct {
	tools map[string]*registeredTool
	order []string
}

// NewExecutor creates an empty Executor; call Register for each built-in.
func NewExecutor() *Executor {
	return &Executor{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. schemaJSON is compiled once at registration time;
// a malformed schema is a programmer error and panics, matching the
// teacher's pattern of building schemas from Go string literals.
func (e *Executor) Register(name, description string, schemaJSON json.RawMessage, h Handler) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("toolexec: invalid schema for %s: %v", name, err))
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		panic(fmt.Sprintf("toolexec: invalid schema for %s: %v", name, err))
	}
	e.tools[name] = &registeredTool{
		def:     agentctx.ToolDefinition{Name: name, Description: description, Parameters: schemaJSON},
		handler: h,
		schema:  schema,
	}
	e.order = append(e.order, name)
}

// Names lists every registered built-in tool name, in registration order.
func (e *Executor) Names() []string {
	return append([]string(nil), e.order...)
}

// Definitions returns every tool's advertised definition, in registration order.
func (e *Executor) Definitions() []agentctx.ToolDefinition {
	out := make([]agentctx.ToolDefinition, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.tools[name].def)
	}
	return out
}

// Execute validates call.Arguments against the tool's published schema, then
// runs its handler.
func (e *Executor) Execute(ctx context.Context, call agentctx.ToolCallFull) (agentctx.ToolOutput, error) {
	t, ok := e.tools[call.Name]
	if !ok {
		return agentctx.ToolOutput{}, forgeerr.NotFound(call.Name)
	}

	var decoded any
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return agentctx.ToolOutput{}, forgeerr.CallArgument(fmt.Sprintf("arguments for %q are not valid JSON", call.Name), err)
	}
	if err := t.schema.Validate(decoded); err != nil {
		return agentctx.ToolOutput{}, forgeerr.CallArgument(fmt.Sprintf("arguments for %q failed schema validation: %v", call.Name, err), err)
	}

	return t.handler(ctx, args)
}

// taskListKey is the context key the Orchestrator uses to bind the active
// conversation's TaskList before dispatching task_list_* calls, per the
// per-conversation scope decision recorded in DESIGN.md.
type taskListKeyType struct{}

var taskListKey = taskListKeyType{}

// WithTaskList attaches list to ctx for the duration of a tool dispatch.
func WithTaskList(ctx context.Context, list *tasklist.List) context.Context {
	return context.WithValue(ctx, taskListKey, list)
}

func taskListFromContext(ctx context.Context) (*tasklist.List, bool) {
	l, ok := ctx.Value(taskListKey).(*tasklist.List)
	return l, ok
}
