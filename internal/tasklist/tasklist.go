// Package tasklist implements the task-management built-in tools' backing
// store: an ordered deque of tasks with monotonic ids, scoped per-conversation
// per the Open Question decision in spec §9 (task-list scope).
package tasklist

import (
	"fmt"
	"strings"
)

// Status is a Task's lifecycle state.
type Status int

const (
	Pending Status = iota
	InProgress
	Done
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Task is one entry in a List.
type Task struct {
	ID     int32
	Text   string
	Status Status
}

// List is a per-conversation ordered task deque with monotonic ids.
type List struct {
	tasks  []Task
	nextID int32
}

// New creates an empty list.
func New() *List {
	return &List{nextID: 1}
}

// Append adds a new Pending task and returns its id.
func (l *List) Append(text string) int32 {
	id := l.nextID
	l.nextID++
	l.tasks = append(l.tasks, Task{ID: id, Text: text, Status: Pending})
	return id
}

// AppendMultiple appends several tasks in order, returning their ids.
func (l *List) AppendMultiple(texts []string) []int32 {
	ids := make([]int32, len(texts))
	for i, t := range texts {
		ids[i] = l.Append(t)
	}
	return ids
}

// UpdateStatus sets the status of task id. Idempotent no-op on an unknown id.
func (l *List) UpdateStatus(id int32, status Status) {
	for i := range l.tasks {
		if l.tasks[i].ID == id {
			l.tasks[i].Status = status
			return
		}
	}
}

// MarkDone is shorthand for UpdateStatus(id, Done).
func (l *List) MarkDone(id int32) {
	l.UpdateStatus(id, Done)
}

// All returns a snapshot of every task in order.
func (l *List) All() []Task {
	return append([]Task(nil), l.tasks...)
}

// Clear removes every task; the id counter is not reset.
func (l *List) Clear() {
	l.tasks = nil
}

// FormatChecklist renders the list as a checklist rather than raw JSON,
// per SPEC_FULL.md's supplemental feature grounded on
// forge_app/src/fmt/fmt_task.rs.
func FormatChecklist(tasks []Task) string {
	if len(tasks) == 0 {
		return "(no tasks)"
	}
	var b strings.Builder
	for _, t := range tasks {
		var mark string
		switch t.Status {
		case Pending:
			mark = " "
		case InProgress:
			mark = "~"
		case Done:
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %s\n", mark, t.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
