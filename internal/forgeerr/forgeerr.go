// Package forgeerr defines the typed error kinds exposed by the core (spec
// §7): CallArgument, NotFound, NotAllowed, CallTimeout, EmptyToolResponse,
// AuthInProgress, Retryable, and Fatal. Shared by toolregistry, toolexec,
// and orchestrator so each can classify failures without import cycles,
// in the spirit of the teacher's mcp.Error.
package forgeerr

import "fmt"

// Kind discriminates an Error's variant.
type Kind int

const (
	KindCallArgument Kind = iota
	KindNotFound
	KindNotAllowed
	KindCallTimeout
	KindEmptyToolResponse
	KindAuthInProgress
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindCallArgument:
		return "call_argument"
	case KindNotFound:
		return "not_found"
	case KindNotAllowed:
		return "not_allowed"
	case KindCallTimeout:
		return "call_timeout"
	case KindEmptyToolResponse:
		return "empty_tool_response"
	case KindAuthInProgress:
		return "auth_in_progress"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the core's typed error envelope. Fields beyond Kind/Message are
// populated only for the variants that carry structured data.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// NotFound / NotAllowed
	ToolName  string
	Supported []string

	// CallTimeout
	TimeoutMinutes float64
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a forgeerr.Error of the same Kind, letting
// errors.Is(err, forgeerr.New(forgeerr.KindNotFound, "", nil)) style checks work.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound builds the NotFound(name) variant.
func NotFound(name string) *Error {
	return &Error{Kind: KindNotFound, ToolName: name, Message: fmt.Sprintf("tool %q not found", name)}
}

// NotAllowed builds the NotAllowed{name, supported} variant with the exact
// message format required by spec §8 scenario 3.
func NotAllowed(name string, supported []string) *Error {
	return &Error{
		Kind: KindNotAllowed, ToolName: name, Supported: supported,
		Message: fmt.Sprintf("Tool '%s' is not available. Please try again with one of these tools: %s",
			name, formatToolList(supported)),
	}
}

func formatToolList(names []string) string {
	s := "["
	for i, n := range names {
		if i > 0 {
			s += " "
		}
		s += n
	}
	return s + "]"
}

// CallTimeout builds the CallTimeout{tool_name, minutes} variant.
func CallTimeout(toolName string, minutes float64) *Error {
	return &Error{
		Kind: KindCallTimeout, ToolName: toolName, TimeoutMinutes: minutes,
		Message: fmt.Sprintf("tool %q timed out after %.1f minutes", toolName, minutes),
	}
}

// CallArgument builds the CallArgument variant for a failed schema/parse.
func CallArgument(message string, cause error) *Error {
	return &Error{Kind: KindCallArgument, Message: message, Cause: cause}
}

// EmptyToolResponse builds the EmptyToolResponse variant.
func EmptyToolResponse(toolName string) *Error {
	return &Error{Kind: KindEmptyToolResponse, ToolName: toolName, Message: fmt.Sprintf("%q produced no response", toolName)}
}

// Fatal wraps an arbitrary cause as the Fatal variant.
func Fatal(cause error) *Error {
	return &Error{Kind: KindFatal, Message: cause.Error(), Cause: cause}
}
