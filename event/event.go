// Package event defines the canonical event model shared by every stage of
// the agent streaming pipeline. Agent callbacks, source adapters, the run
// state machine and the protocol encoders all exchange Event values; no
// component ever re-interprets an event's Kind after construction.
//
// Events form a closed set of variants discriminated by Kind. Each variant
// uses a fixed subset of the Event fields (documented per constructor);
// fields outside that subset are ignored by consumers. The optional Addition
// map is merged into the encoded wire frame by the protocol encoders
// according to the event's merge policy.
package event

import (
	"errors"
	"fmt"
)

// Kind discriminates the canonical event variants.
type Kind string

const (
	// KindText carries an incremental chunk of assistant message text.
	KindText Kind = "TEXT"

	// KindToolCall carries a complete tool invocation (id, name and full
	// arguments) in one event. The invoker rewrites it into a single
	// KindToolCallChunk so downstream components only ever see the
	// chunked form.
	KindToolCall Kind = "TOOL_CALL"

	// KindToolCallChunk carries a fragment of a streamed tool invocation.
	// The first chunk for a tool call id carries the tool name; later
	// chunks carry argument fragments only.
	KindToolCallChunk Kind = "TOOL_CALL_CHUNK"

	// KindToolResult carries the terminal result of a tool invocation and
	// marks the invocation as complete.
	KindToolResult Kind = "TOOL_RESULT"

	// KindToolResultChunk carries an incremental fragment of tool output
	// produced while the tool is still running. Fragments are buffered by
	// the run state machine and prepended to the terminal result.
	KindToolResultChunk Kind = "TOOL_RESULT_CHUNK"

	// KindState carries either a full state snapshot or an incremental
	// state patch for protocols that support state synchronization.
	KindState Kind = "STATE"

	// KindHITL requests human intervention, either tied to an existing
	// tool call or as a standalone pseudo tool call.
	KindHITL Kind = "HITL"

	// KindCustom carries an application-defined named value.
	KindCustom Kind = "CUSTOM"

	// KindError reports a failure. An error event is terminal: nothing
	// follows it in a canonical sequence.
	KindError Kind = "ERROR"

	// KindRaw carries an already-encoded wire fragment written to the
	// response stream verbatim (modulo frame terminator normalization).
	KindRaw Kind = "RAW"
)

// MergePolicy controls how an event's Addition map is merged into the
// encoded wire frame.
type MergePolicy int

const (
	// MergeOverrideAndAdd deep-merges the addition into the frame:
	// existing keys are overridden, new keys are added. This is the
	// default policy.
	MergeOverrideAndAdd MergePolicy = iota

	// MergeOverrideOnly overrides existing keys but silently drops keys
	// the frame does not already carry.
	MergeOverrideOnly
)

// Event is one canonical pipeline event. Construct events with the
// package-level constructors; the zero value is not a valid event.
//
// Events are treated as immutable once constructed. The field subset in use
// depends on Kind; see the constructors for the per-kind contracts.
type Event struct {
	// Kind discriminates the variant and is never re-interpreted.
	Kind Kind

	// Delta is the text fragment of TEXT and TOOL_RESULT_CHUNK events.
	Delta string

	// ToolCallID identifies the tool invocation for TOOL_CALL,
	// TOOL_CALL_CHUNK, TOOL_RESULT and TOOL_RESULT_CHUNK events.
	ToolCallID string

	// ToolName is the invoked tool's name. Required on TOOL_CALL, set on
	// the first TOOL_CALL_CHUNK of an invocation, optional elsewhere.
	ToolName string

	// Args holds the complete argument JSON of a TOOL_CALL event.
	Args string

	// ArgsDelta holds the argument fragment of a TOOL_CALL_CHUNK event.
	ArgsDelta string

	// Result holds the terminal output of a TOOL_RESULT event.
	Result string

	// ResultMessageID optionally overrides the message id attached to an
	// encoded tool result frame.
	ResultMessageID string

	// Snapshot is the full state value of a snapshot STATE event.
	Snapshot any

	// StateDelta is the JSON-Patch operation list of an incremental
	// STATE event. When non-nil it takes precedence over Snapshot.
	StateDelta []any

	// HITL describes a human-in-the-loop request for HITL events.
	HITL *HITLRequest

	// CustomName and CustomValue carry the payload of CUSTOM events.
	CustomName  string
	CustomValue any

	// ErrorMessage and ErrorCode carry the payload of ERROR events.
	ErrorMessage string
	ErrorCode    string

	// Raw is the pre-encoded wire fragment of RAW events.
	Raw string

	// Addition is merged into the encoded wire frame per AdditionPolicy.
	Addition map[string]any

	// AdditionPolicy selects the Addition merge behavior.
	AdditionPolicy MergePolicy
}

// HITLRequest describes a request for human intervention.
type HITLRequest struct {
	// ID identifies the request when it is not tied to an existing tool
	// call.
	ID string
	// ToolCallID optionally references an existing tool call awaiting
	// human input.
	ToolCallID string
	// Type classifies the interaction, for example "confirmation" or
	// "input". Defaults to "confirmation".
	Type string
	// Prompt is the text shown to the human.
	Prompt string
	// Options optionally enumerates the allowed responses.
	Options []string
	// Default is the pre-selected response, if any.
	Default any
	// Timeout bounds the wait in seconds; zero means no bound.
	Timeout int
	// Schema optionally constrains the response as a JSON Schema.
	Schema any
}

// Text returns a TEXT event carrying the given fragment.
func Text(delta string) Event {
	return Event{Kind: KindText, Delta: delta}
}

// ToolCall returns a TOOL_CALL event describing a complete invocation. The
// invoker expands it into a single TOOL_CALL_CHUNK before it reaches the
// run state machine; id may be empty, in which case the invoker generates
// one.
func ToolCall(id, name, args string) Event {
	return Event{Kind: KindToolCall, ToolCallID: id, ToolName: name, Args: args}
}

// ToolCallChunk returns a TOOL_CALL_CHUNK event. The first chunk of an
// invocation must carry the tool name; later chunks may leave it empty.
func ToolCallChunk(id, name, argsDelta string) Event {
	return Event{Kind: KindToolCallChunk, ToolCallID: id, ToolName: name, ArgsDelta: argsDelta}
}

// ToolResult returns a TOOL_RESULT event closing the invocation identified
// by id. messageID names the protocol message carrying the result; when
// empty the pipeline derives one from the call id.
func ToolResult(id, result, messageID string) Event {
	return Event{Kind: KindToolResult, ToolCallID: id, Result: result, ResultMessageID: messageID}
}

// ToolResultChunk returns a TOOL_RESULT_CHUNK event carrying an incremental
// fragment of the invocation's output.
func ToolResultChunk(id, delta string) Event {
	return Event{Kind: KindToolResultChunk, ToolCallID: id, Delta: delta}
}

// StateSnapshot returns a STATE event carrying a full snapshot.
func StateSnapshot(snapshot any) Event {
	return Event{Kind: KindState, Snapshot: snapshot}
}

// StateDelta returns a STATE event carrying a JSON-Patch operation list.
func StateDelta(ops []any) Event {
	return Event{Kind: KindState, StateDelta: ops}
}

// HITL returns a HITL event for the given request. A nil request yields a
// request with default type "confirmation".
func HITL(req *HITLRequest) Event {
	if req == nil {
		req = &HITLRequest{}
	}
	if req.Type == "" {
		req.Type = "confirmation"
	}
	return Event{Kind: KindHITL, HITL: req}
}

// Custom returns a CUSTOM event carrying an application-defined value.
func Custom(name string, value any) Event {
	return Event{Kind: KindCustom, CustomName: name, CustomValue: value}
}

// Error returns a terminal ERROR event with an explicit message and code.
func Error(message, code string) Event {
	return Event{Kind: KindError, ErrorMessage: message, ErrorCode: code}
}

// Raw returns a RAW event whose payload is written to the response stream
// verbatim, normalized to exactly one blank-line frame terminator.
func Raw(payload string) Event {
	return Event{Kind: KindRaw, Raw: payload}
}

// Coder is implemented by errors that carry a stable machine-usable code.
type Coder interface {
	Code() string
}

// DefaultErrorCode is attached to ERROR events converted from errors that
// do not implement Coder.
const DefaultErrorCode = "AGENT_ERROR"

// FromError converts err into a terminal ERROR event. The event code comes
// from the outermost error in err's chain implementing Coder, defaulting to
// DefaultErrorCode. A nil error yields a generic ERROR event so callers can
// convert unconditionally.
func FromError(err error) Event {
	if err == nil {
		return Error("unknown error", DefaultErrorCode)
	}
	code := DefaultErrorCode
	var c Coder
	if errors.As(err, &c) {
		code = c.Code()
	}
	return Error(err.Error(), code)
}

// WithAddition returns a copy of e carrying the addition map and merge
// policy applied by the protocol encoders.
func (e Event) WithAddition(addition map[string]any, policy MergePolicy) Event {
	e.Addition = addition
	e.AdditionPolicy = policy
	return e
}

// String returns a short description for logs and test failures.
func (e Event) String() string {
	switch e.Kind {
	case KindText, KindToolResultChunk:
		return fmt.Sprintf("%s(%q)", e.Kind, e.Delta)
	case KindToolCall:
		return fmt.Sprintf("%s(%s %s)", e.Kind, e.ToolCallID, e.ToolName)
	case KindToolCallChunk:
		return fmt.Sprintf("%s(%s %s %q)", e.Kind, e.ToolCallID, e.ToolName, e.ArgsDelta)
	case KindToolResult:
		return fmt.Sprintf("%s(%s)", e.Kind, e.ToolCallID)
	case KindError:
		return fmt.Sprintf("%s(%s: %s)", e.Kind, e.ErrorCode, e.ErrorMessage)
	case KindCustom:
		return fmt.Sprintf("%s(%s)", e.Kind, e.CustomName)
	default:
		return string(e.Kind)
	}
}
