// Package runstate implements the per-request ordering state machine at the
// heart of the streaming pipeline. One Machine consumes the canonical event
// sequence produced by the invoker for a single run and emits protocol-neutral
// steps that are boundary-complete: every wire protocol grammar requirement
// (run lifecycle markers, message start/end, tool-call start/args/end pairing,
// serialization of concurrent tool calls) is satisfied by synthesizing the
// missing boundaries before the protocol encoders ever see the sequence.
//
// Machines are owned by exactly one pipeline and are not safe for concurrent
// use; runs never share state.
package runstate

import (
	"github.com/google/uuid"

	"goa.design/agentbridge/event"
)

type (
	// Context identifies one run. It is carried unchanged through the
	// pipeline and stamped onto lifecycle frames by the encoders.
	Context struct {
		// RunID uniquely identifies this run.
		RunID string
		// ThreadID identifies the conversation the run belongs to.
		ThreadID string
	}

	// Policy selects how concurrently-streamed tool calls are ordered in
	// the emitted sequence.
	Policy int

	// StepKind discriminates the protocol-neutral steps emitted by a
	// Machine. The vocabulary is boundary-complete: encoders translate
	// steps one-to-one into wire frames (or skip kinds their protocol
	// does not express) without tracking any open/closed state of their
	// own.
	StepKind string

	// Step is one ordered emission of the state machine. The field subset
	// in use depends on Kind.
	Step struct {
		// Kind discriminates the step.
		Kind StepKind

		// MessageID identifies the logical assistant message for text
		// boundary and content steps.
		MessageID string

		// ToolCallID and ToolName identify the tool invocation for
		// tool boundary, args and result steps. ToolName is set on
		// StepToolStart only.
		ToolCallID string
		ToolName   string

		// ToolIndex is the zero-based first-seen position of the tool
		// call within the run, used by index-addressed protocols.
		ToolIndex int

		// Delta carries text content or a tool argument fragment.
		Delta string

		// Result and ResultMessageID carry the payload of
		// StepToolResult.
		Result          string
		ResultMessageID string

		// Snapshot and StateDelta carry the payload of state steps.
		Snapshot   any
		StateDelta []any

		// CustomName and CustomValue carry the payload of StepCustom.
		CustomName  string
		CustomValue any

		// Raw carries the pre-encoded payload of StepRaw.
		Raw string

		// ErrorMessage and ErrorCode carry the payload of
		// StepRunError.
		ErrorMessage string
		ErrorCode    string

		// FirstContent marks the first content-bearing text step of
		// the run.
		FirstContent bool

		// SawText and SawToolCalls summarize the run on
		// StepRunFinished.
		SawText      bool
		SawToolCalls bool

		// HITL marks boundary steps synthesized for a human-in-the-loop
		// pseudo tool call. Protocols without a human-intervention
		// vocabulary skip these.
		HITL bool

		// Addition and AdditionPolicy are propagated from the
		// originating canonical event for the encoders to merge into
		// the wire frame.
		Addition       map[string]any
		AdditionPolicy event.MergePolicy
	}
)

const (
	// PolicyParallel lets multiple tool calls stay open simultaneously;
	// their boundary and argument steps interleave in arrival order.
	PolicyParallel Policy = iota

	// PolicySerialized keeps at most one tool call open at a time.
	// Events for a tool other than the active one are queued per tool
	// and drained, oldest queued tool first, when the active call
	// closes. For any two calls A started before B upstream, END(A) is
	// emitted strictly before START(B).
	PolicySerialized
)

const (
	// StepRunStarted is always the first step of a run.
	StepRunStarted StepKind = "run_started"
	// StepTextStart opens a logical assistant message.
	StepTextStart StepKind = "text_message_start"
	// StepTextContent carries a text fragment of the open message.
	StepTextContent StepKind = "text_message_content"
	// StepTextEnd closes the open assistant message.
	StepTextEnd StepKind = "text_message_end"
	// StepToolStart opens a tool call and carries its name.
	StepToolStart StepKind = "tool_call_start"
	// StepToolArgs carries a tool argument fragment.
	StepToolArgs StepKind = "tool_call_args"
	// StepToolEnd closes a tool call.
	StepToolEnd StepKind = "tool_call_end"
	// StepToolResult carries a tool invocation's terminal output.
	StepToolResult StepKind = "tool_call_result"
	// StepStateSnapshot carries a full state snapshot.
	StepStateSnapshot StepKind = "state_snapshot"
	// StepStateDelta carries an incremental state patch.
	StepStateDelta StepKind = "state_delta"
	// StepCustom carries an application-defined value.
	StepCustom StepKind = "custom"
	// StepRaw carries a pre-encoded wire fragment.
	StepRaw StepKind = "raw"
	// StepRunError terminates an errored run. Nothing follows it.
	StepRunError StepKind = "run_error"
	// StepRunFinished terminates a successful run. Nothing follows it.
	StepRunFinished StepKind = "run_finished"
)

// NewContext returns a Context with the given identifiers, generating any
// that are empty.
func NewContext(threadID, runID string) Context {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return Context{RunID: runID, ThreadID: threadID}
}
