// Package aguiproto serves runs over the AG-UI event protocol: every
// response is a Server-Sent-Events stream of typed frames with camelCase
// payload keys and SCREAMING_SNAKE type discriminators.
package aguiproto

import (
	"fmt"

	"goa.design/agentbridge/protocol"
	"goa.design/agentbridge/runstate"
)

// Name is the protocol identifier stamped onto requests served by this
// package.
const Name = "agui"

// Frame type discriminators.
const (
	TypeRunStarted     = "RUN_STARTED"
	TypeRunFinished    = "RUN_FINISHED"
	TypeRunError       = "RUN_ERROR"
	TypeTextStart      = "TEXT_MESSAGE_START"
	TypeTextContent    = "TEXT_MESSAGE_CONTENT"
	TypeTextEnd        = "TEXT_MESSAGE_END"
	TypeToolCallStart  = "TOOL_CALL_START"
	TypeToolCallArgs   = "TOOL_CALL_ARGS"
	TypeToolCallEnd    = "TOOL_CALL_END"
	TypeToolCallResult = "TOOL_CALL_RESULT"
	TypeStateSnapshot  = "STATE_SNAPSHOT"
	TypeStateDelta     = "STATE_DELTA"
	TypeCustom         = "CUSTOM"
)

// Encoder translates run steps into AG-UI frames. The only context it
// carries is the run identity stamped onto lifecycle frames; all ordering
// state lives in the run state machine.
type Encoder struct {
	run runstate.Context
}

// NewEncoder returns an encoder for one run.
func NewEncoder(run runstate.Context) *Encoder {
	return &Encoder{run: run}
}

// Encode maps one step to its wire frame. Every step kind except RAW has an
// AG-UI representation.
func (e *Encoder) Encode(st runstate.Step) ([]map[string]any, error) {
	var frame map[string]any
	switch st.Kind {
	case runstate.StepRunStarted:
		frame = map[string]any{
			"type":     TypeRunStarted,
			"threadId": e.run.ThreadID,
			"runId":    e.run.RunID,
		}
	case runstate.StepRunFinished:
		frame = map[string]any{
			"type":     TypeRunFinished,
			"threadId": e.run.ThreadID,
			"runId":    e.run.RunID,
		}
	case runstate.StepRunError:
		frame = map[string]any{
			"type":    TypeRunError,
			"message": st.ErrorMessage,
			"code":    st.ErrorCode,
		}
	case runstate.StepTextStart:
		frame = map[string]any{
			"type":      TypeTextStart,
			"messageId": st.MessageID,
			"role":      "assistant",
		}
	case runstate.StepTextContent:
		frame = map[string]any{
			"type":      TypeTextContent,
			"messageId": st.MessageID,
			"delta":     st.Delta,
		}
	case runstate.StepTextEnd:
		frame = map[string]any{
			"type":      TypeTextEnd,
			"messageId": st.MessageID,
		}
	case runstate.StepToolStart:
		frame = map[string]any{
			"type":         TypeToolCallStart,
			"toolCallId":   st.ToolCallID,
			"toolCallName": st.ToolName,
		}
	case runstate.StepToolArgs:
		frame = map[string]any{
			"type":       TypeToolCallArgs,
			"toolCallId": st.ToolCallID,
			"delta":      st.Delta,
		}
	case runstate.StepToolEnd:
		frame = map[string]any{
			"type":       TypeToolCallEnd,
			"toolCallId": st.ToolCallID,
		}
	case runstate.StepToolResult:
		frame = map[string]any{
			"type":       TypeToolCallResult,
			"messageId":  st.ResultMessageID,
			"toolCallId": st.ToolCallID,
			"content":    st.Result,
			"role":       "tool",
		}
	case runstate.StepStateSnapshot:
		frame = map[string]any{
			"type":     TypeStateSnapshot,
			"snapshot": st.Snapshot,
		}
	case runstate.StepStateDelta:
		frame = map[string]any{
			"type":  TypeStateDelta,
			"delta": st.StateDelta,
		}
	case runstate.StepCustom:
		frame = map[string]any{
			"type":  TypeCustom,
			"name":  st.CustomName,
			"value": st.CustomValue,
		}
	default:
		return nil, nil
	}
	if err := protocol.ApplyAddition(frame, st.Addition, st.AdditionPolicy); err != nil {
		return nil, fmt.Errorf("merge addition: %w", err)
	}
	return []map[string]any{frame}, nil
}
