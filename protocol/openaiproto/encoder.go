// Package openaiproto serves runs over the OpenAI chat-completion wire
// protocol: streamed chunk frames terminated by the literal [DONE] line, or
// a single aggregated completion object for non-stream requests.
package openaiproto

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/agentbridge/protocol"
	"goa.design/agentbridge/runstate"
)

// Name is the protocol identifier stamped onto requests served by this
// package.
const Name = "openai"

// StreamEncoder translates run steps into chat.completion.chunk frames. One
// encoder serves one run; the only state it keeps is wire-level (response
// identity and whether the assistant role has been sent), never open/closed
// tracking, which belongs to the run state machine.
type StreamEncoder struct {
	// ResponseID, Model and Created are stamped onto every chunk.
	ResponseID string
	Model      string
	Created    int64

	sentRole bool
}

// NewStreamEncoder returns an encoder for one streamed response.
func NewStreamEncoder(model string) *StreamEncoder {
	return &StreamEncoder{
		ResponseID: "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Model:      model,
		Created:    time.Now().Unix(),
	}
}

// Encode maps one step to zero or more wire frames. Steps the protocol
// cannot express (run start, message and tool boundaries, results, state,
// custom values, human-in-the-loop synthesis) encode to nothing.
func (e *StreamEncoder) Encode(st runstate.Step) ([]map[string]any, error) {
	switch st.Kind {
	case runstate.StepTextContent:
		delta := map[string]any{"content": st.Delta}
		if !e.sentRole {
			delta["role"] = "assistant"
			e.sentRole = true
		}
		if err := protocol.ApplyAddition(delta, st.Addition, st.AdditionPolicy); err != nil {
			return nil, fmt.Errorf("merge addition: %w", err)
		}
		return []map[string]any{e.chunk(delta, nil)}, nil

	case runstate.StepToolStart:
		if st.HITL {
			return nil, nil
		}
		delta := map[string]any{"tool_calls": []any{map[string]any{
			"index": st.ToolIndex,
			"id":    st.ToolCallID,
			"type":  "function",
			"function": map[string]any{
				"name":      st.ToolName,
				"arguments": "",
			},
		}}}
		return []map[string]any{e.chunk(delta, nil)}, nil

	case runstate.StepToolArgs:
		if st.HITL {
			return nil, nil
		}
		delta := map[string]any{"tool_calls": []any{map[string]any{
			"index":    st.ToolIndex,
			"function": map[string]any{"arguments": st.Delta},
		}}}
		if err := protocol.ApplyAddition(delta, st.Addition, st.AdditionPolicy); err != nil {
			return nil, fmt.Errorf("merge addition: %w", err)
		}
		return []map[string]any{e.chunk(delta, nil)}, nil

	case runstate.StepRunFinished:
		finish := "stop"
		if st.SawToolCalls {
			finish = "tool_calls"
		}
		return []map[string]any{e.chunk(map[string]any{}, finish)}, nil

	case runstate.StepRunError:
		return []map[string]any{{
			"error": map[string]any{
				"message": st.ErrorMessage,
				"code":    st.ErrorCode,
			},
		}}, nil

	default:
		return nil, nil
	}
}

func (e *StreamEncoder) chunk(delta map[string]any, finish any) map[string]any {
	return map[string]any{
		"id":      e.ResponseID,
		"object":  "chat.completion.chunk",
		"created": e.Created,
		"model":   e.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
}

// Completion aggregates a whole run into one chat.completion object for
// non-stream requests.
type Completion struct {
	model   string
	content strings.Builder
	calls   map[string]*callAgg
	order   []string
	sawText bool
	errMsg  string
	errCode string
}

type callAgg struct {
	name string
	args strings.Builder
}

// NewCompletion returns an empty aggregate for one non-stream response.
func NewCompletion(model string) *Completion {
	return &Completion{model: model, calls: make(map[string]*callAgg)}
}

// Add folds one step into the aggregate.
func (c *Completion) Add(st runstate.Step) {
	switch st.Kind {
	case runstate.StepTextContent:
		c.content.WriteString(st.Delta)
		c.sawText = true
	case runstate.StepToolStart:
		if st.HITL {
			return
		}
		if _, ok := c.calls[st.ToolCallID]; !ok {
			c.calls[st.ToolCallID] = &callAgg{name: st.ToolName}
			c.order = append(c.order, st.ToolCallID)
		}
	case runstate.StepToolArgs:
		if st.HITL {
			return
		}
		if agg, ok := c.calls[st.ToolCallID]; ok {
			agg.args.WriteString(st.Delta)
		}
	case runstate.StepRunError:
		c.errMsg = st.ErrorMessage
		c.errCode = st.ErrorCode
	}
}

// Err returns the terminal error of the run, if any.
func (c *Completion) Err() error {
	if c.errMsg == "" {
		return nil
	}
	return fmt.Errorf("%s: %s", c.errCode, c.errMsg)
}

// Response builds the chat.completion object.
func (c *Completion) Response() map[string]any {
	var content any
	if c.sawText {
		content = c.content.String()
	}
	message := map[string]any{
		"role":    "assistant",
		"content": content,
	}
	if len(c.order) > 0 {
		calls := make([]any, len(c.order))
		for i, id := range c.order {
			agg := c.calls[id]
			calls[i] = map[string]any{
				"id":   id,
				"type": "function",
				"function": map[string]any{
					"name":      agg.name,
					"arguments": agg.args.String(),
				},
			}
		}
		message["tool_calls"] = calls
	}
	finish := "stop"
	if len(c.order) > 0 {
		finish = "tool_calls"
	}
	return map[string]any{
		"id":      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   c.model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
	}
}
