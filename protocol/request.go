// Package protocol holds the pieces shared by all wire protocol handlers:
// the normalized request model with its tolerant parser, the Server-Sent
// Events response writer and the addition merge applied to outgoing frames.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Role classifies a conversation message.
	Role string

	// FunctionCall describes the function invocation of a historical tool
	// call message.
	FunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// ToolCallRef is a tool call recorded on an assistant message.
	ToolCallRef struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function FunctionCall `json:"function"`
	}

	// Message is one normalized conversation message. It accepts both the
	// OpenAI and the AG-UI shapes.
	Message struct {
		ID         string        `json:"id,omitempty"`
		Role       Role          `json:"role"`
		Content    string        `json:"content,omitempty"`
		Name       string        `json:"name,omitempty"`
		ToolCalls  []ToolCallRef `json:"toolCalls,omitempty"`
		ToolCallID string        `json:"toolCallId,omitempty"`
	}

	// ToolFunction describes a tool offered to the agent. Parameters is
	// the tool's JSON schema as parsed JSON.
	ToolFunction struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	// Tool is one entry of a request's tools array.
	Tool struct {
		Type     string       `json:"type"`
		Function ToolFunction `json:"function"`
	}

	// Request is the protocol-independent view of an inbound run request
	// handed to the agent callback.
	Request struct {
		// Protocol names the wire protocol serving this run, such as
		// "openai" or "agui".
		Protocol string
		// Messages is the normalized conversation history.
		Messages []Message
		// Stream reports whether the client asked for a streamed
		// response. AG-UI requests always stream.
		Stream bool
		// Tools lists the tools offered to the agent. Tools whose
		// parameter schema does not compile are dropped during
		// parsing.
		Tools []Tool
		// Model is the model identifier the client addressed, when the
		// protocol carries one.
		Model string
		// ThreadID and RunID identify the conversation and run when
		// the client supplies them.
		ThreadID string
		RunID    string
		// State and ForwardedProps carry the AG-UI client-side state
		// and passthrough properties verbatim.
		State          any
		ForwardedProps map[string]any
		// Raw is the originating HTTP request, for callbacks that need
		// headers or query parameters.
		Raw *http.Request `json:"-"`
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleDeveloper Role = "developer"
)

// ParseRole normalizes a wire role. Unrecognized or empty roles map to
// RoleUser so a single malformed message cannot fail the request.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(s)) {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleDeveloper:
		return Role(strings.ToLower(s))
	default:
		return RoleUser
	}
}

// wireMessage is the lenient wire form of a message: content may be a string
// or a multimodal part list, and both camelCase and snake_case key spellings
// occur in the wild.
type wireMessage struct {
	ID          string          `json:"id"`
	Role        string          `json:"role"`
	Content     json.RawMessage `json:"content"`
	Name        string          `json:"name"`
	ToolCalls   []ToolCallRef   `json:"tool_calls"`
	ToolCallsCC []ToolCallRef   `json:"toolCalls"`
	ToolCallID  string          `json:"tool_call_id"`
	ToolCallCC  string          `json:"toolCallId"`
}

type wireBody struct {
	Messages       []json.RawMessage `json:"messages"`
	Tools          []json.RawMessage `json:"tools"`
	Stream         bool              `json:"stream"`
	Model          string            `json:"model"`
	ThreadID       string            `json:"threadId"`
	RunID          string            `json:"runId"`
	State          any               `json:"state"`
	ForwardedProps map[string]any    `json:"forwardedProps"`
}

// ParseRequest decodes a request body into the normalized Request. Parsing
// is tolerant: non-object entries in the messages and tools arrays are
// skipped, unknown roles default to user and tools with invalid parameter
// schemas are dropped. Only a body without a messages array is rejected.
func ParseRequest(protocol string, body []byte, raw *http.Request) (*Request, error) {
	var wire wireBody
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	if wire.Messages == nil {
		return nil, fmt.Errorf("request is missing the messages array")
	}
	req := &Request{
		Protocol:       protocol,
		Stream:         wire.Stream,
		Model:          wire.Model,
		ThreadID:       wire.ThreadID,
		RunID:          wire.RunID,
		State:          wire.State,
		ForwardedProps: wire.ForwardedProps,
		Raw:            raw,
	}
	for _, rm := range wire.Messages {
		msg, ok := parseMessage(rm)
		if !ok {
			continue
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, rt := range wire.Tools {
		tool, ok := parseTool(rt)
		if !ok {
			continue
		}
		req.Tools = append(req.Tools, tool)
	}
	return req, nil
}

func parseMessage(raw json.RawMessage) (Message, bool) {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return Message{}, false
	}
	msg := Message{
		ID:         wm.ID,
		Role:       ParseRole(wm.Role),
		Content:    flattenContent(wm.Content),
		Name:       wm.Name,
		ToolCalls:  wm.ToolCalls,
		ToolCallID: wm.ToolCallID,
	}
	if msg.ToolCalls == nil {
		msg.ToolCalls = wm.ToolCallsCC
	}
	if msg.ToolCallID == "" {
		msg.ToolCallID = wm.ToolCallCC
	}
	return msg, true
}

// flattenContent accepts the two wire content shapes, a plain string or a
// multimodal part list, and returns the concatenated text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if t, ok := part["text"].(string); ok {
			b.WriteString(t)
		}
	}
	return b.String()
}

func parseTool(raw json.RawMessage) (Tool, bool) {
	var tool Tool
	if err := json.Unmarshal(raw, &tool); err != nil {
		return Tool{}, false
	}
	if tool.Function.Name == "" {
		return Tool{}, false
	}
	if tool.Type == "" {
		tool.Type = "function"
	}
	if tool.Function.Parameters != nil && !validSchema(tool.Function.Parameters) {
		return Tool{}, false
	}
	return tool, true
}

// validSchema reports whether the tool's parameter schema compiles as JSON
// Schema.
func validSchema(params map[string]any) bool {
	raw, err := json.Marshal(params)
	if err != nil {
		return false
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return false
	}
	_, err = c.Compile("tool.json")
	return err == nil
}

// LastUserContent returns the content of the most recent user message, or
// the empty string when there is none. Agent callbacks use it as the prompt
// shortcut.
func (r *Request) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}
