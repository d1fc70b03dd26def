// Package bridge normalizes the streaming items emitted by third-party
// agent-orchestration frameworks into canonical events. Frameworks stream in
// three incompatible shapes: callback-style items tagged with an "on_*"
// event name, per-node state updates keyed by node name, and flat state
// snapshots. The converter detects the shape per item and maintains the
// cross-item correlation tables needed to keep tool-call identity stable
// when a framework reports fragments, start notifications and results under
// different identifiers.
package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"goa.design/agentbridge/event"
)

// Error codes attached to terminal events converted from framework error
// notifications.
const (
	CodeToolError      = "TOOL_ERROR"
	CodeLLMError       = "LLM_ERROR"
	CodeChainError     = "CHAIN_ERROR"
	CodeRetrieverError = "RETRIEVER_ERROR"
)

// internalInputKeys are runtime objects frameworks inject into tool inputs;
// they are stripped before the input is serialized as tool arguments.
var internalInputKeys = map[string]bool{
	"runtime":      true,
	"config":       true,
	"configurable": true,
}

type (
	// Converter holds the correlation state for one framework stream. Use
	// one Converter per run; the zero value is not usable, call
	// NewConverter.
	Converter struct {
		messagesKey string

		// idByIndex maps a stream-position index to the id announced
		// by the first fragment at that index, for fragments that omit
		// the id.
		idByIndex map[int]string

		// started records ids whose first chunk has been emitted so a
		// later start notification does not emit a duplicate.
		started map[string]bool

		// idsByName queues announced ids per tool name, consumed FIFO
		// by start notifications that carry no id of their own.
		idsByName map[string][]string

		// idByRunRef maps the framework's internal run reference to
		// the tool call id, for end notifications reported under the
		// run reference only.
		idByRunRef map[string]string
	}

	// Option configures a Converter.
	Option func(*Converter)
)

// WithMessagesKey overrides the state key holding the message list, which
// defaults to "messages".
func WithMessagesKey(key string) Option {
	return func(c *Converter) {
		if key != "" {
			c.messagesKey = key
		}
	}
}

// NewConverter returns a Converter for one framework stream. Do not reuse a
// Converter across runs; its correlation tables are run-scoped.
func NewConverter(opts ...Option) *Converter {
	c := &Converter{
		messagesKey: "messages",
		idByIndex:   make(map[int]string),
		started:     make(map[string]bool),
		idsByName:   make(map[string][]string),
		idByRunRef:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert normalizes one framework stream item into zero or more canonical
// events. Items of unrecognized shape convert to nothing.
func (c *Converter) Convert(item map[string]any) []event.Event {
	switch {
	case isEventStreamItem(item):
		return c.convertEventStream(item)
	case c.isUpdatesItem(item):
		return c.convertUpdates(item)
	case c.isValuesItem(item):
		return c.convertValues(item)
	default:
		return nil
	}
}

// isEventStreamItem reports the callback shape: an "event" key whose value
// starts with "on_".
func isEventStreamItem(item map[string]any) bool {
	ev, _ := item["event"].(string)
	return strings.HasPrefix(ev, "on_")
}

// isUpdatesItem reports the per-node update shape: no "event" key, no flat
// message list, and at least one node keyed to a state map.
func (c *Converter) isUpdatesItem(item map[string]any) bool {
	if _, ok := item["event"]; ok {
		return false
	}
	if _, ok := item[c.messagesKey].([]any); ok {
		return false
	}
	for key, v := range item {
		if key == "__end__" {
			continue
		}
		if _, ok := v.(map[string]any); ok {
			return true
		}
	}
	return false
}

// isValuesItem reports the flat snapshot shape: the message list sits on the
// item itself.
func (c *Converter) isValuesItem(item map[string]any) bool {
	if _, ok := item["event"]; ok {
		return false
	}
	_, ok := item[c.messagesKey].([]any)
	return ok
}

func (c *Converter) convertEventStream(item map[string]any) []event.Event {
	kind, _ := item["event"].(string)
	data, _ := item["data"].(map[string]any)
	switch kind {
	case "on_chat_model_stream":
		chunk, _ := data["chunk"].(map[string]any)
		return c.convertModelChunk(chunk)
	case "on_chain_stream":
		if name, _ := item["name"].(string); name != "model" {
			return nil
		}
		chunk, _ := data["chunk"].(map[string]any)
		msgs, _ := chunk[c.messagesKey].([]any)
		var evs []event.Event
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			evs = append(evs, c.convertCompleteMessage(msg, false, true)...)
		}
		return evs
	case "on_tool_start":
		return c.convertToolStart(item, data)
	case "on_tool_end":
		return c.convertToolEnd(item, data)
	case "on_tool_error":
		name, _ := item["name"].(string)
		msg := errorMessage(data["error"])
		if name != "" {
			msg = fmt.Sprintf("Tool %q error: %s", name, msg)
		}
		return []event.Event{event.Error(msg, CodeToolError)}
	case "on_llm_error":
		return []event.Event{event.Error("LLM error: "+errorMessage(data["error"]), CodeLLMError)}
	case "on_chain_error":
		name, _ := item["name"].(string)
		msg := errorMessage(data["error"])
		if name != "" {
			msg = fmt.Sprintf("Chain %q error: %s", name, msg)
		}
		return []event.Event{event.Error(msg, CodeChainError)}
	case "on_retriever_error":
		name, _ := item["name"].(string)
		msg := errorMessage(data["error"])
		if name != "" {
			msg = fmt.Sprintf("Retriever %q error: %s", name, msg)
		}
		return []event.Event{event.Error(msg, CodeRetrieverError)}
	default:
		return nil
	}
}

// convertModelChunk handles one streamed model delta: its text content plus
// any tool call fragments, resolving fragment identity through the index
// table when a fragment omits the id.
func (c *Converter) convertModelChunk(chunk map[string]any) []event.Event {
	if chunk == nil {
		return nil
	}
	var evs []event.Event
	if content := messageContent(chunk); content != "" {
		evs = append(evs, event.Text(content))
	}
	frags, _ := chunk["tool_call_chunks"].([]any)
	for _, f := range frags {
		frag, ok := f.(map[string]any)
		if !ok {
			continue
		}
		rawID, _ := frag["id"].(string)
		name, _ := frag["name"].(string)
		args := argsString(frag["args"])
		index, hasIndex := intValue(frag["index"])

		id := rawID
		switch {
		case rawID != "":
			if hasIndex {
				c.idByIndex[index] = rawID
			}
		case hasIndex:
			if mapped, ok := c.idByIndex[index]; ok {
				id = mapped
			} else {
				id = strconv.Itoa(index)
			}
		}
		if id == "" {
			continue
		}

		if rawID != "" && name != "" && !c.started[id] {
			c.started[id] = true
			c.idsByName[name] = append(c.idsByName[name], id)
			evs = append(evs, event.ToolCallChunk(id, name, args))
		} else if args != "" {
			evs = append(evs, event.ToolCallChunk(id, "", args))
		}
	}
	return evs
}

// convertCompleteMessage handles a fully-formed message carrying text and
// complete tool calls, as produced by the chain-stream, update and snapshot
// shapes. withResults also extracts tool-role result messages. dedupe skips
// calls whose first chunk was already emitted through another shape and
// records the id so later start notifications fold onto it.
func (c *Converter) convertCompleteMessage(msg map[string]any, withResults, dedupe bool) []event.Event {
	var evs []event.Event
	switch messageType(msg) {
	case "ai":
		if content := messageContent(msg); content != "" {
			evs = append(evs, event.Text(content))
		}
		calls, _ := msg["tool_calls"].([]any)
		for _, tc := range calls {
			call, ok := tc.(map[string]any)
			if !ok {
				continue
			}
			id, _ := call["id"].(string)
			if id == "" {
				continue
			}
			name, _ := call["name"].(string)
			if dedupe {
				if c.started[id] {
					continue
				}
				c.started[id] = true
				if name != "" {
					c.idsByName[name] = append(c.idsByName[name], id)
				}
			}
			evs = append(evs, event.ToolCallChunk(id, name, argsString(call["args"])))
		}
	case "tool":
		if !withResults {
			return nil
		}
		id, _ := msg["tool_call_id"].(string)
		if id == "" {
			return nil
		}
		evs = append(evs, event.ToolResult(id, messageContent(msg), ""))
	}
	return evs
}

func (c *Converter) convertToolStart(item, data map[string]any) []event.Event {
	runRef, _ := item["run_id"].(string)
	name, _ := item["name"].(string)
	input := data["input"]

	id := embeddedToolCallID(input)
	if id == "" && name != "" {
		if ids := c.idsByName[name]; len(ids) > 0 {
			id = ids[0]
			c.idsByName[name] = ids[1:]
		}
	}
	if id == "" {
		id = runRef
	}
	if id == "" {
		return nil
	}
	if runRef != "" {
		c.idByRunRef[runRef] = id
	}
	if c.started[id] {
		return nil
	}
	c.started[id] = true
	return []event.Event{event.ToolCallChunk(id, name, argsString(filterToolInput(input)))}
}

func (c *Converter) convertToolEnd(item, data map[string]any) []event.Event {
	runRef, _ := item["run_id"].(string)
	id := embeddedToolCallID(data["input"])
	if id == "" && runRef != "" {
		id = c.idByRunRef[runRef]
	}
	if id == "" {
		id = runRef
	}
	if id == "" {
		return nil
	}
	return []event.Event{event.ToolResult(id, formatToolOutput(data["output"]), "")}
}

func (c *Converter) convertUpdates(item map[string]any) []event.Event {
	var evs []event.Event
	for node, v := range item {
		if node == "__end__" {
			continue
		}
		state, ok := v.(map[string]any)
		if !ok {
			continue
		}
		msgs, ok := state[c.messagesKey].([]any)
		if !ok {
			for _, alt := range []string{"message", "output", "response"} {
				if av, found := state[alt]; found {
					if list, isList := av.([]any); isList {
						msgs = list
						break
					}
					if m, isMap := av.(map[string]any); isMap {
						msgs = []any{m}
						break
					}
				}
			}
		}
		for _, m := range msgs {
			msg, isMap := m.(map[string]any)
			if !isMap {
				continue
			}
			evs = append(evs, c.convertCompleteMessage(msg, true, false)...)
		}
	}
	return evs
}

// convertValues handles the flat snapshot shape. Only the last message is
// inspected: a snapshot repeats the whole history every item and earlier
// entries were already converted.
func (c *Converter) convertValues(item map[string]any) []event.Event {
	msgs, _ := item[c.messagesKey].([]any)
	if len(msgs) == 0 {
		return nil
	}
	msg, ok := msgs[len(msgs)-1].(map[string]any)
	if !ok {
		return nil
	}
	return c.convertCompleteMessage(msg, true, false)
}

// embeddedToolCallID extracts the original tool call id some frameworks
// embed in the tool input's injected runtime object.
func embeddedToolCallID(input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	runtime, ok := m["runtime"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := runtime["tool_call_id"].(string)
	return id
}

// filterToolInput strips injected runtime objects and underscore-prefixed
// internal keys from a tool input so only the caller's arguments remain.
func filterToolInput(input any) any {
	m, ok := input.(map[string]any)
	if !ok {
		return input
	}
	filtered := make(map[string]any, len(m))
	for k, v := range m {
		if internalInputKeys[k] || strings.HasPrefix(k, "_") {
			continue
		}
		filtered[k] = v
	}
	return filtered
}

func messageType(msg map[string]any) string {
	t, _ := msg["type"].(string)
	if t == "" {
		t, _ = msg["role"].(string)
	}
	switch strings.ToLower(t) {
	case "ai", "assistant":
		return "ai"
	case "tool":
		return "tool"
	case "human", "user":
		return "human"
	default:
		return strings.ToLower(t)
	}
}

// messageContent extracts the text of a message or chunk, flattening part
// lists to their text parts.
func messageContent(msg map[string]any) string {
	switch content := msg["content"].(type) {
	case string:
		return content
	case []any:
		var b strings.Builder
		for _, p := range content {
			switch part := p.(type) {
			case string:
				b.WriteString(part)
			case map[string]any:
				if part["type"] == "text" {
					if t, ok := part["text"].(string); ok {
						b.WriteString(t)
					}
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// argsString renders tool arguments for the wire: strings pass through,
// anything else is JSON.
func argsString(v any) string {
	switch args := v.(type) {
	case nil:
		return ""
	case string:
		return args
	default:
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Sprint(args)
		}
		if string(b) == "{}" || string(b) == "null" {
			return ""
		}
		return string(b)
	}
}

// formatToolOutput renders a tool's output as the result string, preferring
// the conventional content, result and output fields of structured outputs.
func formatToolOutput(output any) string {
	switch out := output.(type) {
	case nil:
		return ""
	case string:
		return out
	case map[string]any:
		for _, key := range []string{"content", "result", "output"} {
			if v, ok := out[key]; ok {
				if s, isStr := v.(string); isStr {
					return s
				}
				if b, err := json.Marshal(v); err == nil {
					return string(b)
				}
				return fmt.Sprint(v)
			}
		}
		if b, err := json.Marshal(out); err == nil {
			return string(b)
		}
		return fmt.Sprint(out)
	default:
		if b, err := json.Marshal(out); err == nil {
			return string(b)
		}
		return fmt.Sprint(out)
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func errorMessage(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case error:
		return e.Error()
	default:
		return fmt.Sprint(e)
	}
}
