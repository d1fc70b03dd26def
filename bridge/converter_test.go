package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentbridge/event"
)

func streamItem(kind string, data map[string]any, extra map[string]any) map[string]any {
	item := map[string]any{"event": kind, "data": data}
	for k, v := range extra {
		item[k] = v
	}
	return item
}

func TestModelStreamTextAndFragments(t *testing.T) {
	c := NewConverter()

	evs := c.Convert(streamItem("on_chat_model_stream", map[string]any{
		"chunk": map[string]any{
			"content": "Thinking... ",
			"tool_call_chunks": []any{
				map[string]any{"id": "call_1", "name": "search", "args": `{"q":`, "index": float64(0)},
			},
		},
	}, nil))
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindText, evs[0].Kind)
	assert.Equal(t, "Thinking... ", evs[0].Delta)
	assert.Equal(t, event.KindToolCallChunk, evs[1].Kind)
	assert.Equal(t, "call_1", evs[1].ToolCallID)
	assert.Equal(t, "search", evs[1].ToolName)
	assert.Equal(t, `{"q":`, evs[1].ArgsDelta)

	// Later fragments carry only the index; identity resolves through
	// the index table.
	evs = c.Convert(streamItem("on_chat_model_stream", map[string]any{
		"chunk": map[string]any{
			"tool_call_chunks": []any{
				map[string]any{"args": `"go"}`, "index": float64(0)},
			},
		},
	}, nil))
	require.Len(t, evs, 1)
	assert.Equal(t, "call_1", evs[0].ToolCallID)
	assert.Empty(t, evs[0].ToolName)
	assert.Equal(t, `"go"}`, evs[0].ArgsDelta)
}

func TestUnmappedIndexFallsBackToIndexString(t *testing.T) {
	c := NewConverter()
	evs := c.Convert(streamItem("on_chat_model_stream", map[string]any{
		"chunk": map[string]any{
			"tool_call_chunks": []any{
				map[string]any{"args": "{}", "index": float64(2)},
			},
		},
	}, nil))
	require.Len(t, evs, 1)
	assert.Equal(t, "2", evs[0].ToolCallID)
}

func TestMultimodalContentFlattened(t *testing.T) {
	c := NewConverter()
	evs := c.Convert(streamItem("on_chat_model_stream", map[string]any{
		"chunk": map[string]any{
			"content": []any{
				"plain ",
				map[string]any{"type": "text", "text": "and typed"},
				map[string]any{"type": "image", "data": "zzz"},
			},
		},
	}, nil))
	require.Len(t, evs, 1)
	assert.Equal(t, "plain and typed", evs[0].Delta)
}

func TestToolStartFallbackChain(t *testing.T) {
	c := NewConverter()

	// The model stream announces the call, recording the name queue.
	c.Convert(streamItem("on_chat_model_stream", map[string]any{
		"chunk": map[string]any{
			"tool_call_chunks": []any{
				map[string]any{"id": "call_1", "name": "search", "args": "{}", "index": float64(0)},
			},
		},
	}, nil))

	// The start notification carries no id; it folds onto call_1 via the
	// per-name FIFO and emits nothing new.
	evs := c.Convert(streamItem("on_tool_start", map[string]any{
		"input": map[string]any{"q": "go"},
	}, map[string]any{"name": "search", "run_id": "ref-9"}))
	assert.Empty(t, evs, "already-announced call must not restart")

	// The end notification knows only the run reference; the correlation
	// table maps it back to call_1.
	evs = c.Convert(streamItem("on_tool_end", map[string]any{
		"output": "42",
	}, map[string]any{"run_id": "ref-9"}))
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindToolResult, evs[0].Kind)
	assert.Equal(t, "call_1", evs[0].ToolCallID)
	assert.Equal(t, "42", evs[0].Result)
}

func TestToolStartWithoutPriorAnnouncement(t *testing.T) {
	c := NewConverter()
	evs := c.Convert(streamItem("on_tool_start", map[string]any{
		"input": map[string]any{
			"q":        "go",
			"runtime":  map[string]any{"tool_call_id": "call_7"},
			"_private": "dropped",
			"config":   map[string]any{},
		},
	}, map[string]any{"name": "search", "run_id": "ref-1"}))
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindToolCallChunk, evs[0].Kind)
	assert.Equal(t, "call_7", evs[0].ToolCallID, "runtime-embedded id wins")
	assert.Equal(t, "search", evs[0].ToolName)
	assert.Equal(t, `{"q":"go"}`, evs[0].ArgsDelta, "internal input keys are stripped")
}

func TestToolStartFallsBackToRunReference(t *testing.T) {
	c := NewConverter()
	evs := c.Convert(streamItem("on_tool_start", map[string]any{
		"input": map[string]any{"q": "go"},
	}, map[string]any{"name": "search", "run_id": "ref-1"}))
	require.Len(t, evs, 1)
	assert.Equal(t, "ref-1", evs[0].ToolCallID)
}

func TestToolEndStructuredOutput(t *testing.T) {
	c := NewConverter()
	evs := c.Convert(streamItem("on_tool_end", map[string]any{
		"output": map[string]any{"content": "found it", "extra": 1},
	}, map[string]any{"run_id": "ref-1"}))
	require.Len(t, evs, 1)
	assert.Equal(t, "found it", evs[0].Result)
}

func TestToolErrorEvent(t *testing.T) {
	c := NewConverter()
	evs := c.Convert(streamItem("on_tool_error", map[string]any{
		"error": "connection refused",
	}, map[string]any{"name": "search", "run_id": "ref-1"}))
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindError, evs[0].Kind)
	assert.Equal(t, CodeToolError, evs[0].ErrorCode)
	assert.Contains(t, evs[0].ErrorMessage, "search")
	assert.Contains(t, evs[0].ErrorMessage, "connection refused")
}

func TestUpdatesShape(t *testing.T) {
	c := NewConverter()
	evs := c.Convert(map[string]any{
		"agent": map[string]any{
			"messages": []any{
				map[string]any{
					"type":    "ai",
					"content": "Let me search.",
					"tool_calls": []any{
						map[string]any{"id": "call_1", "name": "search", "args": map[string]any{"q": "go"}},
					},
				},
			},
		},
		"tools": map[string]any{
			"messages": []any{
				map[string]any{"type": "tool", "tool_call_id": "call_1", "content": "42"},
			},
		},
		"__end__": map[string]any{},
	})

	var text, chunk, result *event.Event
	for i := range evs {
		switch evs[i].Kind {
		case event.KindText:
			text = &evs[i]
		case event.KindToolCallChunk:
			chunk = &evs[i]
		case event.KindToolResult:
			result = &evs[i]
		}
	}
	require.NotNil(t, text)
	require.NotNil(t, chunk)
	require.NotNil(t, result)
	assert.Equal(t, "Let me search.", text.Delta)
	assert.Equal(t, "call_1", chunk.ToolCallID)
	assert.Equal(t, `{"q":"go"}`, chunk.ArgsDelta)
	assert.Equal(t, "call_1", result.ToolCallID)
	assert.Equal(t, "42", result.Result)
}

func TestValuesShapeUsesLastMessageOnly(t *testing.T) {
	c := NewConverter()
	evs := c.Convert(map[string]any{
		"messages": []any{
			map[string]any{"type": "human", "content": "earlier turn"},
			map[string]any{"type": "ai", "content": "final answer"},
		},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, "final answer", evs[0].Delta)
}

func TestUnknownShapeIgnored(t *testing.T) {
	c := NewConverter()
	assert.Empty(t, c.Convert(map[string]any{"event": "on_prompt_start"}))
	assert.Empty(t, c.Convert(map[string]any{"noise": "value"}))
}
