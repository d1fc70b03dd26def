package openaiproto

import (
	"context"
	"encoding/json"
	"iter"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"goa.design/agentbridge/event"
	"goa.design/agentbridge/invoke"
	"goa.design/agentbridge/protocol"
	"goa.design/agentbridge/runstate"
)

func yield2(items ...any) invoke.IterFunc {
	return func(context.Context, *protocol.Request) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			for _, it := range items {
				if !yield(it, nil) {
					return
				}
			}
		}
	}
}

// dataLines splits an SSE body into its data payloads.
func dataLines(t *testing.T, body string) []string {
	t.Helper()
	var payloads []string
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "unexpected frame %q", frame)
		payloads = append(payloads, strings.TrimPrefix(frame, "data: "))
	}
	return payloads
}

func post(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := goahttp.NewMuxer()
	h.Mount(mux, DefaultPrefix)
	req := httptest.NewRequest("POST", DefaultPrefix+"/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStreamHelloWorld(t *testing.T) {
	h := New(invoke.Iter(yield2("Hello ", "World")), "test-model", runstate.PolicyParallel)
	rec := post(t, h, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, 200, rec.Code)
	payloads := dataLines(t, rec.Body.String())
	require.Len(t, payloads, 4)
	assert.Equal(t, "[DONE]", payloads[3])

	var first openai.ChatCompletionStreamResponse
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &first))
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "test-model", first.Model)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, "Hello ", first.Choices[0].Delta.Content)

	var second openai.ChatCompletionStreamResponse
	require.NoError(t, json.Unmarshal([]byte(payloads[1]), &second))
	assert.Empty(t, second.Choices[0].Delta.Role, "role is sent once")
	assert.Equal(t, "World", second.Choices[0].Delta.Content)

	var final openai.ChatCompletionStreamResponse
	require.NoError(t, json.Unmarshal([]byte(payloads[2]), &final))
	assert.Equal(t, openai.FinishReasonStop, final.Choices[0].FinishReason)
}

func TestStreamToolCallRoundTrip(t *testing.T) {
	h := New(invoke.Iter(yield2(
		"Let me check. ",
		event.ToolCallChunk("call_1", "search", `{"q":`),
		event.ToolCallChunk("call_1", "", `"go"}`),
		event.ToolCallChunk("call_2", "lookup", `{}`),
	)), "test-model", runstate.PolicyParallel)
	rec := post(t, h, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)

	payloads := dataLines(t, rec.Body.String())
	require.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var (
		content strings.Builder
		args    = map[string]*strings.Builder{}
		names   = map[string]string{}
		index   = map[string]int{}
		finish  openai.FinishReason
	)
	for _, p := range payloads[:len(payloads)-1] {
		var chunk openai.ChatCompletionStreamResponse
		require.NoError(t, json.Unmarshal([]byte(p), &chunk))
		delta := chunk.Choices[0].Delta
		content.WriteString(delta.Content)
		for _, tc := range delta.ToolCalls {
			if tc.ID != "" {
				names[tc.ID] = tc.Function.Name
				index[tc.ID] = *tc.Index
				args[tc.ID] = &strings.Builder{}
			}
			for id, ix := range index {
				if tc.Index != nil && *tc.Index == ix {
					args[id].WriteString(tc.Function.Arguments)
				}
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			finish = chunk.Choices[0].FinishReason
		}
	}

	assert.Equal(t, "Let me check. ", content.String())
	assert.Equal(t, openai.FinishReasonToolCalls, finish)
	assert.Equal(t, "search", names["call_1"])
	assert.Equal(t, "lookup", names["call_2"])
	assert.Equal(t, 0, index["call_1"])
	assert.Equal(t, 1, index["call_2"])
	assert.Equal(t, `{"q":"go"}`, args["call_1"].String())
	assert.Equal(t, `{}`, args["call_2"].String())
}

func TestStreamErrorFrame(t *testing.T) {
	h := New(invoke.Iter(func(context.Context, *protocol.Request) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			if !yield("partial", nil) {
				return
			}
			yield(nil, assert.AnError)
		}
	}), "test-model", runstate.PolicyParallel)
	rec := post(t, h, `{"messages":[],"stream":true}`)

	payloads := dataLines(t, rec.Body.String())
	require.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var errFrame struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(payloads[len(payloads)-2]), &errFrame))
	assert.Equal(t, assert.AnError.Error(), errFrame.Error.Message)
	assert.Equal(t, event.DefaultErrorCode, errFrame.Error.Code)
	for _, p := range payloads {
		assert.NotContains(t, p, "finish_reason\":\"stop\"", "errored run has no finish reason")
	}
}

func TestNonStreamAggregation(t *testing.T) {
	h := New(invoke.Iter(yield2(
		"The answer ",
		"is 42. ",
		event.ToolCall("call_1", "record", `{"v":42}`),
	)), "test-model", runstate.PolicyParallel)
	rec := post(t, h, `{"messages":[{"role":"user","content":"?"}]}`)

	require.Equal(t, 200, rec.Code)
	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "The answer is 42. ", resp.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonToolCalls, resp.Choices[0].FinishReason)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.Choices[0].Message.ToolCalls[0].ID)
	assert.Equal(t, `{"v":42}`, resp.Choices[0].Message.ToolCalls[0].Function.Arguments)
}

func TestNonStreamError(t *testing.T) {
	h := New(invoke.Single(func(context.Context, *protocol.Request) (any, error) {
		return nil, assert.AnError
	}), "test-model", runstate.PolicyParallel)
	rec := post(t, h, `{"messages":[]}`)

	require.Equal(t, 500, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestBadRequest(t *testing.T) {
	h := New(invoke.Iter(yield2()), "test-model", runstate.PolicyParallel)
	rec := post(t, h, `{"stream":true}`)
	require.Equal(t, 400, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
}

func TestListModels(t *testing.T) {
	h := New(invoke.Iter(yield2()), "test-model", runstate.PolicyParallel)
	mux := goahttp.NewMuxer()
	h.Mount(mux, DefaultPrefix)
	req := httptest.NewRequest("GET", DefaultPrefix+"/models", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "test-model", resp.Data[0].ID)
}

func TestRawPassThrough(t *testing.T) {
	h := New(invoke.Iter(yield2(
		event.Raw("data: {\"vendor\":1}\n\n\n"),
	)), "test-model", runstate.PolicyParallel)
	rec := post(t, h, `{"messages":[],"stream":true}`)

	assert.Contains(t, rec.Body.String(), "data: {\"vendor\":1}\n\ndata: ")
}
