package event

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codedError struct{ code string }

func (e *codedError) Error() string { return "boom" }
func (e *codedError) Code() string  { return e.code }

func TestFromErrorDefaultsCode(t *testing.T) {
	ev := FromError(errors.New("something broke"))
	require.Equal(t, KindError, ev.Kind)
	assert.Equal(t, "something broke", ev.ErrorMessage)
	assert.Equal(t, DefaultErrorCode, ev.ErrorCode)
}

func TestFromErrorUsesCoder(t *testing.T) {
	ev := FromError(fmt.Errorf("tool failed: %w", &codedError{code: "TOOL_ERROR"}))
	assert.Equal(t, "TOOL_ERROR", ev.ErrorCode)
	assert.Equal(t, "tool failed: boom", ev.ErrorMessage)
}

func TestFromErrorNil(t *testing.T) {
	ev := FromError(nil)
	require.Equal(t, KindError, ev.Kind)
	assert.Equal(t, DefaultErrorCode, ev.ErrorCode)
}

func TestHITLDefaultsType(t *testing.T) {
	ev := HITL(nil)
	require.NotNil(t, ev.HITL)
	assert.Equal(t, "confirmation", ev.HITL.Type)

	ev = HITL(&HITLRequest{Type: "input", Prompt: "name?"})
	assert.Equal(t, "input", ev.HITL.Type)
}

func TestWithAdditionClonesEvent(t *testing.T) {
	base := Text("hi")
	withAdd := base.WithAddition(map[string]any{"traceId": "t1"}, MergeOverrideOnly)
	assert.Nil(t, base.Addition)
	assert.Equal(t, map[string]any{"traceId": "t1"}, withAdd.Addition)
	assert.Equal(t, MergeOverrideOnly, withAdd.AdditionPolicy)
}
