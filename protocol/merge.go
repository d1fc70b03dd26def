package protocol

import (
	"dario.cat/mergo"

	"goa.design/agentbridge/event"
)

// ApplyAddition merges an event's addition map into an encoded frame. Under
// MergeOverrideAndAdd existing keys are overridden and new keys added; under
// MergeOverrideOnly keys absent from the frame are silently dropped. Nested
// maps merge recursively.
func ApplyAddition(frame map[string]any, addition map[string]any, policy event.MergePolicy) error {
	if len(addition) == 0 {
		return nil
	}
	if policy == event.MergeOverrideOnly {
		filtered := make(map[string]any, len(addition))
		for k, v := range addition {
			if _, ok := frame[k]; ok {
				filtered[k] = v
			}
		}
		if len(filtered) == 0 {
			return nil
		}
		addition = filtered
	}
	return mergo.Merge(&frame, addition, mergo.WithOverride)
}
