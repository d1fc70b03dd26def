package runstate

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"goa.design/agentbridge/event"
)

type (
	// Machine tracks the open/closed state of the single run it serves
	// and turns canonical events into boundary-complete steps. Use Start
	// once, Feed for every event, Finish exactly once after the event
	// stream ends. After a terminal step (StepRunError or
	// StepRunFinished) all further calls return nil.
	Machine struct {
		run    Context
		policy Policy

		started  bool
		finished bool
		errored  bool

		text textState

		tools map[string]*toolState
		order []string
		next  int

		// resultChunks buffers incremental tool output per call id
		// until the terminal result arrives.
		resultChunks map[string][]string

		// aliases folds alternate upstream identifiers onto the id a
		// call was started with. Serialized policy only.
		aliases map[string]string

		// active is the id of the single open tool call under
		// PolicySerialized; pending holds per-tool FIFO queues of
		// events deferred while another call is active, and
		// pendingOrder the first-queued order of those tools.
		active       string
		pending      map[string][]event.Event
		pendingOrder []string

		sawText      bool
		sawTools     bool
		sentFirstTxt bool
	}

	textState struct {
		id      string
		started bool
		ended   bool
	}

	toolState struct {
		name    string
		index   int
		started bool
		ended   bool
		hitl    bool
	}
)

// New returns a Machine for the given run operating under the given policy.
func New(run Context, policy Policy) *Machine {
	return &Machine{
		run:          run,
		policy:       policy,
		tools:        make(map[string]*toolState),
		resultChunks: make(map[string][]string),
		aliases:      make(map[string]string),
		pending:      make(map[string][]event.Event),
	}
}

// Run returns the run context the machine serves.
func (m *Machine) Run() Context { return m.run }

// Start opens the run and returns the StepRunStarted step. It must be called
// exactly once, before any Feed.
func (m *Machine) Start() Step {
	m.started = true
	return Step{Kind: StepRunStarted}
}

// Feed consumes one canonical event and returns the steps it gives rise to,
// possibly none (buffered or queued events) or several (synthesized
// boundaries plus the event's own step). Events after a terminal step are
// dropped.
func (m *Machine) Feed(ev event.Event) []Step {
	if !m.started || m.finished || m.errored {
		return nil
	}
	steps := m.step(ev)
	if m.policy == PolicySerialized {
		steps = append(steps, m.drain()...)
	}
	return steps
}

// Finish closes the run: any queued serialized tool calls are drained, open
// tool calls and the open message receive their end boundaries, and the
// terminal StepRunFinished is appended. After an errored run Finish returns
// nil; the StepRunError already terminated the sequence.
func (m *Machine) Finish() []Step {
	if !m.started || m.finished || m.errored {
		return nil
	}
	m.finished = true
	var steps []Step
	if m.policy == PolicySerialized {
		for len(m.pendingOrder) > 0 {
			steps = append(steps, m.endOpenTools("")...)
			m.active = ""
			steps = append(steps, m.drain()...)
		}
	}
	steps = append(steps, m.endOpenTools("")...)
	steps = append(steps, m.endText()...)
	steps = append(steps, Step{
		Kind:         StepRunFinished,
		SawText:      m.sawText,
		SawToolCalls: m.sawTools,
	})
	return steps
}

// step applies the ordering rules for a single event. It never drains the
// serialized pending queues; Feed and Finish do that around it.
func (m *Machine) step(ev event.Event) []Step {
	switch ev.Kind {
	case event.KindText:
		return m.stepText(ev)
	case event.KindToolCall:
		chunk := event.ToolCallChunk(ev.ToolCallID, ev.ToolName, ev.Args)
		chunk.Addition, chunk.AdditionPolicy = ev.Addition, ev.AdditionPolicy
		return m.stepToolChunk(chunk)
	case event.KindToolCallChunk:
		return m.stepToolChunk(ev)
	case event.KindToolResult:
		return m.stepToolResult(ev)
	case event.KindToolResultChunk:
		if ev.ToolCallID != "" && ev.Delta != "" {
			id := m.resolve(ev.ToolCallID, "")
			m.resultChunks[id] = append(m.resultChunks[id], ev.Delta)
		}
		return nil
	case event.KindState:
		return m.stepState(ev)
	case event.KindHITL:
		return m.stepHITL(ev)
	case event.KindCustom:
		return []Step{{
			Kind:           StepCustom,
			CustomName:     ev.CustomName,
			CustomValue:    ev.CustomValue,
			Addition:       ev.Addition,
			AdditionPolicy: ev.AdditionPolicy,
		}}
	case event.KindRaw:
		return []Step{{Kind: StepRaw, Raw: ev.Raw}}
	case event.KindError:
		m.errored = true
		code := ev.ErrorCode
		if code == "" {
			code = event.DefaultErrorCode
		}
		return []Step{{Kind: StepRunError, ErrorMessage: ev.ErrorMessage, ErrorCode: code}}
	default:
		return nil
	}
}

func (m *Machine) stepText(ev event.Event) []Step {
	var steps []Step
	if m.policy == PolicySerialized {
		// Text interleaving closes the serialized window: drain
		// everything still queued, then release the active slot so the
		// open-tool sweep below can close it.
		for len(m.pendingOrder) > 0 {
			steps = append(steps, m.endOpenTools("")...)
			m.active = ""
			steps = append(steps, m.drain()...)
		}
		m.active = ""
	}
	steps = append(steps, m.endOpenTools("")...)
	steps = append(steps, m.ensureText()...)
	st := Step{
		Kind:           StepTextContent,
		MessageID:      m.text.id,
		Delta:          ev.Delta,
		Addition:       ev.Addition,
		AdditionPolicy: ev.AdditionPolicy,
	}
	if !m.sentFirstTxt {
		st.FirstContent = true
		m.sentFirstTxt = true
	}
	m.sawText = true
	return append(steps, st)
}

func (m *Machine) stepToolChunk(ev event.Event) []Step {
	id := m.resolve(ev.ToolCallID, ev.ToolName)
	if id == "" {
		return nil
	}
	ts := m.tools[id]
	if ts != nil && ts.ended {
		// Late fragment for a call that already received its end
		// boundary. Re-opening would violate the one-start-per-id
		// guarantee, so the fragment is dropped.
		return nil
	}
	if m.policy == PolicySerialized {
		if m.active == "" {
			m.active = id
		} else if id != m.active {
			m.enqueue(id, ev)
			return nil
		}
	}
	steps := m.endText()
	if ts == nil {
		if m.policy == PolicySerialized {
			steps = append(steps, m.endOpenTools(id)...)
		}
		ts = &toolState{name: ev.ToolName, index: m.next, started: true}
		m.next++
		m.tools[id] = ts
		m.order = append(m.order, id)
		steps = append(steps, Step{
			Kind:       StepToolStart,
			ToolCallID: id,
			ToolName:   ev.ToolName,
			ToolIndex:  ts.index,
		})
	}
	m.sawTools = true
	if ev.ArgsDelta != "" {
		steps = append(steps, Step{
			Kind:           StepToolArgs,
			ToolCallID:     id,
			ToolIndex:      ts.index,
			Delta:          ev.ArgsDelta,
			Addition:       ev.Addition,
			AdditionPolicy: ev.AdditionPolicy,
		})
	}
	return steps
}

func (m *Machine) stepToolResult(ev event.Event) []Step {
	id := m.resolve(ev.ToolCallID, ev.ToolName)
	if id == "" {
		return nil
	}
	if m.policy == PolicySerialized && m.active != "" && id != m.active {
		m.enqueue(id, ev)
		return nil
	}
	steps := m.endText()
	if m.policy == PolicySerialized {
		steps = append(steps, m.endOpenTools(id)...)
	}
	ts := m.tools[id]
	if ts == nil {
		// Result for a call never announced: synthesize the start
		// boundary so downstream grammars stay valid.
		ts = &toolState{name: ev.ToolName, index: m.next, started: true}
		m.next++
		m.tools[id] = ts
		m.order = append(m.order, id)
		steps = append(steps, Step{
			Kind:       StepToolStart,
			ToolCallID: id,
			ToolName:   ev.ToolName,
			ToolIndex:  ts.index,
		})
	}
	if ts.started && !ts.ended {
		ts.ended = true
		steps = append(steps, Step{Kind: StepToolEnd, ToolCallID: id, ToolIndex: ts.index})
	}
	result := ev.Result
	if chunks := m.resultChunks[id]; len(chunks) > 0 {
		result = strings.Join(chunks, "") + result
		delete(m.resultChunks, id)
	}
	msgID := ev.ResultMessageID
	if msgID == "" {
		msgID = "tool-result-" + id
	}
	steps = append(steps, Step{
		Kind:            StepToolResult,
		ToolCallID:      id,
		ToolIndex:       ts.index,
		Result:          result,
		ResultMessageID: msgID,
		Addition:        ev.Addition,
		AdditionPolicy:  ev.AdditionPolicy,
	})
	if m.policy == PolicySerialized && id == m.active {
		m.active = ""
	}
	return steps
}

func (m *Machine) stepState(ev event.Event) []Step {
	st := Step{Addition: ev.Addition, AdditionPolicy: ev.AdditionPolicy}
	if ev.StateDelta != nil {
		st.Kind = StepStateDelta
		st.StateDelta = ev.StateDelta
	} else {
		st.Kind = StepStateSnapshot
		st.Snapshot = ev.Snapshot
	}
	return []Step{st}
}

// stepHITL synthesizes a complete pseudo tool call for a human-in-the-loop
// request, or closes the referenced real call when the request interrupts
// one.
func (m *Machine) stepHITL(ev event.Event) []Step {
	req := ev.HITL
	if req == nil {
		return nil
	}
	steps := m.endText()
	if req.ToolCallID != "" {
		if ts := m.tools[req.ToolCallID]; ts != nil {
			if ts.started && !ts.ended {
				ts.ended = true
				ts.hitl = true
				steps = append(steps, Step{
					Kind:       StepToolEnd,
					ToolCallID: req.ToolCallID,
					ToolIndex:  ts.index,
					HITL:       true,
				})
				if m.policy == PolicySerialized && m.active == req.ToolCallID {
					m.active = ""
				}
			}
			return steps
		}
	}
	id := req.ToolCallID
	if id == "" {
		id = req.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	args := map[string]any{"type": req.Type, "prompt": req.Prompt}
	if len(req.Options) > 0 {
		args["options"] = req.Options
	}
	if req.Default != nil {
		args["default"] = req.Default
	}
	if req.Timeout > 0 {
		args["timeout"] = req.Timeout
	}
	if req.Schema != nil {
		args["schema"] = req.Schema
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return steps
	}
	ts := &toolState{name: "hitl_" + req.Type, index: m.next, started: true, ended: true, hitl: true}
	m.next++
	m.tools[id] = ts
	m.order = append(m.order, id)
	steps = append(steps,
		Step{Kind: StepToolStart, ToolCallID: id, ToolName: ts.name, ToolIndex: ts.index, HITL: true},
		Step{Kind: StepToolArgs, ToolCallID: id, ToolIndex: ts.index, Delta: string(raw), HITL: true},
		Step{Kind: StepToolEnd, ToolCallID: id, ToolIndex: ts.index, HITL: true},
	)
	return steps
}

// ensureText opens a logical message, allocating a fresh message id when the
// previous one was closed by an interleaved tool call.
func (m *Machine) ensureText() []Step {
	if m.text.started && !m.text.ended {
		return nil
	}
	m.text = textState{id: uuid.NewString(), started: true}
	return []Step{{Kind: StepTextStart, MessageID: m.text.id}}
}

func (m *Machine) endText() []Step {
	if !m.text.started || m.text.ended {
		return nil
	}
	m.text.ended = true
	return []Step{{Kind: StepTextEnd, MessageID: m.text.id}}
}

// endOpenTools closes every open tool call except the excluded id, in
// first-start order.
func (m *Machine) endOpenTools(except string) []Step {
	var steps []Step
	for _, id := range m.order {
		if id == except {
			continue
		}
		ts := m.tools[id]
		if ts.started && !ts.ended {
			ts.ended = true
			steps = append(steps, Step{Kind: StepToolEnd, ToolCallID: id, ToolIndex: ts.index, HITL: ts.hitl})
		}
	}
	return steps
}

// drain replays queued serialized events while no tool call holds the active
// slot, one queued tool at a time in first-queued order. A replayed result
// frees the slot again so the loop cascades through fully-buffered calls.
func (m *Machine) drain() []Step {
	var steps []Step
	for m.active == "" && len(m.pendingOrder) > 0 {
		id := m.pendingOrder[0]
		m.pendingOrder = m.pendingOrder[1:]
		evs := m.pending[id]
		delete(m.pending, id)
		for _, ev := range evs {
			steps = append(steps, m.step(ev)...)
		}
	}
	return steps
}

func (m *Machine) enqueue(id string, ev event.Event) {
	if _, ok := m.pending[id]; !ok {
		m.pendingOrder = append(m.pendingOrder, id)
	}
	m.pending[id] = append(m.pending[id], ev)
}

// resolve maps the raw upstream identifier onto the id the call is tracked
// under. Under PolicySerialized a UUID-shaped id is folded onto the single
// open non-UUID call with a matching name, so sources that switch identifier
// schemes mid-call keep addressing the same invocation.
func (m *Machine) resolve(id, name string) string {
	if id == "" || m.policy != PolicySerialized {
		return id
	}
	if a, ok := m.aliases[id]; ok {
		return a
	}
	if _, err := uuid.Parse(id); err != nil {
		return id
	}
	var match string
	for _, cand := range m.order {
		ts := m.tools[cand]
		if !ts.started || ts.ended {
			continue
		}
		if _, err := uuid.Parse(cand); err == nil {
			continue
		}
		if name != "" && ts.name != "" && ts.name != name {
			continue
		}
		if match != "" {
			return id
		}
		match = cand
	}
	if match == "" {
		return id
	}
	m.aliases[id] = match
	return match
}
