package openaiproto

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/agentbridge/event"
	"goa.design/agentbridge/invoke"
	"goa.design/agentbridge/protocol"
	"goa.design/agentbridge/runstate"
	"goa.design/agentbridge/telemetry"
)

// DefaultPrefix is the route prefix the protocol mounts under when the host
// does not override it.
const DefaultPrefix = "/openai/v1"

// Handler serves the OpenAI-compatible endpoints for one agent.
type Handler struct {
	invoker *invoke.Invoker
	model   string
	policy  runstate.Policy
}

// New returns a Handler driving the given invoker. model is the identifier
// reported by the models endpoint and stamped onto responses.
func New(invoker *invoke.Invoker, model string, policy runstate.Policy) *Handler {
	if model == "" {
		model = "agentbridge"
	}
	return &Handler{invoker: invoker, model: model, policy: policy}
}

// Mount registers the protocol endpoints on mux under the given prefix.
func (h *Handler) Mount(mux goahttp.Muxer, prefix string) {
	mux.Handle("POST", prefix+"/chat/completions", h.ChatCompletions)
	mux.Handle("GET", prefix+"/models", h.ListModels)
}

// ChatCompletions implements POST {prefix}/chat/completions for both stream
// and non-stream requests.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		protocol.WriteError(ctx, w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	req, err := protocol.ParseRequest(Name, body, r)
	if err != nil {
		protocol.WriteError(ctx, w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	run := runstate.NewContext(req.ThreadID, req.RunID)
	ctx, span := telemetry.StartRun(ctx, Name, run.ThreadID, run.RunID)
	machine := runstate.New(run, h.policy)

	if req.Stream {
		msg, code := h.stream(ctx, cancel, w, machine, h.invoker.Invoke(ctx, req))
		telemetry.EndRun(ctx, span, msg, code)
		return
	}
	h.complete(ctx, w, machine, h.invoker.Collect(ctx, req), span)
}

func (h *Handler) stream(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, machine *runstate.Machine, events <-chan event.Event) (errMsg, errCode string) {
	sse := protocol.NewSSEWriter(w)
	enc := NewStreamEncoder(h.model)

	write := func(steps []runstate.Step) bool {
		for _, st := range steps {
			if st.Kind == runstate.StepRunError {
				errMsg, errCode = st.ErrorMessage, st.ErrorCode
			}
			if st.Kind == runstate.StepRaw {
				if err := sse.WriteRaw(st.Raw); err != nil {
					return false
				}
				continue
			}
			frames, err := enc.Encode(st)
			if err != nil {
				log.Errorf(ctx, err, "encode %s step", st.Kind)
				continue
			}
			for _, frame := range frames {
				if err := sse.WriteJSON(frame); err != nil {
					return false
				}
			}
		}
		return true
	}

	alive := write([]runstate.Step{machine.Start()})
	for ev := range events {
		if !alive {
			// The client is gone; keep draining so the producer
			// goroutine can exit.
			continue
		}
		if alive = write(machine.Feed(ev)); !alive {
			cancel()
		}
	}
	if !alive {
		return errMsg, errCode
	}
	write(machine.Finish())
	if err := sse.WriteDone(); err != nil {
		log.Errorf(ctx, err, "write stream terminator")
	}
	return errMsg, errCode
}

func (h *Handler) complete(ctx context.Context, w http.ResponseWriter, machine *runstate.Machine, events []event.Event, span trace.Span) {
	comp := NewCompletion(h.model)
	comp.Add(machine.Start())
	for _, ev := range events {
		for _, st := range machine.Feed(ev) {
			comp.Add(st)
		}
	}
	for _, st := range machine.Finish() {
		comp.Add(st)
	}
	if err := comp.Err(); err != nil {
		telemetry.EndRun(ctx, span, comp.errMsg, comp.errCode)
		protocol.WriteError(ctx, w, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	telemetry.EndRun(ctx, span, "", "")
	protocol.WriteJSON(ctx, w, http.StatusOK, comp.Response())
}

// ListModels implements GET {prefix}/models. It reports the single
// configured model.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	protocol.WriteJSON(r.Context(), w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []any{map[string]any{
			"id":       h.model,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "agentbridge",
		}},
	})
}
