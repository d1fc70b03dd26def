package aguiproto

import (
	"context"
	"io"
	"net/http"

	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/agentbridge/invoke"
	"goa.design/agentbridge/protocol"
	"goa.design/agentbridge/runstate"
	"goa.design/agentbridge/telemetry"
)

// DefaultPrefix is the route prefix the protocol mounts under when the host
// does not override it.
const DefaultPrefix = "/agui/v1"

// Version reported by the health endpoint.
const Version = "1.0"

// Handler serves the AG-UI endpoints for one agent.
type Handler struct {
	invoker *invoke.Invoker
	policy  runstate.Policy
}

// New returns a Handler driving the given invoker.
func New(invoker *invoke.Invoker, policy runstate.Policy) *Handler {
	return &Handler{invoker: invoker, policy: policy}
}

// Mount registers the protocol endpoints on mux under the given prefix.
func (h *Handler) Mount(mux goahttp.Muxer, prefix string) {
	mux.Handle("POST", prefix+"/agent", h.RunAgent)
	mux.Handle("GET", prefix+"/health", h.Health)
}

// RunAgent implements POST {prefix}/agent. The response is always a
// Server-Sent-Events stream.
func (h *Handler) RunAgent(w http.ResponseWriter, r *http.Request) {
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
	req.Stream = true

	run := runstate.NewContext(req.ThreadID, req.RunID)
	ctx, span := telemetry.StartRun(ctx, Name, run.ThreadID, run.RunID)
	machine := runstate.New(run, h.policy)
	events := h.invoker.Invoke(ctx, req)

	sse := protocol.NewSSEWriter(w)
	enc := NewEncoder(machine.Run())

	var errMsg, errCode string
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
	if alive {
		write(machine.Finish())
	}
	telemetry.EndRun(ctx, span, errMsg, errCode)
}

// Health implements GET {prefix}/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	protocol.WriteJSON(r.Context(), w, http.StatusOK, map[string]any{
		"status":   "ok",
		"protocol": "ag-ui",
		"version":  Version,
	})
}
