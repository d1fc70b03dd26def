// Package server assembles the protocol handlers into a runnable HTTP
// server: routing, CORS, logging middleware and graceful shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/agentbridge/invoke"
	"goa.design/agentbridge/protocol/aguiproto"
	"goa.design/agentbridge/protocol/openaiproto"
	"goa.design/agentbridge/runstate"
)

// Server serves the enabled protocol surfaces over HTTP.
type Server struct {
	cfg     *Config
	handler http.Handler
}

// New builds the request handler chain for the given invoker. The
// context is only used for logger configuration at mount time.
func New(ctx context.Context, cfg *Config, invoker *invoke.Invoker) *Server {
	cfg.ApplyDefaults()

	policy := runstate.PolicyParallel
	if cfg.SerializeToolCalls {
		policy = runstate.PolicySerialized
	}

	mux := goahttp.NewMuxer()
	if cfg.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	if !cfg.OpenAI.Disable {
		openaiproto.New(invoker, cfg.OpenAI.Model, policy).Mount(mux, cfg.OpenAI.Prefix)
		log.Printf(ctx, "openai protocol mounted on %s", cfg.OpenAI.Prefix)
	}
	if !cfg.AGUI.Disable {
		aguiproto.New(invoker, policy).Mount(mux, cfg.AGUI.Prefix)
		log.Printf(ctx, "ag-ui protocol mounted on %s", cfg.AGUI.Prefix)
	}

	var handler http.Handler = mux
	if len(cfg.CORSOrigins) > 0 {
		handler = corsMiddleware(cfg.CORSOrigins)(handler)
	}
	if cfg.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	return &Server{cfg: cfg, handler: handler}
}

// Handler returns the assembled handler chain, usable directly in
// tests or embedded in a host server.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on the configured address until ctx is canceled, then
// shuts down gracefully with a 30s timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Printf(ctx, "shutting down HTTP server at %q", s.cfg.Addr)

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
		return err
	}
	return nil
}
