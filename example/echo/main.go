// Command echo runs an agentbridge server around a toy agent that
// streams the last user message back word by word, calling an "echo"
// tool first when the request carries tool definitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/agentbridge/event"
	"goa.design/agentbridge/invoke"
	"goa.design/agentbridge/protocol"
	"goa.design/agentbridge/server"
)

func main() {
	var (
		addrF   = flag.String("addr", "", "Listen address (overrides config)")
		configF = flag.String("config", "", "Path to YAML config file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := server.LoadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *addrF != "" {
		cfg.Addr = *addrF
	}
	cfg.Debug = cfg.Debug || *dbgF

	inv := invoke.Push(echoAgent)
	srv := server.New(ctx, cfg, inv)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

// echoAgent streams the last user message back one word at a time.
// When the request declares tools it first exercises a full tool call
// round trip so protocol clients can be tested end to end.
func echoAgent(ctx context.Context, req *protocol.Request, emit func(any) error) error {
	input := req.LastUserContent()
	if input == "" {
		input = "nothing to echo"
	}

	if len(req.Tools) > 0 {
		id := uuid.NewString()
		call := event.ToolCall(id, req.Tools[0].Function.Name,
			fmt.Sprintf(`{"input":%q}`, input))
		if err := emit(call); err != nil {
			return err
		}
		if err := emit(event.ToolResult(id, input, "")); err != nil {
			return err
		}
	}

	for _, word := range strings.Fields(input) {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(50 * time.Millisecond):
		}
		if err := emit(word + " "); err != nil {
			return err
		}
	}
	return nil
}
