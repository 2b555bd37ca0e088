package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jkaninda/agentbox/internal/hooks"
	"github.com/jkaninda/agentbox/internal/hosttools"
	"github.com/jkaninda/agentbox/internal/message"
	"github.com/jkaninda/agentbox/internal/observability"
	"github.com/jkaninda/agentbox/internal/protocol"
)

// router classifies relay output. Requests are dispatched on their own
// goroutines so a slow callback never holds up the read loop; messages are
// returned to the caller in order.
type router struct {
	ch      *protocol.Channel
	hooks   *hooks.Dispatcher     // nil = no hooks registered
	tools   *hosttools.Dispatcher // nil = no host tools registered
	logger  *slog.Logger
	metrics *observability.MetricsCollector

	wg sync.WaitGroup
}

// route handles one line. It returns the decoded message for ordinary agent
// output and false for everything else.
func (r *router) route(ctx context.Context, line []byte) (message.Message, bool) {
	c := protocol.Classify(line)
	r.metrics.LineRead(string(c.Kind))

	switch c.Kind {
	case protocol.KindMessage:
		msg, err := message.ParseFields(c.Payload())
		if err != nil {
			r.logger.Debug("dropping undecodable message", slog.String("error", err.Error()))
			return nil, false
		}
		return msg, true
	case protocol.KindHookRequest:
		r.spawn(func() { r.handleHook(ctx, c) })
	case protocol.KindHostToolRequest:
		r.spawn(func() { r.handleTool(ctx, c) })
	case protocol.KindUnparseable:
		r.logger.Debug("dropping unparseable line", slog.Int("bytes", len(c.Line)))
	default:
		r.logger.Debug("dropping line", slog.String("kind", string(c.Kind)), slog.String("type", c.String(protocol.TypeField)))
	}
	return nil, false
}

func (r *router) spawn(f func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f()
	}()
}

// wait blocks until every in-flight response has been written.
func (r *router) wait() { r.wg.Wait() }

func (r *router) handleHook(ctx context.Context, c protocol.Classified) {
	var req protocol.HookRequest
	if err := c.Decode(&req); err != nil {
		r.logger.Warn("malformed hook request, allowing",
			slog.String("request_id", c.RequestID()),
			slog.String("error", err.Error()),
		)
		r.send(protocol.Allow(c.RequestID()))
		return
	}

	if r.hooks == nil {
		if req.HookEvent != protocol.HookEventPostToolUse {
			r.send(protocol.Allow(req.RequestID))
		}
		return
	}
	if resp, ok := r.hooks.Dispatch(ctx, req); ok {
		r.send(resp)
	}
}

func (r *router) handleTool(ctx context.Context, c protocol.Classified) {
	var req protocol.HostToolRequest
	if err := c.Decode(&req); err != nil {
		r.send(protocol.NewHostToolResponse(c.RequestID(), protocol.ErrorResult("Error: malformed host tool request: "+err.Error())))
		return
	}
	if r.tools.Empty() {
		r.send(protocol.NewHostToolResponse(req.RequestID, protocol.ErrorResult(NoHostToolsText)))
		return
	}
	r.send(r.tools.Dispatch(ctx, req))
}

func (r *router) send(v any) {
	if err := r.ch.Send(v); err != nil {
		r.logger.Debug("writing response to relay failed", slog.String("error", err.Error()))
	}
}
