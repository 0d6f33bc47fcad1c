// Package ask implements correlated request/reply over the fire-and-forget
// transport: a command is stamped with a fresh ref and the caller waits for
// the chat_received or error event carrying the same ref.
package ask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/idgen"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

const DefaultTimeout = 5 * time.Second

const tracerName = "github.com/wilsonzlin/aero/rtc-client/internal/ask"

var ErrTimeout = errors.New("ask: timeout")

// ServerError is returned when the server answers a correlated command with
// an error event.
type ServerError struct {
	Ref    string
	Reason string
}

func (e *ServerError) Error() string {
	return "ask: server error: " + e.Reason
}

// Sender is the outbound half of a transport.
type Sender interface {
	Send(cmd protocol.Command) error
}

type Config struct {
	Timeout time.Duration
	Clock   clock.Clock
	IDs     idgen.Generator
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

type result struct {
	received *protocol.Received
	err      error
}

type Engine struct {
	sender  Sender
	timeout time.Duration
	clock   clock.Clock
	ids     idgen.Generator
	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	pending map[string]chan result
}

func New(sender Sender, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.UUID{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Engine{
		sender:  sender,
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		pending: make(map[string]chan result),
	}
}

// Ask sends cmd with a fresh ref and waits for its reply. Exactly one of
// the reply, a *ServerError, ErrTimeout, a send error or ctx's error is
// returned; a reply that arrives after that is ignored.
func (e *Engine) Ask(ctx context.Context, cmd protocol.Correlatable) (*protocol.Received, error) {
	ref := e.ids.Next()
	tag := cmd.CommandTag()
	ctx, span := e.tracer.Start(ctx, "ask "+tag,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ask.tag", tag),
			attribute.String("ask.ref", ref),
		),
	)
	defer span.End()

	ch := make(chan result, 1)
	e.mu.Lock()
	e.pending[ref] = ch
	e.mu.Unlock()

	timer := e.clock.AfterFunc(e.timeout, func() {
		if e.settle(ref, result{err: ErrTimeout}) {
			e.log.Warn("ask timed out", "tag", tag, "ref", ref, "timeout", e.timeout)
		}
	})
	defer timer.Stop()

	if err := e.sender.Send(cmd.WithRef(ref)); err != nil {
		e.remove(ref)
		e.metrics.Inc(metrics.AskSendFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return nil, fmt.Errorf("ask: send %s: %w", tag, err)
	}
	e.metrics.Inc(metrics.AskSent)

	select {
	case r := <-ch:
		switch {
		case r.err == nil:
			e.metrics.Inc(metrics.AskResolved)
			return r.received, nil
		case errors.Is(r.err, ErrTimeout):
			e.metrics.Inc(metrics.AskTimeout)
		default:
			e.metrics.Inc(metrics.AskServerError)
		}
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
		return nil, r.err
	case <-ctx.Done():
		e.remove(ref)
		span.SetStatus(codes.Error, "cancelled")
		return nil, ctx.Err()
	}
}

// Handle settles the pending request matching ev's ref, if any. It reports
// whether ev was consumed.
func (e *Engine) Handle(ev protocol.Event) bool {
	switch ev := ev.(type) {
	case *protocol.Received:
		if ev.Ref == "" {
			return false
		}
		return e.settle(ev.Ref, result{received: ev})
	case *protocol.Error:
		if ev.Ref == "" {
			return false
		}
		return e.settle(ev.Ref, result{err: &ServerError{Ref: ev.Ref, Reason: ev.Reason}})
	}
	return false
}

// Pending reports the number of requests still waiting for a reply.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// settle removes ref's entry and delivers r to its waiter. Only the first
// caller for a given ref wins.
func (e *Engine) settle(ref string, r result) bool {
	e.mu.Lock()
	ch, ok := e.pending[ref]
	if ok {
		delete(e.pending, ref)
	}
	e.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (e *Engine) remove(ref string) {
	e.mu.Lock()
	delete(e.pending, ref)
	e.mu.Unlock()
}
