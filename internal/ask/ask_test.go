package ask

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/idgen"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent chan protocol.Command
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan protocol.Command, 16)}
}

func (s *fakeSender) Send(cmd protocol.Command) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.sent <- cmd
	return nil
}

func (s *fakeSender) next(t *testing.T) protocol.Correlatable {
	t.Helper()
	select {
	case cmd := <-s.sent:
		c, ok := cmd.(protocol.Correlatable)
		if !ok {
			t.Fatalf("sent %T, want correlatable", cmd)
		}
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for send")
		return nil
	}
}

type harness struct {
	engine  *Engine
	sender  *fakeSender
	clock   *clock.FakeClock
	metrics *metrics.Metrics
}

func newHarness() *harness {
	h := &harness{
		sender:  newFakeSender(),
		clock:   clock.NewFake(time.Unix(0, 0)),
		metrics: metrics.New(),
	}
	h.engine = New(h.sender, Config{
		Timeout: 5 * time.Second,
		Clock:   h.clock,
		IDs:     &idgen.Sequence{Prefix: "ref"},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: h.metrics,
	})
	return h
}

type outcome struct {
	rec *protocol.Received
	err error
}

func (h *harness) ask(ctx context.Context) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		rec, err := h.engine.Ask(ctx, &protocol.SendMessage{RoomID: "r", Body: "hi"})
		out <- outcome{rec, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for ask outcome")
		return outcome{}
	}
}

func TestAskResolvesOnMatchingReceived(t *testing.T) {
	h := newHarness()
	out := h.ask(context.Background())
	cmd := h.sender.next(t)
	if cmd.CorrelationRef() != "ref-1" {
		t.Fatalf("ref=%q, want ref-1", cmd.CorrelationRef())
	}

	if h.engine.Handle(&protocol.Received{EventID: "e", Ref: "other"}) {
		t.Fatalf("non-matching ref consumed")
	}
	if !h.engine.Handle(&protocol.Received{EventID: "e1", Ref: "ref-1"}) {
		t.Fatalf("matching ref not consumed")
	}
	o := wait(t, out)
	if o.err != nil {
		t.Fatalf("Ask: %v", o.err)
	}
	if o.rec.EventID != "e1" {
		t.Fatalf("EventID=%q", o.rec.EventID)
	}
	if h.engine.Pending() != 0 {
		t.Fatalf("Pending=%d after resolve", h.engine.Pending())
	}

	// A late error with the same ref changes nothing.
	if h.engine.Handle(&protocol.Error{Reason: "late", Ref: "ref-1"}) {
		t.Fatalf("late error consumed")
	}
	h.clock.Advance(time.Minute)
	if h.metrics.Get(metrics.AskTimeout) != 0 {
		t.Fatalf("timeout fired after resolve")
	}
}

func TestAskRejectsOnServerError(t *testing.T) {
	h := newHarness()
	out := h.ask(context.Background())
	h.sender.next(t)
	h.engine.Handle(&protocol.Error{Reason: "room not found", Ref: "ref-1"})

	o := wait(t, out)
	var se *ServerError
	if !errors.As(o.err, &se) {
		t.Fatalf("err=%v, want *ServerError", o.err)
	}
	if se.Reason != "room not found" {
		t.Fatalf("Reason=%q", se.Reason)
	}
}

func TestAskTimesOut(t *testing.T) {
	h := newHarness()
	out := h.ask(context.Background())
	h.sender.next(t)

	h.clock.Advance(4 * time.Second)
	select {
	case o := <-out:
		t.Fatalf("settled early: %+v", o)
	default:
	}
	h.clock.Advance(time.Second)
	o := wait(t, out)
	if !errors.Is(o.err, ErrTimeout) {
		t.Fatalf("err=%v, want ErrTimeout", o.err)
	}
	if h.engine.Pending() != 0 {
		t.Fatalf("Pending=%d after timeout", h.engine.Pending())
	}
	if h.engine.Handle(&protocol.Received{Ref: "ref-1"}) {
		t.Fatalf("reply after timeout consumed")
	}
}

func TestAskSendFailureLeavesNothingPending(t *testing.T) {
	h := newHarness()
	sendErr := errors.New("socket closed")
	h.sender.err = sendErr

	o := wait(t, h.ask(context.Background()))
	if !errors.Is(o.err, sendErr) {
		t.Fatalf("err=%v, want wrapped send error", o.err)
	}
	if h.engine.Pending() != 0 {
		t.Fatalf("Pending=%d after send failure", h.engine.Pending())
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("timer left scheduled after send failure")
	}
}

func TestAskContextCancel(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	out := h.ask(ctx)
	h.sender.next(t)
	cancel()

	o := wait(t, out)
	if !errors.Is(o.err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", o.err)
	}
	if h.engine.Pending() != 0 {
		t.Fatalf("Pending=%d after cancel", h.engine.Pending())
	}
}

func TestConcurrentAsksResolveIndependently(t *testing.T) {
	h := newHarness()
	a := h.ask(context.Background())
	refA := h.sender.next(t).CorrelationRef()
	b := h.ask(context.Background())
	refB := h.sender.next(t).CorrelationRef()

	h.engine.Handle(&protocol.Received{EventID: "for-b", Ref: refB})
	h.engine.Handle(&protocol.Error{Reason: "for-a", Ref: refA})

	if o := wait(t, b); o.err != nil || o.rec.EventID != "for-b" {
		t.Fatalf("b=%+v", o)
	}
	if o := wait(t, a); o.err == nil {
		t.Fatalf("a resolved, want error")
	}
}
