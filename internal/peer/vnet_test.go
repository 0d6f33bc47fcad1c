package peer

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/rtc-client/internal/events"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

// relaySignaler plays the signaling server: it delivers one side's
// descriptions and candidates to the other side's dispatcher, in order.
type relaySignaler struct {
	from string
	ch   chan protocol.Event
	stop chan struct{}
}

func newRelaySignaler(t *testing.T, from string, to *events.Dispatcher) *relaySignaler {
	t.Helper()
	s := &relaySignaler{
		from: from,
		ch:   make(chan protocol.Event, 256),
		stop: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case ev := <-s.ch:
				to.Notify(ev)
			case <-s.stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(s.stop) })
	return s
}

func (s *relaySignaler) deliver(ev protocol.Event) {
	select {
	case s.ch <- ev:
	case <-s.stop:
	}
}

func (s *relaySignaler) SendDescription(callID, _ string, sdp protocol.SDP) error {
	s.deliver(&protocol.DescriptionSent{CallID: callID, Sender: s.from, SDP: sdp})
	return nil
}

func (s *relaySignaler) SendCandidate(callID, _ string, c protocol.Candidate) error {
	s.deliver(&protocol.CandidateSent{CallID: callID, Sender: s.from, Candidate: c})
	return nil
}

func newVNetPool(t *testing.T, n *vnet.Net, d *events.Dispatcher, signaler Signaler, received chan<- string, connected chan<- string) *Pool {
	t.Helper()
	api, err := NewAPI(APIConfig{Logger: discardLogger(), Net: n})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	pool, err := NewPool(PoolConfig{
		CallID:     "call-1",
		Dispatcher: d,
		Signaler:   signaler,
		Factory:    PionFactory(api, webrtc.Configuration{}),
		Callbacks: Callbacks{
			OnData: func(_ string, data []byte) {
				select {
				case received <- string(data):
				default:
				}
			},
			OnStatus: func(peerID string, s Status) {
				if s != StatusConnected {
					return
				}
				select {
				case connected <- peerID:
				default:
				}
			},
		},
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestTwoPeersExchangeDataOverVNet(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	dA := events.NewDispatcher(discardLogger())
	dB := events.NewDispatcher(discardLogger())

	receivedA := make(chan string, 8)
	receivedB := make(chan string, 8)
	connectedA := make(chan string, 1)
	connectedB := make(chan string, 1)

	poolA := newVNetPool(t, netA, dA, newRelaySignaler(t, "alice", dB), receivedA, connectedA)
	poolB := newVNetPool(t, netB, dB, newRelaySignaler(t, "bob", dA), receivedB, connectedB)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := poolA.Create(ctx, "bob"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	connA, ok := poolA.Get("bob")
	if !ok {
		t.Fatalf("pool A has no connection to bob")
	}
	// Sent before the channel opens; must arrive once it does.
	if err := connA.SendData([]byte("hello")); err != nil {
		t.Fatalf("SendData before open: %v", err)
	}

	select {
	case peerID := <-connectedB:
		if peerID != "alice" {
			t.Fatalf("B connected to %q, want alice", peerID)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for B to connect: %v", ctx.Err())
	}

	select {
	case got := <-receivedB:
		if got != "hello" {
			t.Fatalf("B received %q, want hello", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for queued data: %v", ctx.Err())
	}

	connB, ok := poolB.Get("alice")
	if !ok {
		t.Fatalf("pool B has no connection to alice")
	}
	if err := connB.SendData([]byte("world")); err != nil {
		t.Fatalf("SendData from B: %v", err)
	}
	select {
	case got := <-receivedA:
		if got != "world" {
			t.Fatalf("A received %q, want world", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for reply: %v", ctx.Err())
	}
}
