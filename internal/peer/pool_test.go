package peer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/events"
	"github.com/wilsonzlin/aero/rtc-client/internal/idgen"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

type poolHarness struct {
	d        *events.Dispatcher
	signaler *fakeSignaler
	pool     *Pool

	mu      sync.Mutex
	natives map[string]*fakePeer
	errors  []string
}

func newPoolHarness(t *testing.T) *poolHarness {
	t.Helper()
	h := &poolHarness{
		d:        events.NewDispatcher(discardLogger()),
		signaler: &fakeSignaler{},
		natives:  make(map[string]*fakePeer),
	}
	h.d.OnEvent(protocol.TagError, func(ev protocol.Event) {
		h.errors = append(h.errors, ev.(*protocol.Error).Reason)
	})
	pool, err := NewPool(PoolConfig{
		CallID:     "call-1",
		Dispatcher: h.d,
		Signaler:   h.signaler,
		Factory: func(peerID string) (NativePeer, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			p := &fakePeer{}
			h.natives[peerID] = p
			return p, nil
		},
		IDs:    &idgen.Sequence{Prefix: "pool"},
		Clock:  clock.NewFake(time.Unix(0, 0)),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	h.pool = pool
	return h
}

func (h *poolHarness) native(t *testing.T, peerID string) *fakePeer {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.natives[peerID]
	if !ok {
		t.Fatalf("no native peer for %s", peerID)
	}
	return p
}

func TestPoolCreateIsIdempotent(t *testing.T) {
	h := newPoolHarness(t)
	ctx := context.Background()

	if err := h.pool.Create(ctx, "bob"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.pool.Create(ctx, "bob"); err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if len(h.natives) != 1 {
		t.Fatalf("native peers=%d, want 1", len(h.natives))
	}
	sent := h.signaler.sent()
	if len(sent) != 1 || sent[0].PeerID != "bob" || sent[0].SDP.Type != protocol.SDPTypeOffer {
		t.Fatalf("sent=%+v, want one offer to bob", sent)
	}
}

func TestPoolCreateRetriesAfterFailedOffer(t *testing.T) {
	h := newPoolHarness(t)
	ctx := context.Background()

	h.signaler.failDescriptions(errors.New("transport: not connected"))
	if err := h.pool.Create(ctx, "bob"); err == nil {
		t.Fatalf("Create succeeded with a failing signaler")
	}
	if got := h.pool.Peers(); len(got) != 0 {
		t.Fatalf("Peers=%v after failed offer, want none", got)
	}
	if !h.native(t, "bob").isClosed() {
		t.Fatalf("failed connection left open")
	}

	h.signaler.failDescriptions(nil)
	if err := h.pool.Create(ctx, "bob"); err != nil {
		t.Fatalf("Create retry: %v", err)
	}
	if got := h.pool.Peers(); !slices.Equal(got, []string{"bob"}) {
		t.Fatalf("Peers=%v, want [bob]", got)
	}
	if sent := h.signaler.sent(); len(sent) != 1 || sent[0].SDP.Type != protocol.SDPTypeOffer {
		t.Fatalf("sent=%+v, want one offer", sent)
	}
}

func TestPoolAnswersOfferFromUnknownPeer(t *testing.T) {
	h := newPoolHarness(t)
	h.d.Notify(&protocol.DescriptionSent{
		CallID: "call-1",
		Sender: "carol",
		SDP:    protocol.SDP{Type: protocol.SDPTypeOffer, SDP: "remote-offer"},
	})

	if !slices.Equal(h.pool.Peers(), []string{"carol"}) {
		t.Fatalf("Peers=%v", h.pool.Peers())
	}
	sent := h.signaler.sent()
	if len(sent) != 1 || sent[0].PeerID != "carol" || sent[0].SDP.Type != protocol.SDPTypeAnswer {
		t.Fatalf("sent=%+v, want one answer to carol", sent)
	}

	h.d.Notify(&protocol.CandidateSent{CallID: "call-1", Sender: "carol", Candidate: protocol.Candidate{Candidate: "c1"}})
	if got := h.native(t, "carol").remoteCandidates(); !slices.Equal(got, []string{"c1"}) {
		t.Fatalf("carol candidates=%v", got)
	}
}

func TestPoolRoutesAnswerToExistingPeer(t *testing.T) {
	h := newPoolHarness(t)
	if err := h.pool.Create(context.Background(), "bob"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.d.Notify(&protocol.CandidateSent{CallID: "call-1", Sender: "bob", Candidate: protocol.Candidate{Candidate: "early"}})
	h.d.Notify(&protocol.DescriptionSent{
		CallID: "call-1",
		Sender: "bob",
		SDP:    protocol.SDP{Type: protocol.SDPTypeAnswer, SDP: "remote-answer"},
	})
	if got := h.native(t, "bob").remoteCandidates(); !slices.Equal(got, []string{"early"}) {
		t.Fatalf("bob candidates=%v", got)
	}
	if len(h.errors) != 0 {
		t.Fatalf("errors=%v", h.errors)
	}
}

func TestPoolReportsSignalsFromUnknownPeers(t *testing.T) {
	h := newPoolHarness(t)
	h.d.Notify(&protocol.DescriptionSent{
		CallID: "call-1",
		Sender: "mallory",
		SDP:    protocol.SDP{Type: protocol.SDPTypeAnswer, SDP: "x"},
	})
	h.d.Notify(&protocol.CandidateSent{CallID: "call-1", Sender: "mallory"})

	want := []string{
		"received answer from unknown peer: mallory",
		"received candidate from unknown peer: mallory",
	}
	if !slices.Equal(h.errors, want) {
		t.Fatalf("errors=%v, want %v", h.errors, want)
	}
	if len(h.pool.Peers()) != 0 {
		t.Fatalf("Peers=%v, want none", h.pool.Peers())
	}
}

func TestPoolIgnoresOtherCalls(t *testing.T) {
	h := newPoolHarness(t)
	h.d.Notify(&protocol.DescriptionSent{
		CallID: "call-2",
		Sender: "carol",
		SDP:    protocol.SDP{Type: protocol.SDPTypeOffer, SDP: "x"},
	})
	if len(h.pool.Peers()) != 0 {
		t.Fatalf("pool accepted offer for another call")
	}
}

func TestPoolTracksApplyToCurrentAndFuturePeers(t *testing.T) {
	h := newPoolHarness(t)
	ctx := context.Background()
	mic := newTrack(t, webrtc.MimeTypeOpus, "mic")

	if err := h.pool.Create(ctx, "bob"); err != nil {
		t.Fatalf("Create bob: %v", err)
	}
	h.pool.AddTrack(mic)
	if err := h.pool.Create(ctx, "carol"); err != nil {
		t.Fatalf("Create carol: %v", err)
	}
	for _, id := range []string{"bob", "carol"} {
		senders := h.native(t, id).Senders()
		if len(senders) != 1 || senders[0].Track() != mic {
			t.Fatalf("%s senders=%d", id, len(senders))
		}
	}

	mic2 := newTrack(t, webrtc.MimeTypeOpus, "mic2")
	if err := h.pool.ReplaceTrackByKind(mic2); err != nil {
		t.Fatalf("ReplaceTrackByKind: %v", err)
	}
	if err := h.pool.Create(ctx, "dave"); err != nil {
		t.Fatalf("Create dave: %v", err)
	}
	if senders := h.native(t, "dave").Senders(); len(senders) != 1 || senders[0].Track() != mic2 {
		t.Fatalf("dave did not get the replacement track")
	}

	h.pool.RemoveTrack(mic2)
	for _, id := range []string{"bob", "carol", "dave"} {
		if n := len(h.native(t, id).Senders()); n != 0 {
			t.Fatalf("%s senders=%d after RemoveTrack", id, n)
		}
	}

	cam := newTrack(t, webrtc.MimeTypeVP8, "cam")
	if err := h.pool.ReplaceTrackByKind(cam); !errors.Is(err, ErrNoSenderForKind) {
		t.Fatalf("ReplaceTrackByKind(video) err=%v, want ErrNoSenderForKind", err)
	}
}

func TestPoolDestroyAndClose(t *testing.T) {
	h := newPoolHarness(t)
	ctx := context.Background()
	for _, id := range []string{"bob", "carol"} {
		if err := h.pool.Create(ctx, id); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	h.pool.Destroy("bob")
	if !h.native(t, "bob").isClosed() {
		t.Fatalf("bob not closed")
	}
	if !slices.Equal(h.pool.Peers(), []string{"carol"}) {
		t.Fatalf("Peers=%v", h.pool.Peers())
	}

	h.pool.Close()
	if !h.native(t, "carol").isClosed() {
		t.Fatalf("carol not closed")
	}
	if n := h.d.SubscriptionCount(); n != 0 {
		t.Fatalf("SubscriptionCount=%d after Close", n)
	}
	if err := h.pool.Create(ctx, "dave"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Create after Close err=%v, want ErrPoolClosed", err)
	}
}
