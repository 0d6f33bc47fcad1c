package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/rtc-client/internal/api"
	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/events"
	"github.com/wilsonzlin/aero/rtc-client/internal/idgen"
	"github.com/wilsonzlin/aero/rtc-client/internal/peer"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubPeer is a native peer that only produces descriptions.
type stubPeer struct {
	mu     sync.Mutex
	closed bool
}

func (p *stubPeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *stubPeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *stubPeer) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (p *stubPeer) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (p *stubPeer) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }

func (p *stubPeer) AddTrack(webrtc.TrackLocal) (peer.TrackSender, error) {
	return nil, errors.New("stub peer carries no media")
}

func (p *stubPeer) RemoveTrack(peer.TrackSender) error { return nil }
func (p *stubPeer) Senders() []peer.TrackSender       { return nil }

func (p *stubPeer) CreateDataChannel(string, *webrtc.DataChannelInit) (peer.DataChannel, error) {
	return nil, errors.New("stub peer carries no data")
}

func (p *stubPeer) SignalingState() webrtc.SignalingState {
	return webrtc.SignalingStateStable
}

func (p *stubPeer) ICEConnectionState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionStateNew
}

func (p *stubPeer) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (p *stubPeer) OnICECandidate(func(*webrtc.ICECandidate))                   {}
func (p *stubPeer) OnNegotiationNeeded(func())                                  {}
func (p *stubPeer) OnICEConnectionStateChange(func(webrtc.ICEConnectionState)) {}
func (p *stubPeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))     {}

func (p *stubPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type recordingSignaler struct {
	mu     sync.Mutex
	offers []string
}

func (s *recordingSignaler) SendDescription(_, peerID string, sdp protocol.SDP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sdp.Type == protocol.SDPTypeOffer {
		s.offers = append(s.offers, peerID)
	}
	return nil
}

func (s *recordingSignaler) SendCandidate(string, string, protocol.Candidate) error { return nil }

func (s *recordingSignaler) offeredTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.offers)
	slices.Sort(out)
	return out
}

type fakeAPI struct {
	mu    sync.Mutex
	users []string
	calls []string
}

func (f *fakeAPI) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeAPI) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeAPI) GetCallUsers(_ context.Context, id string) ([]string, error) {
	f.record("users " + id)
	return slices.Clone(f.users), nil
}

func (f *fakeAPI) GetCallHistory(_ context.Context, id string) ([]protocol.Event, error) {
	f.record("history " + id)
	return []protocol.Event{&protocol.CallCreated{CallHeader: protocol.CallHeader{CallID: id}}}, nil
}

func (f *fakeAPI) AnswerCall(_ context.Context, id string) error {
	f.record("answer " + id)
	return nil
}

func (f *fakeAPI) RejectCall(_ context.Context, id, reason string) error {
	f.record("reject " + id + " " + reason)
	return nil
}

func (f *fakeAPI) JoinCall(_ context.Context, id string) error {
	f.record("join " + id)
	return nil
}

func (f *fakeAPI) PullCall(_ context.Context, id string) error {
	f.record("pull " + id)
	return nil
}

func (f *fakeAPI) LeaveCall(_ context.Context, id, reason string) error {
	f.record("leave " + id + " " + reason)
	return nil
}

func (f *fakeAPI) InviteToCall(_ context.Context, id, user string) error {
	f.record("invite " + id + " " + user)
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	cmds []protocol.Command
}

func (f *fakeSender) Send(cmd protocol.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return nil
}

type harness struct {
	d        *events.Dispatcher
	api      *fakeAPI
	sender   *fakeSender
	signaler *recordingSignaler

	mu      sync.Mutex
	natives map[string]*stubPeer
}

func newHarness() *harness {
	return &harness{
		d:        events.NewDispatcher(discardLogger()),
		api:      &fakeAPI{},
		sender:   &fakeSender{},
		signaler: &recordingSignaler{},
		natives:  make(map[string]*stubPeer),
	}
}

func (h *harness) deps(self string) Deps {
	return Deps{
		Dispatcher: h.d,
		API:        h.api,
		Sender:     h.sender,
		Self:       self,
		Pool: peer.PoolConfig{
			Signaler: h.signaler,
			Factory: func(peerID string) (peer.NativePeer, error) {
				h.mu.Lock()
				defer h.mu.Unlock()
				p := &stubPeer{}
				h.natives[peerID] = p
				return p, nil
			},
			DisableRenegotiation: true,
		},
		IDs:    &idgen.Sequence{Prefix: "sub"},
		Clock:  clock.NewFake(time.UnixMilli(5000)),
		Logger: discardLogger(),
	}
}

func (h *harness) newCall(t *testing.T, info api.Call, self string) *Call {
	t.Helper()
	c, err := New(context.Background(), info, h.deps(self))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func joined(callID, author string) *protocol.CallJoined {
	return &protocol.CallJoined{CallHeader: protocol.CallHeader{CallID: callID, AuthorID: author}}
}

func TestVariantOf(t *testing.T) {
	tests := []struct {
		info api.Call
		want Variant
	}{
		{api.Call{Direct: true}, VariantDirect},
		{api.Call{Direct: true, OrgID: "org"}, VariantDirect},
		{api.Call{OrgID: "org"}, VariantBusiness},
		{api.Call{}, VariantGroup},
	}
	for _, tt := range tests {
		if got := VariantOf(tt.info); got != tt.want {
			t.Fatalf("VariantOf(%+v)=%v, want %v", tt.info, got, tt.want)
		}
	}
}

func TestCreatorConnectsToExistingMembers(t *testing.T) {
	h := newHarness()
	h.api.users = []string{"alice", "bob", "carol"}
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice", Users: []string{"stale"}}, "alice")

	if got := h.signaler.offeredTo(); !slices.Equal(got, []string{"bob", "carol"}) {
		t.Fatalf("offers=%v, want [bob carol]", got)
	}
	if got := c.Users(); !slices.Equal(got, []string{"bob", "carol"}) {
		t.Fatalf("Users=%v", got)
	}
	if got := c.Pool().Peers(); !slices.Equal(got, []string{"bob", "carol"}) {
		t.Fatalf("Peers=%v", got)
	}
}

func TestNonCreatorWaitsForOffers(t *testing.T) {
	h := newHarness()
	h.api.users = []string{"alice", "bob"}
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice", Users: []string{"alice"}}, "bob")

	if got := h.signaler.offeredTo(); len(got) != 0 {
		t.Fatalf("offers=%v, want none", got)
	}
	if got := h.api.recorded(); len(got) != 0 {
		t.Fatalf("api calls=%v, want none", got)
	}
	if got := c.Users(); !slices.Equal(got, []string{"alice"}) {
		t.Fatalf("Users=%v", got)
	}
}

func TestJoinedMemberGetsConnection(t *testing.T) {
	h := newHarness()
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice"}, "bob")

	var seen []string
	c.OnJoined(func(ev *protocol.CallJoined) { seen = append(seen, ev.AuthorID) })

	h.d.Notify(joined("call-1", "carol"))
	h.d.Notify(joined("call-1", "carol"))
	h.d.Notify(joined("call-1", "bob"))
	h.d.Notify(joined("call-2", "dave"))

	if got := h.signaler.offeredTo(); !slices.Equal(got, []string{"carol"}) {
		t.Fatalf("offers=%v, want [carol]", got)
	}
	if got := c.Users(); !slices.Equal(got, []string{"carol"}) {
		t.Fatalf("Users=%v", got)
	}
	if !slices.Equal(seen, []string{"carol", "carol", "bob"}) {
		t.Fatalf("joined callbacks=%v", seen)
	}
}

func TestLeftMemberLosesConnection(t *testing.T) {
	h := newHarness()
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice"}, "bob")
	h.d.Notify(joined("call-1", "carol"))

	var reason string
	c.OnLeft(func(ev *protocol.CallLeft) { reason = ev.Reason })
	h.d.Notify(&protocol.CallLeft{
		CallHeader: protocol.CallHeader{CallID: "call-1", AuthorID: "carol"},
		Reason:     protocol.EndReasonHangup,
	})

	if reason != protocol.EndReasonHangup {
		t.Fatalf("reason=%q", reason)
	}
	if len(c.Users()) != 0 || len(c.Pool().Peers()) != 0 {
		t.Fatalf("Users=%v Peers=%v after leave", c.Users(), c.Pool().Peers())
	}
	h.mu.Lock()
	closed := h.natives["carol"].closed
	h.mu.Unlock()
	if !closed {
		t.Fatalf("carol's native peer was not closed")
	}
}

func TestEndAndActiveDevice(t *testing.T) {
	h := newHarness()
	h.api.users = []string{"alice", "bob"}
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice"}, "alice")

	var device string
	c.OnActiveDevice(func(ev *protocol.CallHandledOnDevice) { device = ev.Device })
	h.d.Notify(&protocol.CallHandledOnDevice{CallHeader: protocol.CallHeader{CallID: "call-1"}, Device: "phone"})
	if device != "phone" || len(c.Pool().Peers()) != 0 {
		t.Fatalf("device=%q Peers=%v", device, c.Pool().Peers())
	}

	ended := false
	c.OnEnd(func(*protocol.CallEnded) { ended = true })
	h.d.Notify(&protocol.CallEnded{CallHeader: protocol.CallHeader{CallID: "call-1", Timestamp: 42}})
	if !ended {
		t.Fatalf("OnEnd not called")
	}
	if info := c.Info(); info.Ended == nil || *info.Ended != 42 {
		t.Fatalf("Ended=%v", info.Ended)
	}
}

func TestLifecycleOperations(t *testing.T) {
	h := newHarness()
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice"}, "bob")
	ctx := context.Background()

	if err := c.Answer(ctx); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := c.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := c.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if err := c.Invite(ctx, "carol"); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if err := c.Reject(ctx, protocol.EndReasonBusy); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	h.d.Notify(joined("call-1", "carol"))
	if err := c.Leave(ctx, protocol.EndReasonHangup); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if len(c.Pool().Peers()) != 0 {
		t.Fatalf("Peers=%v after Leave", c.Pool().Peers())
	}
	if _, err := c.GetMessages(ctx); err != nil {
		t.Fatalf("GetMessages: %v", err)
	}

	want := []string{
		"answer call-1",
		"join call-1",
		"pull call-1",
		"invite call-1 carol",
		"reject call-1 busy",
		"leave call-1 hangup",
		"history call-1",
	}
	if got := h.api.recorded(); !slices.Equal(got, want) {
		t.Fatalf("api calls=%v, want %v", got, want)
	}
}

func TestDirectCallKeepsNoRoster(t *testing.T) {
	h := newHarness()
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice", Users: []string{"alice", "bob"}, Direct: true}, "bob")

	h.d.Notify(joined("call-1", "alice"))
	h.d.Notify(&protocol.CallLeft{
		CallHeader: protocol.CallHeader{CallID: "call-1", AuthorID: "alice"},
		Reason:     protocol.EndReasonHangup,
	})
	if got := c.Users(); !slices.Equal(got, []string{"alice", "bob"}) {
		t.Fatalf("Users=%v, want the users the call was created with", got)
	}
	if got := h.signaler.offeredTo(); !slices.Equal(got, []string{"alice"}) {
		t.Fatalf("offers=%v, want [alice]", got)
	}
	if got := c.Pool().Peers(); len(got) != 0 {
		t.Fatalf("Peers=%v after leave, want none", got)
	}
}

func TestDirectCallRejectsGroupOperations(t *testing.T) {
	h := newHarness()
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice", Direct: true}, "bob")
	ctx := context.Background()

	if err := c.Join(ctx); !errors.Is(err, ErrNotGroup) {
		t.Fatalf("Join err=%v, want ErrNotGroup", err)
	}
	if err := c.Invite(ctx, "carol"); !errors.Is(err, ErrNotGroup) {
		t.Fatalf("Invite err=%v, want ErrNotGroup", err)
	}
	if err := c.OnInvited(func(*protocol.CallInvited) {}); !errors.Is(err, ErrNotGroup) {
		t.Fatalf("OnInvited err=%v, want ErrNotGroup", err)
	}
}

func TestToggles(t *testing.T) {
	h := newHarness()
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice"}, "bob")

	if err := c.ToggleAudio(false); err != nil {
		t.Fatalf("ToggleAudio: %v", err)
	}
	if err := c.ToggleVideo(true, "screen"); err != nil {
		t.Fatalf("ToggleVideo: %v", err)
	}
	if len(h.sender.cmds) != 2 {
		t.Fatalf("sent %d commands, want 2", len(h.sender.cmds))
	}
	audio, ok := h.sender.cmds[0].(*protocol.AudioStreamToggle)
	if !ok || audio.CallID != "call-1" || audio.Enabled || audio.Timestamp != 5000 {
		t.Fatalf("audio toggle=%+v", h.sender.cmds[0])
	}
	video, ok := h.sender.cmds[1].(*protocol.VideoStreamToggle)
	if !ok || !video.Enabled || video.Content != "screen" {
		t.Fatalf("video toggle=%+v", h.sender.cmds[1])
	}

	var toggled []bool
	c.OnAudioToggled(func(ev *protocol.AudioStreamToggled) { toggled = append(toggled, ev.Enabled) })
	h.d.Notify(&protocol.AudioStreamToggled{CallHeader: protocol.CallHeader{CallID: "call-1"}, Enabled: true})
	if !slices.Equal(toggled, []bool{true}) {
		t.Fatalf("toggled=%v", toggled)
	}
}

func TestInvitationMetadata(t *testing.T) {
	h := newHarness()
	c := h.newCall(t, api.Call{ID: "call-1", Creator: "alice"}, "bob")

	var subject string
	if err := c.OnInvited(func(ev *protocol.CallInvited) {
		var md struct {
			Subject string `json:"subject"`
		}
		if err := Metadata(ev, &md); err != nil {
			t.Errorf("Metadata: %v", err)
		}
		subject = md.Subject
	}); err != nil {
		t.Fatalf("OnInvited: %v", err)
	}
	h.d.Notify(&protocol.CallInvited{
		CallHeader: protocol.CallHeader{CallID: "call-1", AuthorID: "alice"},
		Invitee:    "bob",
		Metadata:   []byte(`{"subject":"standup"}`),
	})
	if subject != "standup" {
		t.Fatalf("subject=%q", subject)
	}
}

func TestCloseDropsSubscriptions(t *testing.T) {
	h := newHarness()
	c, err := New(context.Background(), api.Call{ID: "call-1", Creator: "alice"}, h.deps("bob"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.d.SubscriptionCount() == 0 {
		t.Fatalf("no subscriptions after New")
	}
	c.Close()
	c.Close()
	if n := h.d.SubscriptionCount(); n != 0 {
		t.Fatalf("SubscriptionCount=%d after Close", n)
	}
	if err := c.ToggleAudio(true); !errors.Is(err, ErrClosed) {
		t.Fatalf("ToggleAudio after Close err=%v, want ErrClosed", err)
	}
}
