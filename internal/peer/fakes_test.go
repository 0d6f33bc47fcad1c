package peer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTrackSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeTrackSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeTrackSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

type fakeDataChannel struct {
	mu        sync.Mutex
	state     webrtc.DataChannelState
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func (d *fakeDataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("fake data channel not open")
	}
	d.sent = append(d.sent, string(data))
	return nil
}

func (d *fakeDataChannel) OnOpen(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = f
}

func (d *fakeDataChannel) OnClose(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = f
}

func (d *fakeDataChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = f
}

func (d *fakeDataChannel) Close() error {
	d.setClosed()
	return nil
}

func (d *fakeDataChannel) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeDataChannel) setClosed() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateClosed
	f := d.onClose
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeDataChannel) receive(data string) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	if f != nil {
		f(webrtc.DataChannelMessage{Data: []byte(data)})
	}
}

func (d *fakeDataChannel) sentMessages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sent)
}

type fakePeer struct {
	mu         sync.Mutex
	offers     int
	answers    int
	local      []webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []string
	senders    []TrackSender
	dcs        []*fakeDataChannel
	dcInits    []*webrtc.DataChannelInit
	dcLabels   []string
	signaling  webrtc.SignalingState
	ice        webrtc.ICEConnectionState
	conn       webrtc.PeerConnectionState
	closed     bool
	removes    int

	// Failures returned by the matching calls when set.
	remoteErr   error
	addTrackErr error

	onCandidate   func(*webrtc.ICECandidate)
	onNegotiation func()
	onICE         func(webrtc.ICEConnectionState)
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offers)}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, desc)
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addTrackErr != nil {
		return nil, p.addTrackErr
	}
	s := &fakeTrackSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) RemoveTrack(sender TrackSender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removes++
	p.senders = slices.DeleteFunc(p.senders, func(s TrackSender) bool { return s == sender })
	return nil
}

func (p *fakePeer) Senders() []TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.senders)
}

func (p *fakePeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := &fakeDataChannel{state: webrtc.DataChannelStateConnecting}
	p.dcs = append(p.dcs, dc)
	p.dcInits = append(p.dcInits, init)
	p.dcLabels = append(p.dcLabels, label)
	return dc, nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePeer) ICEConnectionState() webrtc.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ice
}

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) { p.onCandidate = f }
func (p *fakePeer) OnNegotiationNeeded(f func())                { p.onNegotiation = f }
func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.onICE = f
}
func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *fakePeer) remoteCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.candidates)
}

func (p *fakePeer) dataChannel(t *testing.T) *fakeDataChannel {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.dcs) != 1 {
		t.Fatalf("data channels=%d, want 1", len(p.dcs))
	}
	return p.dcs[0]
}

type sentDescription struct {
	CallID string
	PeerID string
	SDP    protocol.SDP
}

type fakeSignaler struct {
	mu           sync.Mutex
	descriptions []sentDescription
	candidates   []string
	descErr      error
}

func (s *fakeSignaler) failDescriptions(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descErr = err
}

func (s *fakeSignaler) SendDescription(callID, peerID string, sdp protocol.SDP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descErr != nil {
		return s.descErr
	}
	s.descriptions = append(s.descriptions, sentDescription{CallID: callID, PeerID: peerID, SDP: sdp})
	return nil
}

func (s *fakeSignaler) SendCandidate(callID, peerID string, c protocol.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, peerID)
	return nil
}

func (s *fakeSignaler) sent() []sentDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.descriptions)
}

func newTrack(t *testing.T, mime, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return track
}
