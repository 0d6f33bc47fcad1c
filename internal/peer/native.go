package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// TrackSender is the outbound side of one media track.
type TrackSender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// DataChannel is the subset of *webrtc.DataChannel the facade drives.
type DataChannel interface {
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// NativePeer is the platform peer connection underneath a Connection.
type NativePeer interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	RemoveTrack(sender TrackSender) error
	Senders() []TrackSender
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)

	SignalingState() webrtc.SignalingState
	ICEConnectionState() webrtc.ICEConnectionState
	ConnectionState() webrtc.PeerConnectionState

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnNegotiationNeeded(f func())
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	Close() error
}

// Factory creates the native peer for one remote peer id.
type Factory func(peerID string) (NativePeer, error)

// PionFactory returns a Factory creating pion peer connections from api with
// the given configuration.
func PionFactory(api *webrtc.API, cfg webrtc.Configuration) Factory {
	if api == nil {
		api = webrtc.NewAPI()
	}
	return func(string) (NativePeer, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return NewPionPeer(pc), nil
	}
}

type pionPeer struct {
	*webrtc.PeerConnection
}

// NewPionPeer adapts a pion peer connection to NativePeer.
func NewPionPeer(pc *webrtc.PeerConnection) NativePeer {
	return pionPeer{PeerConnection: pc}
}

func (p pionPeer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (p pionPeer) RemoveTrack(sender TrackSender) error {
	s, ok := sender.(*webrtc.RTPSender)
	if !ok {
		return fmt.Errorf("peer: foreign sender %T", sender)
	}
	return p.PeerConnection.RemoveTrack(s)
}

func (p pionPeer) Senders() []TrackSender {
	senders := p.PeerConnection.GetSenders()
	out := make([]TrackSender, 0, len(senders))
	for _, s := range senders {
		out = append(out, s)
	}
	return out
}

func (p pionPeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.PeerConnection.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return dc, nil
}
