// Package peer manages the WebRTC peer connections of a call.
//
// A Connection wraps one native peer connection to one remote peer and
// drives offer/answer, trickled candidates, renegotiation and the call's
// data channel over a Signaler. A Pool keys Connections by remote peer id
// and routes the call's signaling events to them.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
	"github.com/wilsonzlin/aero/rtc-client/internal/queue"
	"github.com/wilsonzlin/aero/rtc-client/internal/ratelimit"
	"github.com/wilsonzlin/aero/rtc-client/internal/timing"
)

const (
	DataChannelLabel = "data"
	DataChannelID    = uint16(1)

	DefaultRenegotiationDelay = 100 * time.Millisecond
	DefaultDataQueueSize      = 1024
)

var (
	ErrChannelClosed   = errors.New("peer: data channel closed")
	ErrQueueFull       = errors.New("peer: data channel queue full")
	ErrRateLimited     = errors.New("peer: data channel rate limited")
	ErrNoSenderForKind = errors.New("peer: no sender for track kind")
	ErrClosed          = errors.New("peer: connection closed")
)

// Signaler carries local descriptions and candidates to the remote peer.
type Signaler interface {
	SendDescription(callID, peerID string, sdp protocol.SDP) error
	SendCandidate(callID, peerID string, candidate protocol.Candidate) error
}

type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Callbacks are invoked from pion goroutines without any lock held.
type Callbacks struct {
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote)
	OnData        func(peerID string, data []byte)
	OnStatus      func(peerID string, status Status)
}

type ConnectionConfig struct {
	CallID   string
	PeerID   string
	Native   NativePeer
	Signaler Signaler

	Clock                clock.Clock
	RenegotiationDelay   time.Duration
	DisableRenegotiation bool
	OfferOptions         *webrtc.OfferOptions
	AnswerOptions        *webrtc.AnswerOptions
	DataQueueSize        int
	// DataBytesPerSecond caps SendData, with one second of burst. Zero
	// means unlimited.
	DataBytesPerSecond int64

	Callbacks Callbacks
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Connection struct {
	callID   string
	peerID   string
	native   NativePeer
	signaler Signaler
	log      *slog.Logger
	metrics  *metrics.Metrics
	cb       Callbacks

	renegotiate          *timing.OnceDelayed
	renegotiationDelay   time.Duration
	disableRenegotiation bool

	mu            sync.Mutex
	offerOptions  *webrtc.OfferOptions
	answerOptions *webrtc.AnswerOptions
	senders       []TrackSender
	closed        bool

	// candMu serializes candidate application so that queued candidates are
	// added before any that arrive after the remote description.
	candMu     sync.Mutex
	remoteSet  bool
	candidates *queue.FIFO[protocol.Candidate]

	dcMu     sync.Mutex
	dc       DataChannel
	dcOpen   bool
	dcClosed bool
	dcQueue  *queue.FIFO[[]byte]
	dcLimit  *ratelimit.TokenBucket
}

func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.Native == nil {
		return nil, errors.New("peer: nil native peer")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("peer: nil signaler")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.RenegotiationDelay <= 0 {
		cfg.RenegotiationDelay = DefaultRenegotiationDelay
	}
	if cfg.DataQueueSize <= 0 {
		cfg.DataQueueSize = DefaultDataQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Connection{
		callID:               cfg.CallID,
		peerID:               cfg.PeerID,
		native:               cfg.Native,
		signaler:             cfg.Signaler,
		log:                  cfg.Logger.With("call_id", cfg.CallID, "peer_id", cfg.PeerID),
		metrics:              cfg.Metrics,
		cb:                   cfg.Callbacks,
		renegotiate:          timing.NewOnceDelayed(cfg.Clock),
		renegotiationDelay:   cfg.RenegotiationDelay,
		disableRenegotiation: cfg.DisableRenegotiation,
		offerOptions:         cfg.OfferOptions,
		answerOptions:        cfg.AnswerOptions,
		candidates:           queue.New[protocol.Candidate](0),
		dcQueue:              queue.New[[]byte](cfg.DataQueueSize),
	}
	if cfg.DataBytesPerSecond > 0 {
		c.dcLimit = ratelimit.NewTokenBucket(cfg.Clock, cfg.DataBytesPerSecond, cfg.DataBytesPerSecond)
	}

	c.native.OnICECandidate(c.handleLocalCandidate)
	c.native.OnNegotiationNeeded(c.handleNegotiationNeeded)
	c.native.OnICEConnectionStateChange(c.handleICEState)
	c.native.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Debug("remote track", "kind", track.Kind().String(), "track_id", track.ID())
		if c.cb.OnRemoteTrack != nil {
			c.cb.OnRemoteTrack(c.peerID, track)
		}
	})

	c.metrics.Inc(metrics.PeerCreated)
	return c, nil
}

func (c *Connection) PeerID() string { return c.peerID }

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) SetOfferOptions(opts *webrtc.OfferOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offerOptions = opts
}

func (c *Connection) SetAnswerOptions(opts *webrtc.AnswerOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answerOptions = opts
}

// Established reports whether the connection is up: connected, or stable
// signaling with a connected ICE transport.
func (c *Connection) Established() bool {
	if c.native.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return true
	}
	if c.native.SignalingState() != webrtc.SignalingStateStable {
		return false
	}
	switch c.native.ICEConnectionState() {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return true
	default:
		return false
	}
}

func (c *Connection) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil || c.isClosed() {
		return
	}
	if err := c.signaler.SendCandidate(c.callID, c.peerID, protocol.CandidateFromPion(candidate.ToJSON())); err != nil {
		c.log.Warn("failed to send local candidate", "err", err)
	}
}

func (c *Connection) handleNegotiationNeeded() {
	if c.disableRenegotiation || c.isClosed() {
		return
	}
	if !c.Established() {
		c.log.Debug("ignoring negotiation-needed before connection is established")
		return
	}
	c.renegotiate.Schedule(c.renegotiationDelay, func() {
		if err := c.Offer(context.Background()); err != nil {
			c.log.Warn("renegotiation offer failed", "err", err)
		}
	})
}

func (c *Connection) handleICEState(state webrtc.ICEConnectionState) {
	var status Status
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		status = StatusConnected
	case webrtc.ICEConnectionStateDisconnected:
		status = StatusDisconnected
	case webrtc.ICEConnectionStateFailed:
		status = StatusFailed
	default:
		return
	}
	c.log.Debug("peer status", "status", status.String(), "ice_state", state.String())
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(c.peerID, status)
	}
}

// AddTrack starts sending track to the peer. Failures are logged.
func (c *Connection) AddTrack(track webrtc.TrackLocal) {
	if c.isClosed() {
		return
	}
	sender, err := c.native.AddTrack(track)
	if err != nil {
		c.log.Warn("failed to add track", "track_id", track.ID(), "err", err)
		return
	}
	c.mu.Lock()
	c.senders = append(c.senders, sender)
	c.mu.Unlock()
}

// RemoveTrack stops sending track to the peer. Failures are logged.
func (c *Connection) RemoveTrack(track webrtc.TrackLocal) {
	c.mu.Lock()
	idx := slices.IndexFunc(c.senders, func(s TrackSender) bool { return s.Track() == track })
	if idx < 0 {
		c.mu.Unlock()
		c.log.Warn("remove of unknown track", "track_id", track.ID())
		return
	}
	sender := c.senders[idx]
	c.senders = slices.Delete(c.senders, idx, idx+1)
	c.mu.Unlock()

	if err := c.native.RemoveTrack(sender); err != nil {
		c.log.Warn("failed to remove track", "track_id", track.ID(), "err", err)
	}
}

// ReplaceTrackByKind swaps the track of the first sender whose current track
// has the same kind as track. It never adds a sender.
func (c *Connection) ReplaceTrackByKind(track webrtc.TrackLocal) error {
	for _, s := range c.native.Senders() {
		current := s.Track()
		if current == nil || current.Kind() != track.Kind() {
			continue
		}
		if err := s.ReplaceTrack(track); err != nil {
			return fmt.Errorf("peer: replace %s track: %w", track.Kind(), err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoSenderForKind, track.Kind())
}

// Offer creates a local offer and sends it to the peer.
func (c *Connection) Offer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	c.ensureDataChannel()

	c.mu.Lock()
	opts := c.offerOptions
	c.mu.Unlock()

	offer, err := c.native.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := c.native.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local offer: %w", err)
	}
	if err := c.signaler.SendDescription(c.callID, c.peerID, protocol.SDPFromPion(offer)); err != nil {
		return fmt.Errorf("peer: send offer: %w", err)
	}
	c.metrics.Inc(metrics.PeerOfferSent)
	return nil
}

// HandleRemoteOffer applies the peer's offer and answers it.
func (c *Connection) HandleRemoteOffer(ctx context.Context, sdp protocol.SDP) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.setRemote(sdp); err != nil {
		return err
	}
	c.ensureDataChannel()

	c.mu.Lock()
	opts := c.answerOptions
	c.mu.Unlock()

	answer, err := c.native.CreateAnswer(opts)
	if err != nil {
		return fmt.Errorf("peer: create answer: %w", err)
	}
	if err := c.native.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("peer: set local answer: %w", err)
	}
	if err := c.signaler.SendDescription(c.callID, c.peerID, protocol.SDPFromPion(answer)); err != nil {
		return fmt.Errorf("peer: send answer: %w", err)
	}
	c.metrics.Inc(metrics.PeerAnswerSent)
	return nil
}

// AddRemoteAnswer applies the peer's answer to our offer.
func (c *Connection) AddRemoteAnswer(sdp protocol.SDP) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.setRemote(sdp)
}

func (c *Connection) setRemote(sdp protocol.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	c.candMu.Lock()
	defer c.candMu.Unlock()
	if err := c.native.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peer: set remote %s: %w", sdp.Type, err)
	}
	c.remoteSet = true
	for _, cand := range c.candidates.Drain() {
		c.addCandidateLocked(cand)
	}
	return nil
}

// AddRemoteCandidate applies a trickled candidate, or queues it until the
// remote description is known.
func (c *Connection) AddRemoteCandidate(candidate protocol.Candidate) {
	c.candMu.Lock()
	defer c.candMu.Unlock()
	if !c.remoteSet {
		c.candidates.Enqueue(candidate)
		return
	}
	c.addCandidateLocked(candidate)
}

func (c *Connection) addCandidateLocked(candidate protocol.Candidate) {
	if err := c.native.AddICECandidate(candidate.ToPion()); err != nil {
		c.log.Warn("failed to add remote candidate", "err", err)
	}
}

// QueuedCandidates reports how many remote candidates wait for a remote
// description.
func (c *Connection) QueuedCandidates() int {
	return c.candidates.Len()
}

func (c *Connection) ensureDataChannel() {
	c.dcMu.Lock()
	if c.dc != nil || c.dcClosed {
		c.dcMu.Unlock()
		return
	}
	negotiated := true
	id := DataChannelID
	dc, err := c.native.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		c.dcMu.Unlock()
		c.log.Warn("failed to create data channel", "err", err)
		return
	}
	c.dc = dc
	c.dcMu.Unlock()

	dc.OnOpen(c.handleDataChannelOpen)
	dc.OnClose(func() {
		c.dcMu.Lock()
		c.dcOpen = false
		c.dcClosed = true
		c.dcMu.Unlock()
		c.dcQueue.Close()
		c.log.Debug("data channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.cb.OnData == nil {
			return
		}
		// Copy because pion reuses internal buffers.
		c.cb.OnData(c.peerID, append([]byte(nil), msg.Data...))
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.handleDataChannelOpen()
	}
}

func (c *Connection) handleDataChannelOpen() {
	c.dcMu.Lock()
	defer c.dcMu.Unlock()
	if c.dcOpen || c.dc == nil {
		return
	}
	for _, data := range c.dcQueue.Drain() {
		if err := c.dc.Send(data); err != nil {
			c.log.Warn("failed to flush queued data", "err", err)
		}
	}
	c.dcOpen = true
}

// SendData sends data on the call's data channel. Data sent before the
// channel opens is queued and flushed, in order, when it does.
func (c *Connection) SendData(data []byte) error {
	c.dcMu.Lock()
	defer c.dcMu.Unlock()

	if c.dcLimit != nil && !c.dcLimit.Allow(int64(len(data))) {
		c.metrics.Inc(metrics.DataChannelRateLimited)
		return ErrRateLimited
	}
	if c.dcOpen {
		return c.dc.Send(data)
	}
	closed := c.dcClosed
	if c.dc != nil {
		switch c.dc.ReadyState() {
		case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
			closed = true
		}
	}
	if closed {
		c.log.Warn("data dropped on closed channel", "bytes", len(data))
		return ErrChannelClosed
	}
	if !c.dcQueue.Enqueue(append([]byte(nil), data...)) {
		c.metrics.Inc(metrics.DataChannelDropped)
		return ErrQueueFull
	}
	c.metrics.Inc(metrics.DataChannelQueued)
	return nil
}

// Close tears down the native peer. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.renegotiate.Cancel()
	c.dcMu.Lock()
	c.dcOpen = false
	c.dcClosed = true
	c.dcMu.Unlock()
	c.dcQueue.Close()

	c.metrics.Inc(metrics.PeerDestroyed)
	return c.native.Close()
}
