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
	"github.com/wilsonzlin/aero/rtc-client/internal/events"
	"github.com/wilsonzlin/aero/rtc-client/internal/idgen"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

var ErrPoolClosed = errors.New("peer: pool closed")

type PoolConfig struct {
	CallID     string
	Dispatcher *events.Dispatcher
	Signaler   Signaler
	Factory    Factory
	IDs        idgen.Generator

	Clock                clock.Clock
	RenegotiationDelay   time.Duration
	DisableRenegotiation bool
	OfferOptions         *webrtc.OfferOptions
	AnswerOptions        *webrtc.AnswerOptions
	DataQueueSize        int
	DataBytesPerSecond   int64

	Callbacks Callbacks
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Pool holds the connections of one call keyed by remote peer id.
type Pool struct {
	id  string
	cfg PoolConfig
	log *slog.Logger

	mu            sync.Mutex
	conns         map[string]*Connection
	tracks        []webrtc.TrackLocal
	offerOptions  *webrtc.OfferOptions
	answerOptions *webrtc.AnswerOptions
	closed        bool
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("peer: nil dispatcher")
	}
	if cfg.Factory == nil {
		return nil, errors.New("peer: nil factory")
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.UUID{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		id:            cfg.IDs.Next(),
		cfg:           cfg,
		log:           cfg.Logger.With("call_id", cfg.CallID),
		conns:         make(map[string]*Connection),
		offerOptions:  cfg.OfferOptions,
		answerOptions: cfg.AnswerOptions,
	}

	cfg.Dispatcher.OnConcreteEvent(protocol.TagDescriptionSent, cfg.CallID, p.id, func(ev protocol.Event) {
		if e, ok := ev.(*protocol.DescriptionSent); ok {
			p.handleDescription(e)
		}
	})
	cfg.Dispatcher.OnConcreteEvent(protocol.TagCandidateSent, cfg.CallID, p.id, func(ev protocol.Event) {
		if e, ok := ev.(*protocol.CandidateSent); ok {
			p.handleCandidate(e)
		}
	})
	return p, nil
}

func (p *Pool) ID() string { return p.id }

// newConnLocked creates the connection for peerID with the pool's current
// tracks. The caller holds p.mu.
func (p *Pool) newConnLocked(peerID string) (*Connection, error) {
	native, err := p.cfg.Factory(peerID)
	if err != nil {
		return nil, fmt.Errorf("peer: create native peer for %s: %w", peerID, err)
	}
	conn, err := NewConnection(ConnectionConfig{
		CallID:               p.cfg.CallID,
		PeerID:               peerID,
		Native:               native,
		Signaler:             p.cfg.Signaler,
		Clock:                p.cfg.Clock,
		RenegotiationDelay:   p.cfg.RenegotiationDelay,
		DisableRenegotiation: p.cfg.DisableRenegotiation,
		OfferOptions:         p.offerOptions,
		AnswerOptions:        p.answerOptions,
		DataQueueSize:        p.cfg.DataQueueSize,
		DataBytesPerSecond:   p.cfg.DataBytesPerSecond,
		Callbacks:            p.cfg.Callbacks,
		Logger:               p.cfg.Logger,
		Metrics:              p.cfg.Metrics,
	})
	if err != nil {
		_ = native.Close()
		return nil, err
	}
	for _, track := range p.tracks {
		conn.AddTrack(track)
	}
	p.conns[peerID] = conn
	return conn, nil
}

// Create opens a connection to peerID and sends it an offer. It does
// nothing if a connection to peerID already exists.
func (p *Pool) Create(ctx context.Context, peerID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.conns[peerID]; ok {
		p.mu.Unlock()
		return nil
	}
	conn, err := p.newConnLocked(peerID)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.log.Info("connecting to peer", "peer_id", peerID)
	if err := conn.Offer(ctx); err != nil {
		// A later Create must be able to retry the offer.
		p.drop(peerID, conn)
		return err
	}
	return nil
}

func (p *Pool) Get(peerID string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[peerID]
	return conn, ok
}

// Peers returns the ids of every connected peer, sorted.
func (p *Pool) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.conns))
	for id := range p.conns {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (p *Pool) notifyError(reason string) {
	p.log.Warn(reason)
	p.cfg.Dispatcher.Notify(&protocol.Error{Reason: reason})
}

func (p *Pool) handleDescription(ev *protocol.DescriptionSent) {
	ctx := context.Background()
	switch ev.SDP.Type {
	case protocol.SDPTypeOffer:
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		conn, ok := p.conns[ev.Sender]
		if !ok {
			var err error
			conn, err = p.newConnLocked(ev.Sender)
			if err != nil {
				p.mu.Unlock()
				p.log.Error("failed to accept peer offer", "peer_id", ev.Sender, "err", err)
				return
			}
			p.log.Info("accepting peer", "peer_id", ev.Sender)
		}
		p.mu.Unlock()
		if err := conn.HandleRemoteOffer(ctx, ev.SDP); err != nil {
			p.log.Error("failed to answer peer offer", "peer_id", ev.Sender, "err", err)
		}
	case protocol.SDPTypeAnswer:
		conn, ok := p.Get(ev.Sender)
		if !ok {
			p.notifyError(fmt.Sprintf("received answer from unknown peer: %s", ev.Sender))
			return
		}
		if err := conn.AddRemoteAnswer(ev.SDP); err != nil {
			p.log.Error("failed to apply peer answer", "peer_id", ev.Sender, "err", err)
		}
	default:
		p.log.Warn("ignoring description", "peer_id", ev.Sender, "type", ev.SDP.Type)
	}
}

func (p *Pool) handleCandidate(ev *protocol.CandidateSent) {
	conn, ok := p.Get(ev.Sender)
	if !ok {
		p.notifyError(fmt.Sprintf("received candidate from unknown peer: %s", ev.Sender))
		return
	}
	conn.AddRemoteCandidate(ev.Candidate)
}

func (p *Pool) snapshot() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, conn := range p.conns {
		out = append(out, conn)
	}
	return out
}

// AddTrack sends track to every current and future peer.
func (p *Pool) AddTrack(track webrtc.TrackLocal) {
	p.mu.Lock()
	p.tracks = append(p.tracks, track)
	p.mu.Unlock()
	for _, conn := range p.snapshot() {
		conn.AddTrack(track)
	}
}

func (p *Pool) RemoveTrack(track webrtc.TrackLocal) {
	p.mu.Lock()
	p.tracks = slices.DeleteFunc(p.tracks, func(t webrtc.TrackLocal) bool { return t == track })
	p.mu.Unlock()
	for _, conn := range p.snapshot() {
		conn.RemoveTrack(track)
	}
}

// ReplaceTrackByKind swaps the same-kind track on every connection and in
// the set given to future peers.
func (p *Pool) ReplaceTrackByKind(track webrtc.TrackLocal) error {
	p.mu.Lock()
	for i, t := range p.tracks {
		if t.Kind() == track.Kind() {
			p.tracks[i] = track
			break
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, conn := range p.snapshot() {
		if err := conn.ReplaceTrackByKind(track); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.PeerID(), err))
		}
	}
	return errors.Join(errs...)
}

// SendData broadcasts data to every peer.
func (p *Pool) SendData(data []byte) error {
	var errs []error
	for _, conn := range p.snapshot() {
		if err := conn.SendData(data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.PeerID(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) SetOfferOptions(opts *webrtc.OfferOptions) {
	p.mu.Lock()
	p.offerOptions = opts
	p.mu.Unlock()
	for _, conn := range p.snapshot() {
		conn.SetOfferOptions(opts)
	}
}

func (p *Pool) SetAnswerOptions(opts *webrtc.AnswerOptions) {
	p.mu.Lock()
	p.answerOptions = opts
	p.mu.Unlock()
	for _, conn := range p.snapshot() {
		conn.SetAnswerOptions(opts)
	}
}

func (p *Pool) Destroy(peerID string) {
	p.mu.Lock()
	conn, ok := p.conns[peerID]
	delete(p.conns, peerID)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Close(); err != nil {
		p.log.Warn("error closing peer connection", "peer_id", peerID, "err", err)
	}
}

// drop removes conn if it is still the connection registered for peerID.
func (p *Pool) drop(peerID string, conn *Connection) {
	p.mu.Lock()
	if p.conns[peerID] == conn {
		delete(p.conns, peerID)
	}
	p.mu.Unlock()
	if err := conn.Close(); err != nil {
		p.log.Warn("error closing peer connection", "peer_id", peerID, "err", err)
	}
}

func (p *Pool) DestroyAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()
	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			p.log.Warn("error closing peer connection", "peer_id", id, "err", err)
		}
	}
}

// Close destroys every connection and drops the pool's subscriptions.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.DestroyAll()
	p.cfg.Dispatcher.RemoveSubscriber(p.cfg.CallID, p.id)
}
