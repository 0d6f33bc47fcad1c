// Package call implements calls: lifecycle through the REST collaborator,
// membership from call events, and media through a peer connection pool.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/rtc-client/internal/api"
	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/events"
	"github.com/wilsonzlin/aero/rtc-client/internal/idgen"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/peer"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

var (
	ErrNotGroup = errors.New("call: operation requires a group call")
	ErrClosed   = errors.New("call: closed")
)

type Variant int

const (
	VariantGroup Variant = iota
	VariantDirect
	VariantBusiness
)

func (v Variant) String() string {
	switch v {
	case VariantDirect:
		return "direct"
	case VariantBusiness:
		return "business"
	default:
		return "group"
	}
}

func VariantOf(info api.Call) Variant {
	switch {
	case info.Direct:
		return VariantDirect
	case info.OrgID != "":
		return VariantBusiness
	default:
		return VariantGroup
	}
}

// API is the subset of the REST client calls use.
type API interface {
	GetCallUsers(ctx context.Context, id string) ([]string, error)
	GetCallHistory(ctx context.Context, id string) ([]protocol.Event, error)
	AnswerCall(ctx context.Context, id string) error
	RejectCall(ctx context.Context, id, reason string) error
	JoinCall(ctx context.Context, id string) error
	PullCall(ctx context.Context, id string) error
	LeaveCall(ctx context.Context, id, reason string) error
	InviteToCall(ctx context.Context, id, user string) error
}

type Sender interface {
	Send(cmd protocol.Command) error
}

type Deps struct {
	Dispatcher *events.Dispatcher
	API        API
	Sender     Sender
	// Self is the session id of the local user.
	Self string
	// Pool carries the signaler, native peer factory and negotiation
	// defaults. Call-specific fields are filled in by New.
	Pool peer.PoolConfig
	// Tracks are sent to every peer from the first offer on.
	Tracks  []webrtc.TrackLocal
	IDs     idgen.Generator
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type callbacks struct {
	joined       func(*protocol.CallJoined)
	left         func(*protocol.CallLeft)
	invited      func(*protocol.CallInvited)
	answered     func(*protocol.CallAnswered)
	rejected     func(*protocol.CallRejected)
	ended        func(*protocol.CallEnded)
	activeDevice func(*protocol.CallHandledOnDevice)
	offline      func(*protocol.DeviceOffline)
	online       func(*protocol.DeviceOnline)
	audio        func(*protocol.AudioStreamToggled)
	video        func(*protocol.VideoStreamToggled)
	remoteTrack  func(peerID string, track *webrtc.TrackRemote)
	data         func(peerID string, data []byte)
	status       func(peerID string, status peer.Status)
}

type Call struct {
	id           string
	created      int64
	creator      string
	direct       bool
	orgID        string
	variant      Variant
	subscriberID string

	self       string
	dispatcher *events.Dispatcher
	api        API
	sender     Sender
	pool       *peer.Pool
	clock      clock.Clock
	log        *slog.Logger

	mu     sync.Mutex
	users  []string
	ended  *int64
	cb     callbacks
	closed bool
}

// New builds the call and subscribes it to its events. When the local user
// created a group call, New also fetches the current members and connects
// to each of them; everyone else waits for offers.
func New(ctx context.Context, info api.Call, deps Deps) (*Call, error) {
	if deps.IDs == nil {
		deps.IDs = idgen.UUID{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	c := &Call{
		id:           info.ID,
		created:      info.Created,
		creator:      info.Creator,
		direct:       info.Direct,
		orgID:        info.OrgID,
		variant:      VariantOf(info),
		subscriberID: deps.IDs.Next(),
		self:         deps.Self,
		dispatcher:   deps.Dispatcher,
		api:          deps.API,
		sender:       deps.Sender,
		clock:        deps.Clock,
		log:          deps.Logger.With("call_id", info.ID),
		users:        slices.Clone(info.Users),
		ended:        info.Ended,
	}

	poolCfg := deps.Pool
	poolCfg.CallID = info.ID
	poolCfg.Dispatcher = deps.Dispatcher
	poolCfg.IDs = deps.IDs
	poolCfg.Logger = deps.Logger
	poolCfg.Metrics = deps.Metrics
	if poolCfg.Clock == nil {
		poolCfg.Clock = deps.Clock
	}
	poolCfg.Callbacks = peer.Callbacks{
		OnRemoteTrack: func(peerID string, track *webrtc.TrackRemote) {
			if cb := c.callbacks().remoteTrack; cb != nil {
				cb(peerID, track)
			}
		},
		OnData: func(peerID string, data []byte) {
			if cb := c.callbacks().data; cb != nil {
				cb(peerID, data)
			}
		},
		OnStatus: func(peerID string, status peer.Status) {
			if cb := c.callbacks().status; cb != nil {
				cb(peerID, status)
			}
		},
	}
	pool, err := peer.NewPool(poolCfg)
	if err != nil {
		return nil, err
	}
	c.pool = pool
	c.addTracks(deps.Tracks)

	creator := info.Creator == deps.Self
	if creator {
		c.users = nil
	}
	c.subscribe()
	if creator {
		c.connectToMembers(ctx)
	}
	return c, nil
}

func (c *Call) ID() string       { return c.id }
func (c *Call) Created() int64   { return c.created }
func (c *Call) Creator() string  { return c.creator }
func (c *Call) Direct() bool     { return c.direct }
func (c *Call) OrgID() string    { return c.orgID }
func (c *Call) Variant() Variant { return c.variant }
func (c *Call) Pool() *peer.Pool { return c.pool }

func (c *Call) isGroup() bool { return c.variant != VariantDirect }

func (c *Call) Info() api.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return api.Call{
		ID:      c.id,
		Created: c.created,
		Ended:   c.ended,
		Creator: c.creator,
		Users:   slices.Clone(c.users),
		Direct:  c.direct,
		OrgID:   c.orgID,
	}
}

// Users returns the cached member list.
func (c *Call) Users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.users)
}

func (c *Call) callbacks() callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *Call) connectToMembers(ctx context.Context) {
	users, err := c.api.GetCallUsers(ctx, c.id)
	if err != nil {
		c.log.Error("failed to fetch call members", "err", err)
		return
	}
	for _, u := range users {
		if u == c.self {
			continue
		}
		c.addUser(u)
		if err := c.pool.Create(ctx, u); err != nil {
			c.log.Warn("failed to connect to member", "peer_id", u, "err", err)
		}
	}
}

func (c *Call) addUser(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.users, u) {
		c.users = append(c.users, u)
	}
}

func on[E protocol.Event](c *Call, tag string, cb func(E)) {
	c.dispatcher.OnConcreteEvent(tag, c.id, c.subscriberID, func(ev protocol.Event) {
		if e, ok := ev.(E); ok {
			cb(e)
		}
	})
}

// dispatch runs the user callback picked by get, or logs that nobody
// handled the event.
func dispatch[E protocol.Event](c *Call, ev E, get func(callbacks) func(E)) {
	if cb := get(c.callbacks()); cb != nil {
		cb(ev)
		return
	}
	c.log.Warn("call event not handled", "tag", ev.EventTag())
}

func (c *Call) subscribe() {
	on(c, protocol.TagCallJoined, func(ev *protocol.CallJoined) {
		if ev.AuthorID != c.self {
			if c.isGroup() {
				c.addUser(ev.AuthorID)
			}
			if err := c.pool.Create(context.Background(), ev.AuthorID); err != nil {
				c.log.Warn("failed to connect to joined member", "peer_id", ev.AuthorID, "err", err)
			}
		}
		dispatch(c, ev, func(cb callbacks) func(*protocol.CallJoined) { return cb.joined })
	})
	on(c, protocol.TagCallLeft, func(ev *protocol.CallLeft) {
		if c.isGroup() {
			c.mu.Lock()
			c.users = slices.DeleteFunc(c.users, func(u string) bool { return u == ev.AuthorID })
			c.mu.Unlock()
		}
		c.pool.Destroy(ev.AuthorID)
		dispatch(c, ev, func(cb callbacks) func(*protocol.CallLeft) { return cb.left })
	})
	on(c, protocol.TagCallInvited, func(ev *protocol.CallInvited) {
		dispatch(c, ev, func(cb callbacks) func(*protocol.CallInvited) { return cb.invited })
	})
	on(c, protocol.TagCallAnswered, func(ev *protocol.CallAnswered) {
		dispatch(c, ev, func(cb callbacks) func(*protocol.CallAnswered) { return cb.answered })
	})
	on(c, protocol.TagCallRejected, func(ev *protocol.CallRejected) {
		dispatch(c, ev, func(cb callbacks) func(*protocol.CallRejected) { return cb.rejected })
	})
	on(c, protocol.TagCallEnded, func(ev *protocol.CallEnded) {
		ts := ev.Timestamp
		c.mu.Lock()
		c.ended = &ts
		c.mu.Unlock()
		dispatch(c, ev, func(cb callbacks) func(*protocol.CallEnded) { return cb.ended })
	})
	on(c, protocol.TagCallHandledOnDevice, func(ev *protocol.CallHandledOnDevice) {
		c.pool.DestroyAll()
		dispatch(c, ev, func(cb callbacks) func(*protocol.CallHandledOnDevice) { return cb.activeDevice })
	})
	on(c, protocol.TagDeviceOffline, func(ev *protocol.DeviceOffline) {
		dispatch(c, ev, func(cb callbacks) func(*protocol.DeviceOffline) { return cb.offline })
	})
	on(c, protocol.TagDeviceOnline, func(ev *protocol.DeviceOnline) {
		dispatch(c, ev, func(cb callbacks) func(*protocol.DeviceOnline) { return cb.online })
	})
	on(c, protocol.TagAudioStreamToggled, func(ev *protocol.AudioStreamToggled) {
		dispatch(c, ev, func(cb callbacks) func(*protocol.AudioStreamToggled) { return cb.audio })
	})
	on(c, protocol.TagVideoStreamToggled, func(ev *protocol.VideoStreamToggled) {
		dispatch(c, ev, func(cb callbacks) func(*protocol.VideoStreamToggled) { return cb.video })
	})
}

func (c *Call) setCallback(f func(*callbacks)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.cb)
}

func (c *Call) OnJoined(cb func(*protocol.CallJoined)) {
	c.setCallback(func(s *callbacks) { s.joined = cb })
}

func (c *Call) OnLeft(cb func(*protocol.CallLeft)) {
	c.setCallback(func(s *callbacks) { s.left = cb })
}

func (c *Call) OnAnswered(cb func(*protocol.CallAnswered)) {
	c.setCallback(func(s *callbacks) { s.answered = cb })
}

func (c *Call) OnRejected(cb func(*protocol.CallRejected)) {
	c.setCallback(func(s *callbacks) { s.rejected = cb })
}

// OnEnd is called after the call's end timestamp has been recorded.
func (c *Call) OnEnd(cb func(*protocol.CallEnded)) {
	c.setCallback(func(s *callbacks) { s.ended = cb })
}

// OnActiveDevice is called when another device of the local user took the
// call. Every peer connection has been torn down by then.
func (c *Call) OnActiveDevice(cb func(*protocol.CallHandledOnDevice)) {
	c.setCallback(func(s *callbacks) { s.activeDevice = cb })
}

func (c *Call) OnOffline(cb func(*protocol.DeviceOffline)) {
	c.setCallback(func(s *callbacks) { s.offline = cb })
}

func (c *Call) OnOnline(cb func(*protocol.DeviceOnline)) {
	c.setCallback(func(s *callbacks) { s.online = cb })
}

func (c *Call) OnAudioToggled(cb func(*protocol.AudioStreamToggled)) {
	c.setCallback(func(s *callbacks) { s.audio = cb })
}

func (c *Call) OnVideoToggled(cb func(*protocol.VideoStreamToggled)) {
	c.setCallback(func(s *callbacks) { s.video = cb })
}

func (c *Call) OnRemoteTrack(cb func(peerID string, track *webrtc.TrackRemote)) {
	c.setCallback(func(s *callbacks) { s.remoteTrack = cb })
}

func (c *Call) OnData(cb func(peerID string, data []byte)) {
	c.setCallback(func(s *callbacks) { s.data = cb })
}

func (c *Call) OnPeerStatus(cb func(peerID string, status peer.Status)) {
	c.setCallback(func(s *callbacks) { s.status = cb })
}

func (c *Call) OnInvited(cb func(*protocol.CallInvited)) error {
	if !c.isGroup() {
		return ErrNotGroup
	}
	c.setCallback(func(s *callbacks) { s.invited = cb })
	return nil
}

func (c *Call) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Call) addTracks(tracks []webrtc.TrackLocal) {
	for _, t := range tracks {
		c.pool.AddTrack(t)
	}
}

func (c *Call) Answer(ctx context.Context, tracks ...webrtc.TrackLocal) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.addTracks(tracks)
	return c.api.AnswerCall(ctx, c.id)
}

func (c *Call) Reject(ctx context.Context, reason string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.api.RejectCall(ctx, c.id, reason)
}

// Pull moves the call from another device of the local user to this one.
func (c *Call) Pull(ctx context.Context, tracks ...webrtc.TrackLocal) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.addTracks(tracks)
	return c.api.PullCall(ctx, c.id)
}

// Leave drops every peer connection before telling the server.
func (c *Call) Leave(ctx context.Context, reason string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.pool.DestroyAll()
	return c.api.LeaveCall(ctx, c.id, reason)
}

func (c *Call) Join(ctx context.Context, tracks ...webrtc.TrackLocal) error {
	if !c.isGroup() {
		return ErrNotGroup
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.addTracks(tracks)
	return c.api.JoinCall(ctx, c.id)
}

func (c *Call) Invite(ctx context.Context, user string) error {
	if !c.isGroup() {
		return ErrNotGroup
	}
	return c.api.InviteToCall(ctx, c.id, user)
}

func (c *Call) GetMessages(ctx context.Context) ([]protocol.Event, error) {
	return c.api.GetCallHistory(ctx, c.id)
}

func (c *Call) AddTrack(track webrtc.TrackLocal)    { c.pool.AddTrack(track) }
func (c *Call) RemoveTrack(track webrtc.TrackLocal) { c.pool.RemoveTrack(track) }

func (c *Call) ReplaceTrackByKind(track webrtc.TrackLocal) error {
	return c.pool.ReplaceTrackByKind(track)
}

// SendData broadcasts data to every peer of the call.
func (c *Call) SendData(data []byte) error {
	return c.pool.SendData(data)
}

func (c *Call) SetOfferOptions(opts *webrtc.OfferOptions)   { c.pool.SetOfferOptions(opts) }
func (c *Call) SetAnswerOptions(opts *webrtc.AnswerOptions) { c.pool.SetAnswerOptions(opts) }

func (c *Call) ToggleAudio(enabled bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.sender.Send(&protocol.AudioStreamToggle{
		CallID:    c.id,
		Enabled:   enabled,
		Timestamp: c.clock.Now().UnixMilli(),
	})
}

// ToggleVideo announces the local video state; content describes what is
// shared, e.g. "camera" or "screen".
func (c *Call) ToggleVideo(enabled bool, content string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.sender.Send(&protocol.VideoStreamToggle{
		CallID:    c.id,
		Enabled:   enabled,
		Timestamp: c.clock.Now().UnixMilli(),
		Content:   content,
	})
}

// Close destroys the pool and drops the call's subscriptions.
func (c *Call) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.pool.Close()
	c.dispatcher.RemoveSubscriber(c.id, c.subscriberID)
}

// Metadata decodes the free-form metadata of an invitation into v.
func Metadata(ev *protocol.CallInvited, v any) error {
	if len(ev.Metadata) == 0 {
		return nil
	}
	return json.Unmarshal(ev.Metadata, v)
}
