// Package session wires a signed-in user's connection to the signaling
// server: transport, dispatcher, correlated requests, reconnection,
// heartbeat supervision and the registries of live rooms and calls.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/rtc-client/internal/api"
	"github.com/wilsonzlin/aero/rtc-client/internal/ask"
	"github.com/wilsonzlin/aero/rtc-client/internal/call"
	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/events"
	"github.com/wilsonzlin/aero/rtc-client/internal/idgen"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/peer"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
	"github.com/wilsonzlin/aero/rtc-client/internal/reconnect"
	"github.com/wilsonzlin/aero/rtc-client/internal/room"
	"github.com/wilsonzlin/aero/rtc-client/internal/timing"
	"github.com/wilsonzlin/aero/rtc-client/internal/transport"
)

const DefaultHeartbeatTimeoutMultiplier = 2

const reasonServerUnreachable = "server became unreachable"

var (
	ErrMissingSessionID = errors.New("session: missing session id")
	ErrMissingSecret    = errors.New("session: missing secret")
	ErrMissingSocketURL = errors.New("session: missing websocket url")
)

type Config struct {
	SessionID string
	// Secret is the user's API key. It authenticates REST calls and is
	// the last path segment of the socket URL.
	Secret string

	// WebSocketURL is the socket endpoint without the key, e.g.
	// wss://chat.example.com/ws.
	WebSocketURL string
	APIURL       string

	// Transport defaults to a gorilla WebSocket transport.
	Transport  transport.Transport
	HTTPClient *http.Client

	AskTimeout                 time.Duration
	ReconnectDelay             time.Duration
	HeartbeatTimeoutMultiplier int

	// Peer carries the native peer factory and negotiation defaults for
	// every call. The signaler is the session itself.
	Peer peer.PoolConfig

	Clock   clock.Clock
	IDs     idgen.Generator
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Session struct {
	id         string
	socketURL  string
	transport  transport.Transport
	dispatcher *events.Dispatcher
	asker      *ask.Engine
	api        *api.Client
	supervisor *reconnect.Supervisor
	peerCfg    peer.PoolConfig
	multiplier int

	clock   clock.Clock
	ids     idgen.Generator
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	deviceID  string
	heartbeat *timing.BumpableTimeout
	lastClose transport.CloseInfo
	rooms     map[string]*room.Room
	calls     map[string]*call.Call
}

func New(cfg Config) (*Session, error) {
	if cfg.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	if strings.TrimSpace(cfg.WebSocketURL) == "" {
		return nil, ErrMissingSocketURL
	}
	if _, err := url.Parse(cfg.WebSocketURL); err != nil {
		return nil, fmt.Errorf("session: invalid websocket url %q: %w", cfg.WebSocketURL, err)
	}
	if cfg.HeartbeatTimeoutMultiplier <= 0 {
		cfg.HeartbeatTimeoutMultiplier = DefaultHeartbeatTimeoutMultiplier
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
	log := cfg.Logger.With("session_id", cfg.SessionID)

	client, err := api.New(api.Config{
		BaseURL:    cfg.APIURL,
		APIKey:     cfg.Secret,
		HTTPClient: cfg.HTTPClient,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	t := cfg.Transport
	if t == nil {
		t = transport.NewWebSocket(transport.WebSocketConfig{
			PingInterval: transport.DefaultPingInterval,
			Clock:        cfg.Clock,
			Logger:       log,
			Metrics:      cfg.Metrics,
		})
	}

	s := &Session{
		id:         cfg.SessionID,
		socketURL:  strings.TrimSuffix(cfg.WebSocketURL, "/") + "/" + url.PathEscape(cfg.Secret),
		transport:  t,
		dispatcher: events.NewDispatcher(log),
		api:        client,
		supervisor: reconnect.New(reconnect.Config{
			Delay:   cfg.ReconnectDelay,
			Clock:   cfg.Clock,
			Logger:  log,
			Metrics: cfg.Metrics,
		}),
		peerCfg:    cfg.Peer,
		multiplier: cfg.HeartbeatTimeoutMultiplier,
		clock:      cfg.Clock,
		ids:        cfg.IDs,
		log:        log,
		metrics:    cfg.Metrics,
		rooms:      make(map[string]*room.Room),
		calls:      make(map[string]*call.Call),
	}
	s.asker = ask.New(t, ask.Config{
		Timeout: cfg.AskTimeout,
		Clock:   cfg.Clock,
		IDs:     cfg.IDs,
		Logger:  log,
		Metrics: cfg.Metrics,
	})
	s.peerCfg.Signaler = s

	s.dispatcher.OnEvent(protocol.TagHello, func(ev protocol.Event) {
		s.handleHello(ev.(*protocol.Hello))
	})
	s.dispatcher.OnEvent(protocol.TagOutputHeartbeat, func(ev protocol.Event) {
		s.handleHeartbeat(ev.(*protocol.OutputHeartbeat))
	})
	s.dispatcher.OnUnhandled(func(protocol.Event) {
		s.metrics.Inc(metrics.EventUnhandled)
	})

	t.OnOpen(func() {
		s.log.Info("connected to signaling server")
	})
	t.OnEvent(s.handleEvent)
	t.OnClose(s.handleClose)
	t.OnError(s.handleError)
	s.supervisor.OnTerminal(func(reason string) {
		s.mu.Lock()
		info := s.lastClose
		s.mu.Unlock()
		s.dispatcher.Notify(&protocol.WebsocketDisconnected{Code: info.Code, Reason: reason})
	})
	return s, nil
}

func (s *Session) ID() string                       { return s.id }
func (s *Session) Dispatcher() *events.Dispatcher   { return s.dispatcher }
func (s *Session) API() *api.Client                 { return s.api }
func (s *Session) ConnectionState() reconnect.State { return s.supervisor.State() }
func (s *Session) TransportState() transport.State  { return s.transport.State() }
func (s *Session) PendingAsks() int                 { return s.asker.Pending() }
func (s *Session) ReconnectionEnabled() bool        { return s.supervisor.Enabled() }
func (s *Session) Metrics() *metrics.Metrics        { return s.metrics }

func (s *Session) Ask(ctx context.Context, cmd protocol.Correlatable) (*protocol.Received, error) {
	return s.asker.Ask(ctx, cmd)
}

func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// address returns the socket URL, continuing the server-side device
// session once a hello has assigned one.
func (s *Session) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == "" {
		return s.socketURL
	}
	return s.socketURL + "/reconnect/" + url.PathEscape(s.deviceID)
}

// Connect dials the server. With reconnection enabled a failed dial,
// including the first one, is retried after the reconnect delay.
func (s *Session) Connect(ctx context.Context) error {
	s.supervisor.Attempt()
	return s.transport.Connect(ctx, s.address())
}

// Disconnect turns reconnection off and closes the connection.
func (s *Session) Disconnect() error {
	s.supervisor.Disable()
	s.clearHeartbeat()
	return s.transport.Disconnect()
}

func (s *Session) EnableReconnection() {
	s.supervisor.Enable(func() {
		go func() {
			if err := s.Connect(context.Background()); err != nil {
				s.log.Debug("reconnect dial failed", "err", err)
			}
		}()
	})
}

func (s *Session) DisableReconnection() {
	s.supervisor.Disable()
}

// Close disconnects and releases every live room and call.
func (s *Session) Close() error {
	err := s.Disconnect()
	s.mu.Lock()
	rooms, calls := s.rooms, s.calls
	s.rooms = make(map[string]*room.Room)
	s.calls = make(map[string]*call.Call)
	s.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
	for _, c := range calls {
		c.Close()
	}
	return err
}

func (s *Session) Send(cmd protocol.Command) error {
	return s.transport.Send(cmd)
}

func (s *Session) SendDescription(callID, peerID string, sdp protocol.SDP) error {
	return s.transport.Send(&protocol.SendDescription{CallID: callID, Peer: peerID, SDP: sdp})
}

func (s *Session) SendCandidate(callID, peerID string, c protocol.Candidate) error {
	return s.transport.Send(&protocol.SendCandidate{CallID: callID, Peer: peerID, Candidate: c})
}

func (s *Session) handleEvent(ev protocol.Event) {
	s.asker.Handle(ev)
	s.dispatcher.Notify(ev)
}

func (s *Session) handleClose(info transport.CloseInfo) {
	s.clearHeartbeat()
	s.mu.Lock()
	s.lastClose = info
	s.mu.Unlock()
	s.log.Info("disconnected", "code", info.Code, "reason", info.Reason, "local", info.Local)
	if info.Local {
		s.dispatcher.Notify(&protocol.WebsocketDisconnected{Code: info.Code, Reason: info.Reason})
		return
	}
	s.supervisor.ConnectionLost(info.Reason)
}

func (s *Session) handleError(err error) {
	s.dispatcher.Notify(&protocol.Error{Reason: "websocket connection error: " + err.Error()})
	s.supervisor.ConnectionError(err)
}

func (s *Session) handleHello(hello *protocol.Hello) {
	timeout := time.Duration(hello.HeartbeatTimeout) * time.Millisecond * time.Duration(s.multiplier)

	s.mu.Lock()
	s.deviceID = hello.DeviceID
	old := s.heartbeat
	s.heartbeat = nil
	if timeout > 0 {
		s.heartbeat = timing.NewBumpableTimeout(s.clock, timeout, s.serverUnreachable)
	}
	s.mu.Unlock()
	if old != nil {
		old.Clear()
	}

	s.api.SetDeviceID(hello.DeviceID)
	s.supervisor.ConnectionEstablished()
	s.log.Info("session established", "device_id", hello.DeviceID, "heartbeat_timeout", timeout)
}

func (s *Session) handleHeartbeat(hb *protocol.OutputHeartbeat) {
	s.log.Debug("received heartbeat, sending answer")
	if err := s.transport.Send(&protocol.InputHeartbeat{Timestamp: hb.Timestamp}); err != nil {
		s.log.Warn("failed to answer heartbeat", "err", err)
	}
	s.mu.Lock()
	hbt := s.heartbeat
	s.mu.Unlock()
	if hbt != nil {
		hbt.Bump()
	}
}

func (s *Session) serverUnreachable() {
	s.clearHeartbeat()
	s.metrics.Inc(metrics.ServerUnreachable)
	s.log.Warn("server stopped sending heartbeats")
	s.dispatcher.Notify(&protocol.ServerBecameUnreachable{})
	// The close listener reports the loss once the socket is down.
	if err := s.transport.Abort(reasonServerUnreachable); errors.Is(err, transport.ErrNotConnected) {
		s.supervisor.ConnectionLost(reasonServerUnreachable)
	}
}

func (s *Session) clearHeartbeat() {
	s.mu.Lock()
	hbt := s.heartbeat
	s.heartbeat = nil
	s.mu.Unlock()
	if hbt != nil {
		hbt.Clear()
	}
}

// Application-facing subscriptions.

func onType[E protocol.Event](s *Session, tag string, cb func(E)) {
	s.dispatcher.OnEvent(tag, func(ev protocol.Event) {
		if e, ok := ev.(E); ok {
			cb(e)
		}
	})
}

func (s *Session) OnHello(cb func(*protocol.Hello)) {
	onType(s, protocol.TagHello, cb)
}

func (s *Session) OnRoomCreated(cb func(*protocol.RoomCreated)) {
	onType(s, protocol.TagRoomCreated, cb)
}

func (s *Session) OnRoomInvitation(cb func(*protocol.RoomInvited)) {
	onType(s, protocol.TagRoomInvited, cb)
}

func (s *Session) OnCallCreated(cb func(*protocol.CallCreated)) {
	onType(s, protocol.TagCallCreated, cb)
}

func (s *Session) OnCallInvitation(cb func(*protocol.CallInvited)) {
	onType(s, protocol.TagCallInvited, cb)
}

func (s *Session) OnError(cb func(*protocol.Error)) {
	onType(s, protocol.TagError, cb)
}

func (s *Session) OnServerUnreachable(cb func()) {
	onType(s, protocol.TagServerBecameUnreachable, func(*protocol.ServerBecameUnreachable) { cb() })
}

func (s *Session) OnDisconnected(cb func(*protocol.WebsocketDisconnected)) {
	onType(s, protocol.TagWebsocketDisconnected, cb)
}

// OnEvent subscribes cb to every event tagged tag.
func (s *Session) OnEvent(tag string, cb events.Callback) {
	s.dispatcher.OnEvent(tag, cb)
}

func (s *Session) OnUnhandled(cb events.Callback) {
	s.dispatcher.OnUnhandled(func(ev protocol.Event) {
		s.metrics.Inc(metrics.EventUnhandled)
		cb(ev)
	})
}

// Room and call registries. Each id maps to exactly one live instance.

func (s *Session) Room(id string) (*room.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	return r, ok
}

func (s *Session) Call(id string) (*call.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	return c, ok
}

func (s *Session) wrapRoom(info api.Room) *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[info.ID]; ok {
		return r
	}
	r := room.New(info, room.Deps{
		Dispatcher: s.dispatcher,
		Asker:      s.asker,
		Sender:     s.transport,
		API:        s.api,
		Self:       s.id,
		IDs:        s.ids,
		Clock:      s.clock,
		Logger:     s.log,
	})
	s.rooms[info.ID] = r
	return r
}

func (s *Session) wrapRooms(infos []api.Room) []*room.Room {
	out := make([]*room.Room, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.wrapRoom(info))
	}
	return out
}

// wrapCall returns the live call for info.ID, building it on first sight.
// Building may talk to the server, so it happens outside the lock; if two
// callers race, the first one registered wins and the other is closed.
func (s *Session) wrapCall(ctx context.Context, info api.Call, tracks []webrtc.TrackLocal) (*call.Call, error) {
	if c, ok := s.Call(info.ID); ok {
		for _, t := range tracks {
			c.AddTrack(t)
		}
		return c, nil
	}
	c, err := call.New(ctx, info, call.Deps{
		Dispatcher: s.dispatcher,
		API:        s.api,
		Sender:     s.transport,
		Self:       s.id,
		Pool:       s.peerCfg,
		Tracks:     tracks,
		IDs:        s.ids,
		Clock:      s.clock,
		Logger:     s.log,
		Metrics:    s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if existing, ok := s.calls[info.ID]; ok {
		s.mu.Unlock()
		c.Close()
		return existing, nil
	}
	s.calls[info.ID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *Session) wrapCalls(ctx context.Context, infos []api.Call) ([]*call.Call, error) {
	out := make([]*call.Call, 0, len(infos))
	for _, info := range infos {
		c, err := s.wrapCall(ctx, info, nil)
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Session) CreateRoom(ctx context.Context, name string) (*room.Room, error) {
	info, err := s.api.CreateRoom(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.wrapRoom(info), nil
}

func (s *Session) CreateDirectRoom(ctx context.Context, user string, roomContext protocol.Context) (*room.Room, error) {
	info, err := s.api.CreateDirectRoom(ctx, user, roomContext)
	if err != nil {
		return nil, err
	}
	return s.wrapRoom(info), nil
}

func (s *Session) GetRoom(ctx context.Context, id string) (*room.Room, error) {
	info, err := s.api.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.wrapRoom(info), nil
}

func (s *Session) GetRooms(ctx context.Context) ([]*room.Room, error) {
	infos, err := s.api.GetRooms(ctx)
	if err != nil {
		return nil, err
	}
	return s.wrapRooms(infos), nil
}

// GetRoster returns the rooms the user belongs to, with unread marks.
func (s *Session) GetRoster(ctx context.Context) ([]*room.Room, error) {
	infos, err := s.api.GetRoster(ctx)
	if err != nil {
		return nil, err
	}
	return s.wrapRooms(infos), nil
}

func (s *Session) CreateCall(ctx context.Context, users []string, metadata json.RawMessage, tracks ...webrtc.TrackLocal) (*call.Call, error) {
	info, err := s.api.CreateCall(ctx, users, metadata)
	if err != nil {
		return nil, err
	}
	return s.wrapCall(ctx, info, tracks)
}

// CreateDirectCall rings user. A timeout <= 0 leaves the ringing timeout
// to the server.
func (s *Session) CreateDirectCall(ctx context.Context, user string, timeout time.Duration, metadata json.RawMessage, tracks ...webrtc.TrackLocal) (*call.Call, error) {
	info, err := s.api.CreateDirectCall(ctx, user, int64(timeout/time.Second), metadata)
	if err != nil {
		return nil, err
	}
	return s.wrapCall(ctx, info, tracks)
}

func (s *Session) GetCall(ctx context.Context, id string) (*call.Call, error) {
	info, err := s.api.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.wrapCall(ctx, info, nil)
}

func (s *Session) GetCalls(ctx context.Context) ([]*call.Call, error) {
	infos, err := s.api.GetCalls(ctx)
	if err != nil {
		return nil, err
	}
	return s.wrapCalls(ctx, infos)
}

func (s *Session) GetActiveCalls(ctx context.Context) ([]*call.Call, error) {
	infos, err := s.api.GetActiveCalls(ctx)
	if err != nil {
		return nil, err
	}
	return s.wrapCalls(ctx, infos)
}

func (s *Session) GetCallsWithPendingInvitations(ctx context.Context) ([]*call.Call, error) {
	infos, err := s.api.GetCallsWithPendingInvitations(ctx)
	if err != nil {
		return nil, err
	}
	return s.wrapCalls(ctx, infos)
}

// ForgetCall closes the call and drops it from the registry.
func (s *Session) ForgetCall(id string) {
	s.mu.Lock()
	c, ok := s.calls[id]
	delete(s.calls, id)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (s *Session) ForgetRoom(id string) {
	s.mu.Lock()
	r, ok := s.rooms[id]
	delete(s.rooms, id)
	s.mu.Unlock()
	if ok {
		r.Close()
	}
}

func (s *Session) RegisterPush(ctx context.Context, pushID string) error {
	return s.api.PushRegister(ctx, pushID)
}

func (s *Session) UnregisterPush(ctx context.Context, pushID string) error {
	return s.api.PushUnregister(ctx, pushID)
}

// State is a point-in-time summary for diagnostics.
type State struct {
	SessionID   string   `json:"sessionId"`
	DeviceID    string   `json:"deviceId,omitempty"`
	Connection  string   `json:"connection"`
	Transport   string   `json:"transport"`
	Reconnect   bool     `json:"reconnect"`
	PendingAsks int      `json:"pendingAsks"`
	Rooms       []string `json:"rooms"`
	Calls       []string `json:"calls"`
}

func (s *Session) State() State {
	st := State{
		SessionID:   s.id,
		DeviceID:    s.DeviceID(),
		Connection:  s.supervisor.State().String(),
		Transport:   s.transport.State().String(),
		Reconnect:   s.supervisor.Enabled(),
		PendingAsks: s.asker.Pending(),
		Rooms:       []string{},
		Calls:       []string{},
	}
	s.mu.Lock()
	for id := range s.rooms {
		st.Rooms = append(st.Rooms, id)
	}
	for id := range s.calls {
		st.Calls = append(st.Calls, id)
	}
	s.mu.Unlock()
	slices.Sort(st.Rooms)
	slices.Sort(st.Calls)
	return st
}
