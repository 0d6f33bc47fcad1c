// Package room implements chat rooms on top of the event dispatcher and the
// correlated request engine.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/wilsonzlin/aero/rtc-client/internal/api"
	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/events"
	"github.com/wilsonzlin/aero/rtc-client/internal/idgen"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

const DefaultHistoryCount = 100

var (
	ErrNotGroup = errors.New("room: operation requires a group room")
	ErrClosed   = errors.New("room: closed")
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

// VariantOf classifies a room: direct rooms are Direct, rooms scoped to an
// organization are Business and everything else is Group.
func VariantOf(info api.Room) Variant {
	switch {
	case info.Direct:
		return VariantDirect
	case info.OrgID != "":
		return VariantBusiness
	default:
		return VariantGroup
	}
}

type Asker interface {
	Ask(ctx context.Context, cmd protocol.Correlatable) (*protocol.Received, error)
}

type Sender interface {
	Send(cmd protocol.Command) error
}

// API is the subset of the REST client rooms use.
type API interface {
	GetRoomUsers(ctx context.Context, id string) ([]string, error)
	GetRoomHistoryLast(ctx context.Context, id string, count int, filter *api.HistoryFilter) (api.Paginated[protocol.Event], error)
	GetRoomHistoryPage(ctx context.Context, id string, offset, limit int, filter *api.HistoryFilter) (api.Paginated[protocol.Event], error)
	JoinRoom(ctx context.Context, id string) error
	LeaveRoom(ctx context.Context, id string) error
	InviteToRoom(ctx context.Context, id, user string) error
}

type Deps struct {
	Dispatcher *events.Dispatcher
	Asker      Asker
	Sender     Sender
	API        API
	// Self is the session id of the local user.
	Self   string
	IDs    idgen.Generator
	Clock  clock.Clock
	Logger *slog.Logger
}

type Room struct {
	id           string
	name         string
	created      int64
	direct       bool
	orgID        string
	variant      Variant
	subscriberID string

	self       string
	dispatcher *events.Dispatcher
	asker      Asker
	sender     Sender
	api        API
	clock      clock.Clock
	log        *slog.Logger

	mu        sync.Mutex
	users     []string
	marks     map[string]int64
	onMessage func(*protocol.RoomMessageSent)
	onCustom  map[string]func(*protocol.RoomCustomMessageSent)
	onJoined  func(*protocol.RoomJoined)
	onLeft    func(*protocol.RoomLeft)
	closed    bool
}

func New(info api.Room, deps Deps) *Room {
	if deps.IDs == nil {
		deps.IDs = idgen.UUID{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	marks := make(map[string]int64, len(info.Marks))
	for user, ts := range info.Marks {
		marks[user] = ts
	}
	r := &Room{
		id:           info.ID,
		name:         info.Name,
		created:      info.Created,
		direct:       info.Direct,
		orgID:        info.OrgID,
		variant:      VariantOf(info),
		subscriberID: deps.IDs.Next(),
		self:         deps.Self,
		dispatcher:   deps.Dispatcher,
		asker:        deps.Asker,
		sender:       deps.Sender,
		api:          deps.API,
		clock:        deps.Clock,
		log:          deps.Logger.With("room_id", info.ID),
		users:        slices.Clone(info.Users),
		marks:        marks,
		onCustom:     make(map[string]func(*protocol.RoomCustomMessageSent)),
	}
	r.subscribe()
	return r
}

func (r *Room) ID() string       { return r.id }
func (r *Room) Name() string     { return r.name }
func (r *Room) Created() int64   { return r.created }
func (r *Room) Direct() bool     { return r.direct }
func (r *Room) OrgID() string    { return r.orgID }
func (r *Room) Variant() Variant { return r.variant }

func (r *Room) isGroup() bool { return r.variant != VariantDirect }

// Info returns the current view of the room, including roster changes seen
// since it was fetched.
func (r *Room) Info() api.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	marks := make(map[string]int64, len(r.marks))
	for user, ts := range r.marks {
		marks[user] = ts
	}
	return api.Room{
		ID:      r.id,
		Name:    r.name,
		Created: r.created,
		Users:   slices.Clone(r.users),
		Direct:  r.direct,
		OrgID:   r.orgID,
		Marks:   marks,
	}
}

// on subscribes cb to the room's events tagged tag. Registration happens
// under the room lock so that nothing is added after Close.
func on[E protocol.Event](r *Room, tag string, cb func(E)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.dispatcher.OnConcreteEvent(tag, r.id, r.subscriberID, func(ev protocol.Event) {
		if e, ok := ev.(E); ok {
			cb(e)
		}
	})
	return nil
}

func (r *Room) subscribe() {
	on(r, protocol.TagRoomMessageSent, func(ev *protocol.RoomMessageSent) {
		r.mu.Lock()
		cb := r.onMessage
		r.mu.Unlock()
		if cb == nil {
			r.log.Warn("message received without an OnMessage callback", "message_id", ev.MessageID)
			return
		}
		cb(ev)
	})
	on(r, protocol.TagRoomCustomMessageSent, func(ev *protocol.RoomCustomMessageSent) {
		r.mu.Lock()
		cb := r.onCustom[ev.Subtag]
		r.mu.Unlock()
		if cb == nil {
			r.dispatcher.Notify(&protocol.Error{Reason: fmt.Sprintf("unhandled custom message with subtag: %s", ev.Subtag)})
			return
		}
		cb(ev)
	})
	if !r.isGroup() {
		return
	}
	on(r, protocol.TagRoomJoined, func(ev *protocol.RoomJoined) {
		r.mu.Lock()
		if !slices.Contains(r.users, ev.AuthorID) {
			r.users = append(r.users, ev.AuthorID)
		}
		cb := r.onJoined
		r.mu.Unlock()
		if cb != nil {
			cb(ev)
		}
	})
	on(r, protocol.TagRoomLeft, func(ev *protocol.RoomLeft) {
		r.mu.Lock()
		r.users = slices.DeleteFunc(r.users, func(u string) bool { return u == ev.AuthorID })
		cb := r.onLeft
		r.mu.Unlock()
		if cb != nil {
			cb(ev)
		}
	})
}

func (r *Room) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Send posts a text message and waits for the server's acknowledgement.
func (r *Room) Send(ctx context.Context, body string, msgContext protocol.Context) (*protocol.Received, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.asker.Ask(ctx, &protocol.SendMessage{RoomID: r.id, Body: body, Context: msgContext})
}

func (r *Room) SendCustom(ctx context.Context, body, subtag string, msgContext protocol.Context) (*protocol.Received, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.asker.Ask(ctx, &protocol.SendCustomMessage{RoomID: r.id, Body: body, Subtag: subtag, Context: msgContext})
}

func (r *Room) IndicateTyping() error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.sender.Send(&protocol.SendTyping{RoomID: r.id})
}

// SetMark records timestamp as the local user's read mark. The cache is
// updated before the command is sent.
func (r *Room) SetMark(timestamp int64) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.marks[r.self] = timestamp
	r.mu.Unlock()
	return r.sender.Send(&protocol.SendMark{RoomID: r.id, Timestamp: timestamp})
}

// GetMark returns the cached read mark of user, or 0 if none is known.
func (r *Room) GetMark(user string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks[user]
}

func (r *Room) SetDelivered(messageID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.sender.Send(&protocol.ConfirmMessageDelivery{
		RoomID:    r.id,
		EventID:   messageID,
		Timestamp: r.clock.Now().UnixMilli(),
	})
}

// GetLatestMessages returns the newest count events; count <= 0 means
// DefaultHistoryCount.
func (r *Room) GetLatestMessages(ctx context.Context, count int, filter *api.HistoryFilter) (api.Paginated[protocol.Event], error) {
	if count <= 0 {
		count = DefaultHistoryCount
	}
	return r.api.GetRoomHistoryLast(ctx, r.id, count, filter)
}

func (r *Room) GetMessages(ctx context.Context, offset, limit int, filter *api.HistoryFilter) (api.Paginated[protocol.Event], error) {
	return r.api.GetRoomHistoryPage(ctx, r.id, offset, limit, filter)
}

func (r *Room) GetUsers(ctx context.Context) ([]string, error) {
	return r.api.GetRoomUsers(ctx, r.id)
}

// OnMessage replaces the text message callback.
func (r *Room) OnMessage(cb func(*protocol.RoomMessageSent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = cb
}

// OnCustom sets the callback for custom messages with subtag. Custom
// messages with a subtag nobody registered surface as an error event.
func (r *Room) OnCustom(subtag string, cb func(*protocol.RoomCustomMessageSent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCustom[subtag] = cb
}

func (r *Room) OnTyping(cb func(*protocol.RoomTypingSent)) error {
	return on(r, protocol.TagRoomTypingSent, cb)
}

// OnMarked sets the read mark callback. Marks are cached before cb runs.
func (r *Room) OnMarked(cb func(*protocol.RoomMarkSent)) error {
	return on(r, protocol.TagRoomMarkSent, func(ev *protocol.RoomMarkSent) {
		r.mu.Lock()
		r.marks[ev.AuthorID] = ev.Timestamp
		r.mu.Unlock()
		cb(ev)
	})
}

func (r *Room) OnMessageDelivered(cb func(*protocol.RoomMessageDelivered)) error {
	return on(r, protocol.TagRoomMessageDelivered, cb)
}

func (r *Room) Join(ctx context.Context) error {
	if !r.isGroup() {
		return ErrNotGroup
	}
	return r.api.JoinRoom(ctx, r.id)
}

func (r *Room) Leave(ctx context.Context) error {
	if !r.isGroup() {
		return ErrNotGroup
	}
	return r.api.LeaveRoom(ctx, r.id)
}

func (r *Room) Invite(ctx context.Context, user string) error {
	if !r.isGroup() {
		return ErrNotGroup
	}
	return r.api.InviteToRoom(ctx, r.id, user)
}

// CachedUsers returns the roster as maintained from join and leave events.
func (r *Room) CachedUsers() ([]string, error) {
	if !r.isGroup() {
		return nil, ErrNotGroup
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.users), nil
}

func (r *Room) OnJoined(cb func(*protocol.RoomJoined)) error {
	if !r.isGroup() {
		return ErrNotGroup
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onJoined = cb
	return nil
}

func (r *Room) OnLeft(cb func(*protocol.RoomLeft)) error {
	if !r.isGroup() {
		return ErrNotGroup
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeft = cb
	return nil
}

func (r *Room) OnInvited(cb func(*protocol.RoomInvited)) error {
	if !r.isGroup() {
		return ErrNotGroup
	}
	return on(r, protocol.TagRoomInvited, cb)
}

// Close removes every subscription the room registered. Further sends fail
// with ErrClosed.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.dispatcher.RemoveSubscriber(r.id, r.subscriberID)
}
