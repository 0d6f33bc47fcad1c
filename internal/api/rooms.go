package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

// Room is the server's view of a chat room.
type Room struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Created int64            `json:"created"`
	Users   []string         `json:"users"`
	Direct  bool             `json:"direct"`
	OrgID   string           `json:"orgId,omitempty"`
	Marks   map[string]int64 `json:"marks,omitempty"`
}

// HistoryFilter narrows history listings to the given event tags and custom
// message subtags.
type HistoryFilter struct {
	Tags       []string
	CustomTags []string
}

func (f *HistoryFilter) apply(q url.Values) {
	if f == nil {
		return
	}
	for _, tag := range f.Tags {
		q.Add("filter", tag)
	}
	for _, tag := range f.CustomTags {
		q.Add("customFilter", tag)
	}
}

type createRoomRequest struct {
	Name string `json:"name"`
}

type createDirectRoomRequest struct {
	User    string           `json:"user"`
	Context protocol.Context `json:"context,omitempty"`
}

type inviteRequest struct {
	User string `json:"user"`
}

func roomPath(id string, rest ...string) string {
	p := "rooms/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) CreateRoom(ctx context.Context, name string) (Room, error) {
	var out Room
	_, err := c.do(ctx, http.MethodPost, "rooms", nil, createRoomRequest{Name: name}, &out)
	return out, err
}

func (c *Client) CreateDirectRoom(ctx context.Context, user string, roomContext protocol.Context) (Room, error) {
	var out Room
	_, err := c.do(ctx, http.MethodPost, "rooms", nil, createDirectRoomRequest{User: user, Context: roomContext}, &out)
	return out, err
}

func (c *Client) GetRoom(ctx context.Context, id string) (Room, error) {
	var out Room
	_, err := c.do(ctx, http.MethodGet, roomPath(id), nil, nil, &out)
	return out, err
}

func (c *Client) GetRooms(ctx context.Context) ([]Room, error) {
	var out []Room
	_, err := c.do(ctx, http.MethodGet, "rooms", nil, nil, &out)
	return out, err
}

func (c *Client) GetRoster(ctx context.Context) ([]Room, error) {
	var out []Room
	_, err := c.do(ctx, http.MethodGet, "rooms/roster", nil, nil, &out)
	return out, err
}

func (c *Client) GetRoomUsers(ctx context.Context, id string) ([]string, error) {
	var out []string
	_, err := c.do(ctx, http.MethodGet, roomPath(id, "users"), nil, nil, &out)
	return out, err
}

// GetRoomHistoryLast returns the newest count events of the room.
func (c *Client) GetRoomHistoryLast(ctx context.Context, id string, count int, filter *HistoryFilter) (Paginated[protocol.Event], error) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(count))
	filter.apply(q)
	return c.history(ctx, roomPath(id, "history", "last"), q)
}

// GetRoomHistoryPage returns limit events of the room starting at offset.
func (c *Client) GetRoomHistoryPage(ctx context.Context, id string, offset, limit int, filter *HistoryFilter) (Paginated[protocol.Event], error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	filter.apply(q)
	return c.history(ctx, roomPath(id, "history", "page"), q)
}

func (c *Client) history(ctx context.Context, path string, q url.Values) (Paginated[protocol.Event], error) {
	var raw []json.RawMessage
	h, err := c.do(ctx, http.MethodGet, path, q, nil, &raw)
	if err != nil {
		return Paginated[protocol.Event]{}, err
	}
	items := make([]protocol.Event, 0, len(raw))
	for _, r := range raw {
		ev, err := protocol.DecodeEvent(r)
		if err != nil {
			c.log.Warn("skipping undecodable history entry", "path", path, "err", err)
			continue
		}
		items = append(items, ev)
	}
	offset, limit := pagingFromHeader(h)
	return Paginated[protocol.Event]{Items: items, Offset: offset, Limit: limit}, nil
}

func (c *Client) JoinRoom(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, roomPath(id, "join"), nil, nil, nil)
	return err
}

func (c *Client) LeaveRoom(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, roomPath(id, "leave"), nil, nil, nil)
	return err
}

func (c *Client) InviteToRoom(ctx context.Context, id, user string) error {
	_, err := c.do(ctx, http.MethodPost, roomPath(id, "invite"), nil, inviteRequest{User: user}, nil)
	return err
}
