package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

// Call is the server's view of a call.
type Call struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Ended   *int64   `json:"ended,omitempty"`
	Creator string   `json:"creator"`
	Users   []string `json:"users"`
	Direct  bool     `json:"direct"`
	OrgID   string   `json:"orgId,omitempty"`
}

type createCallRequest struct {
	Users    []string        `json:"users"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type createDirectCallRequest struct {
	User     string          `json:"user"`
	Timeout  int64           `json:"timeout,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func callPath(id string, rest ...string) string {
	p := "calls/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) CreateCall(ctx context.Context, users []string, metadata json.RawMessage) (Call, error) {
	var out Call
	_, err := c.do(ctx, http.MethodPost, "calls", nil, createCallRequest{Users: users, Metadata: metadata}, &out)
	return out, err
}

// CreateDirectCall starts a one-to-one call. timeoutSeconds <= 0 leaves the
// ringing timeout to the server.
func (c *Client) CreateDirectCall(ctx context.Context, user string, timeoutSeconds int64, metadata json.RawMessage) (Call, error) {
	req := createDirectCallRequest{User: user, Metadata: metadata}
	if timeoutSeconds > 0 {
		req.Timeout = timeoutSeconds
	}
	var out Call
	_, err := c.do(ctx, http.MethodPost, "calls", nil, req, &out)
	return out, err
}

func (c *Client) GetCall(ctx context.Context, id string) (Call, error) {
	var out Call
	_, err := c.do(ctx, http.MethodGet, callPath(id), nil, nil, &out)
	return out, err
}

func (c *Client) GetCalls(ctx context.Context) ([]Call, error) {
	var out []Call
	_, err := c.do(ctx, http.MethodGet, "calls", nil, nil, &out)
	return out, err
}

func (c *Client) GetActiveCalls(ctx context.Context) ([]Call, error) {
	var out []Call
	_, err := c.do(ctx, http.MethodGet, "calls/active", nil, nil, &out)
	return out, err
}

func (c *Client) GetCallsWithPendingInvitations(ctx context.Context) ([]Call, error) {
	var out []Call
	_, err := c.do(ctx, http.MethodGet, "calls/pending-invitation", nil, nil, &out)
	return out, err
}

func (c *Client) GetCallHistory(ctx context.Context, id string) ([]protocol.Event, error) {
	var raw []json.RawMessage
	if _, err := c.do(ctx, http.MethodGet, callPath(id, "history"), nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]protocol.Event, 0, len(raw))
	for _, r := range raw {
		ev, err := protocol.DecodeEvent(r)
		if err != nil {
			c.log.Warn("skipping undecodable call history entry", "call_id", id, "err", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (c *Client) GetCallUsers(ctx context.Context, id string) ([]string, error) {
	var out []string
	_, err := c.do(ctx, http.MethodGet, callPath(id, "users"), nil, nil, &out)
	return out, err
}

func (c *Client) AnswerCall(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, callPath(id, "answer"), nil, nil, nil)
	return err
}

func (c *Client) RejectCall(ctx context.Context, id, reason string) error {
	_, err := c.do(ctx, http.MethodPost, callPath(id, "reject"), nil, reasonRequest{Reason: reason}, nil)
	return err
}

func (c *Client) JoinCall(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, callPath(id, "join"), nil, nil, nil)
	return err
}

func (c *Client) PullCall(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, callPath(id, "pull"), nil, nil, nil)
	return err
}

func (c *Client) LeaveCall(ctx context.Context, id, reason string) error {
	_, err := c.do(ctx, http.MethodPost, callPath(id, "leave"), nil, reasonRequest{Reason: reason}, nil)
	return err
}

func (c *Client) InviteToCall(ctx context.Context, id, user string) error {
	_, err := c.do(ctx, http.MethodPost, callPath(id, "invite", url.PathEscape(user)), nil, nil, nil)
	return err
}
