package protocol

import (
	"encoding/json"
	"slices"
)

// Event tags.
const (
	TagRoomCreated             = "room_created"
	TagRoomInvited             = "room_invited"
	TagRoomJoined              = "room_joined"
	TagRoomLeft                = "room_left"
	TagRoomMessageSent         = "room_message_sent"
	TagRoomCustomMessageSent   = "room_custom_message_sent"
	TagRoomTypingSent          = "room_typing_sent"
	TagRoomMarkSent            = "room_mark_sent"
	TagRoomMessageDelivered    = "room_message_delivered"
	TagCallCreated             = "call_created"
	TagCallInvited             = "call_invited"
	TagCallAnswered            = "call_answered"
	TagCallJoined              = "call_joined"
	TagCallLeft                = "call_left"
	TagCallRejected            = "call_rejected"
	TagCallEnded               = "call_ended"
	TagCallHandledOnDevice     = "call_handled_on_device"
	TagDeviceOffline           = "device_offline"
	TagDeviceOnline            = "device_online"
	TagAudioStreamToggled      = "audio_stream_toggled"
	TagVideoStreamToggled      = "video_stream_toggled"
	TagDescriptionSent         = "rtc_description_sent"
	TagCandidateSent           = "rtc_candidate_sent"
	TagReceived                = "chat_received"
	TagError                   = "error"
	TagHello                   = "hello"
	TagOutputHeartbeat         = "output_heartbeat"
	TagWebsocketDisconnected   = "websocket_disconnected"
	TagServerBecameUnreachable = "server_became_unreachable"
)

// End reasons carried by room_left and the call ending events.
const (
	EndReasonTerminated        = "terminated"
	EndReasonTimeout           = "timeout"
	EndReasonEnded             = "ended"
	EndReasonHangup            = "hangup"
	EndReasonConnectionDropped = "connection_dropped"
	EndReasonDisconnected      = "disconnected"
	EndReasonRejected          = "rejected"
	EndReasonBusy              = "busy"
)

// RoomHeader is shared by every room event.
type RoomHeader struct {
	RoomID    string `json:"roomId"`
	AuthorID  string `json:"authorId"`
	Timestamp int64  `json:"timestamp"`
}

func (h *RoomHeader) EntityID() string { return h.RoomID }

type RoomCreated struct{ RoomHeader }

func (*RoomCreated) EventTag() string { return TagRoomCreated }

type RoomInvited struct {
	RoomHeader
	Invitee string `json:"invitee"`
}

func (*RoomInvited) EventTag() string { return TagRoomInvited }

type RoomJoined struct{ RoomHeader }

func (*RoomJoined) EventTag() string { return TagRoomJoined }

type RoomLeft struct {
	RoomHeader
	EndReason string `json:"endReason"`
}

func (*RoomLeft) EventTag() string { return TagRoomLeft }

type RoomMessageSent struct {
	RoomHeader
	Message   string  `json:"message"`
	MessageID string  `json:"messageId"`
	Context   Context `json:"context,omitempty"`
}

func (*RoomMessageSent) EventTag() string { return TagRoomMessageSent }

type RoomCustomMessageSent struct {
	RoomHeader
	Subtag    string  `json:"subtag"`
	Message   string  `json:"message"`
	MessageID string  `json:"messageId"`
	Context   Context `json:"context,omitempty"`
}

func (*RoomCustomMessageSent) EventTag() string { return TagRoomCustomMessageSent }

type RoomTypingSent struct{ RoomHeader }

func (*RoomTypingSent) EventTag() string { return TagRoomTypingSent }

type RoomMarkSent struct{ RoomHeader }

func (*RoomMarkSent) EventTag() string { return TagRoomMarkSent }

type RoomMessageDelivered struct {
	RoomHeader
	MessageID string `json:"messageId"`
}

func (*RoomMessageDelivered) EventTag() string { return TagRoomMessageDelivered }

// CallHeader is shared by every call event.
type CallHeader struct {
	CallID    string `json:"callId"`
	AuthorID  string `json:"authorId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (h *CallHeader) EntityID() string { return h.CallID }

type CallCreated struct{ CallHeader }

func (*CallCreated) EventTag() string { return TagCallCreated }

type CallInvited struct {
	CallHeader
	Invitee  string          `json:"invitee"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (*CallInvited) EventTag() string { return TagCallInvited }

type CallAnswered struct{ CallHeader }

func (*CallAnswered) EventTag() string { return TagCallAnswered }

type CallJoined struct{ CallHeader }

func (*CallJoined) EventTag() string { return TagCallJoined }

type CallLeft struct {
	CallHeader
	Reason string `json:"reason"`
}

func (*CallLeft) EventTag() string { return TagCallLeft }

type CallRejected struct {
	CallHeader
	Reason string `json:"reason"`
}

func (*CallRejected) EventTag() string { return TagCallRejected }

type CallEnded struct {
	CallHeader
	Reason string `json:"reason"`
}

func (*CallEnded) EventTag() string { return TagCallEnded }

type CallHandledOnDevice struct {
	CallHeader
	Device string `json:"device"`
}

func (*CallHandledOnDevice) EventTag() string { return TagCallHandledOnDevice }

type DeviceOffline struct {
	CallHeader
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

func (*DeviceOffline) EventTag() string { return TagDeviceOffline }

type DeviceOnline struct {
	CallHeader
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

func (*DeviceOnline) EventTag() string { return TagDeviceOnline }

type AudioStreamToggled struct {
	CallHeader
	Enabled bool `json:"enabled"`
}

func (*AudioStreamToggled) EventTag() string { return TagAudioStreamToggled }

type VideoStreamToggled struct {
	CallHeader
	Enabled bool   `json:"enabled"`
	Content string `json:"content,omitempty"`
}

func (*VideoStreamToggled) EventTag() string { return TagVideoStreamToggled }

// DescriptionSent relays an SDP offer or answer from Sender.
type DescriptionSent struct {
	CallID string `json:"callId"`
	Sender string `json:"sender"`
	SDP    SDP    `json:"sdp"`
}

func (*DescriptionSent) EventTag() string { return TagDescriptionSent }
func (e *DescriptionSent) EntityID() string { return e.CallID }

// CandidateSent relays a trickled ICE candidate from Sender.
type CandidateSent struct {
	CallID    string    `json:"callId"`
	Sender    string    `json:"sender"`
	Candidate Candidate `json:"candidate"`
}

func (*CandidateSent) EventTag() string { return TagCandidateSent }
func (e *CandidateSent) EntityID() string { return e.CallID }

// ChatMessage is the normalized message echoed back in a Received ack.
type ChatMessage struct {
	ID        string          `json:"id"`
	AuthorID  string          `json:"authorId"`
	ChannelID string          `json:"channelId"`
	Tag       string          `json:"tag"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Received acknowledges a correlated command.
type Received struct {
	EventID string      `json:"eventId"`
	Message ChatMessage `json:"message"`
	Ref     string      `json:"ref,omitempty"`
}

func (*Received) EventTag() string { return TagReceived }

// Error is sent by the server when a command fails. It is also raised
// locally for conditions the application should hear about.
type Error struct {
	Reason string `json:"reason"`
	Ref    string `json:"ref,omitempty"`
}

func (*Error) EventTag() string { return TagError }

type Hello struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
	// HeartbeatTimeout is in milliseconds.
	HeartbeatTimeout int64 `json:"heartbeatTimeout"`
}

func (*Hello) EventTag() string { return TagHello }

type OutputHeartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

func (*OutputHeartbeat) EventTag() string { return TagOutputHeartbeat }

// WebsocketDisconnected is raised locally when the connection is gone for
// good.
type WebsocketDisconnected struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (*WebsocketDisconnected) EventTag() string { return TagWebsocketDisconnected }

// ServerBecameUnreachable is raised locally when heartbeats stop arriving.
type ServerBecameUnreachable struct{}

func (*ServerBecameUnreachable) EventTag() string { return TagServerBecameUnreachable }

var eventFactories = map[string]func() Event{
	TagRoomCreated:             func() Event { return &RoomCreated{} },
	TagRoomInvited:             func() Event { return &RoomInvited{} },
	TagRoomJoined:              func() Event { return &RoomJoined{} },
	TagRoomLeft:                func() Event { return &RoomLeft{} },
	TagRoomMessageSent:         func() Event { return &RoomMessageSent{} },
	TagRoomCustomMessageSent:   func() Event { return &RoomCustomMessageSent{} },
	TagRoomTypingSent:          func() Event { return &RoomTypingSent{} },
	TagRoomMarkSent:            func() Event { return &RoomMarkSent{} },
	TagRoomMessageDelivered:    func() Event { return &RoomMessageDelivered{} },
	TagCallCreated:             func() Event { return &CallCreated{} },
	TagCallInvited:             func() Event { return &CallInvited{} },
	TagCallAnswered:            func() Event { return &CallAnswered{} },
	TagCallJoined:              func() Event { return &CallJoined{} },
	TagCallLeft:                func() Event { return &CallLeft{} },
	TagCallRejected:            func() Event { return &CallRejected{} },
	TagCallEnded:               func() Event { return &CallEnded{} },
	TagCallHandledOnDevice:     func() Event { return &CallHandledOnDevice{} },
	TagDeviceOffline:           func() Event { return &DeviceOffline{} },
	TagDeviceOnline:            func() Event { return &DeviceOnline{} },
	TagAudioStreamToggled:      func() Event { return &AudioStreamToggled{} },
	TagVideoStreamToggled:      func() Event { return &VideoStreamToggled{} },
	TagDescriptionSent:         func() Event { return &DescriptionSent{} },
	TagCandidateSent:           func() Event { return &CandidateSent{} },
	TagReceived:                func() Event { return &Received{} },
	TagError:                   func() Event { return &Error{} },
	TagHello:                   func() Event { return &Hello{} },
	TagOutputHeartbeat:         func() Event { return &OutputHeartbeat{} },
	TagWebsocketDisconnected:   func() Event { return &WebsocketDisconnected{} },
	TagServerBecameUnreachable: func() Event { return &ServerBecameUnreachable{} },
}

// EventTags lists every tag DecodeEvent understands, sorted.
func EventTags() []string {
	tags := make([]string, 0, len(eventFactories))
	for tag := range eventFactories {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}
