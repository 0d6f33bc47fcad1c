// Package protocol defines the JSON wire format spoken with the signaling
// server: client-to-server commands and server-to-client events.
//
// Every message is a JSON object carrying a "tag" naming its variant and a
// "__discriminator__" naming its family ("domainCommand" or "domainEvent").
// Commands that expect a correlated reply carry a "ref".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	DiscriminatorCommand = "domainCommand"
	DiscriminatorEvent   = "domainEvent"

	fieldTag           = "tag"
	fieldDiscriminator = "__discriminator__"
)

// ErrDecode is matched by every *DecodeError.
var ErrDecode = errors.New("protocol: decode error")

type DecodeError struct {
	Tag    string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "protocol: decode"
	if e.Tag != "" {
		msg += " " + strconv.Quote(e.Tag)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Command is a client-to-server message.
type Command interface {
	CommandTag() string
}

// Correlatable commands expect exactly one reply carrying the same ref.
type Correlatable interface {
	Command
	CorrelationRef() string
	// WithRef returns a copy of the command with ref stamped on it.
	WithRef(ref string) Correlatable
}

// Event is a server-to-client message, or a client-internal notification
// routed through the same dispatch path.
type Event interface {
	EventTag() string
}

// Addressed events belong to a room or call.
type Addressed interface {
	EntityID() string
}

// EntityID returns the room or call id ev is addressed to, or "".
func EntityID(ev Event) string {
	if a, ok := ev.(Addressed); ok {
		return a.EntityID()
	}
	return ""
}

// Ref returns the correlation ref carried by ev, or "".
func Ref(ev Event) string {
	switch e := ev.(type) {
	case *Received:
		return e.Ref
	case *Error:
		return e.Ref
	}
	return ""
}

// UnknownEvent is produced for well-formed events whose tag this client does
// not know. It keeps the raw payload so it can still reach fallback handlers.
type UnknownEvent struct {
	Tag string
	Raw json.RawMessage
}

func (e *UnknownEvent) EventTag() string { return e.Tag }

type header struct {
	Tag           *string `json:"tag"`
	Discriminator *string `json:"__discriminator__"`
}

func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("protocol: nil command")
	}
	return encode(cmd.CommandTag(), DiscriminatorCommand, cmd)
}

func EncodeEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("protocol: nil event")
	}
	if u, ok := ev.(*UnknownEvent); ok {
		return append([]byte(nil), u.Raw...), nil
	}
	return encode(ev.EventTag(), DiscriminatorEvent, ev)
}

func encode(tag, discriminator string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %q: %w", tag, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("protocol: encode %q: %w", tag, err)
	}
	fields[fieldTag] = json.RawMessage(strconv.Quote(tag))
	fields[fieldDiscriminator] = json.RawMessage(strconv.Quote(discriminator))
	return json.Marshal(fields)
}

func DecodeCommand(data []byte) (Command, error) {
	tag, err := decodeHeader(data, DiscriminatorCommand)
	if err != nil {
		return nil, err
	}
	factory, ok := commandFactories[tag]
	if !ok {
		return nil, &DecodeError{Tag: tag, Reason: "unknown command tag"}
	}
	cmd := factory()
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, &DecodeError{Tag: tag, Reason: "invalid fields", Err: err}
	}
	return cmd, nil
}

// DecodeEvent parses one inbound message. Unknown tags are not an error;
// they yield *UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	tag, err := decodeHeader(data, DiscriminatorEvent)
	if err != nil {
		return nil, err
	}
	factory, ok := eventFactories[tag]
	if !ok {
		return &UnknownEvent{Tag: tag, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	ev := factory()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, &DecodeError{Tag: tag, Reason: "invalid fields", Err: err}
	}
	return ev, nil
}

func decodeHeader(data []byte, want string) (string, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", &DecodeError{Reason: "invalid json", Err: err}
	}
	if h.Tag == nil || *h.Tag == "" {
		return "", &DecodeError{Reason: "missing tag"}
	}
	if h.Discriminator == nil {
		return "", &DecodeError{Tag: *h.Tag, Reason: "missing discriminator"}
	}
	if *h.Discriminator != want {
		return "", &DecodeError{Tag: *h.Tag, Reason: fmt.Sprintf("discriminator %q, want %q", *h.Discriminator, want)}
	}
	return *h.Tag, nil
}
