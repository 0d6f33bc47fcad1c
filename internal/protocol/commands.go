package protocol

// Command tags.
const (
	TagSendMessage            = "room_send_message"
	TagSendCustomMessage      = "room_send_custom_message"
	TagSendTyping             = "room_send_typing"
	TagSendMark               = "room_send_mark"
	TagConfirmMessageDelivery = "room_confirm_message_delivery"
	TagSendDescription        = "rtc_send_description"
	TagSendCandidate          = "rtc_send_candidate"
	TagAudioStreamToggle      = "audio_stream_toggle"
	TagVideoStreamToggle      = "video_stream_toggle"
	TagInputHeartbeat         = "input_heartbeat"
)

// Context is free-form application metadata attached to chat messages.
type Context map[string]any

type SendMessage struct {
	RoomID  string  `json:"roomId"`
	Body    string  `json:"body"`
	Context Context `json:"context,omitempty"`
	Ref     string  `json:"ref,omitempty"`
}

func (*SendMessage) CommandTag() string { return TagSendMessage }
func (c *SendMessage) CorrelationRef() string { return c.Ref }
func (c *SendMessage) WithRef(ref string) Correlatable {
	cp := *c
	cp.Ref = ref
	return &cp
}

type SendCustomMessage struct {
	RoomID  string  `json:"roomId"`
	Body    string  `json:"body"`
	Subtag  string  `json:"subtag"`
	Context Context `json:"context,omitempty"`
	Ref     string  `json:"ref,omitempty"`
}

func (*SendCustomMessage) CommandTag() string { return TagSendCustomMessage }
func (c *SendCustomMessage) CorrelationRef() string { return c.Ref }
func (c *SendCustomMessage) WithRef(ref string) Correlatable {
	cp := *c
	cp.Ref = ref
	return &cp
}

type SendTyping struct {
	RoomID string `json:"roomId"`
}

func (*SendTyping) CommandTag() string { return TagSendTyping }

type SendMark struct {
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}

func (*SendMark) CommandTag() string { return TagSendMark }

type ConfirmMessageDelivery struct {
	RoomID    string `json:"roomId"`
	EventID   string `json:"eventId"`
	Timestamp int64  `json:"timestamp"`
}

func (*ConfirmMessageDelivery) CommandTag() string { return TagConfirmMessageDelivery }

type SendDescription struct {
	CallID string `json:"callId"`
	Peer   string `json:"peer"`
	SDP    SDP    `json:"sdp"`
}

func (*SendDescription) CommandTag() string { return TagSendDescription }

type SendCandidate struct {
	CallID    string    `json:"callId"`
	Peer      string    `json:"peer"`
	Candidate Candidate `json:"iceCandidate"`
}

func (*SendCandidate) CommandTag() string { return TagSendCandidate }

type AudioStreamToggle struct {
	CallID    string `json:"callId"`
	Enabled   bool   `json:"enabled"`
	Timestamp int64  `json:"timestamp"`
}

func (*AudioStreamToggle) CommandTag() string { return TagAudioStreamToggle }

type VideoStreamToggle struct {
	CallID    string `json:"callId"`
	Enabled   bool   `json:"enabled"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content,omitempty"`
}

func (*VideoStreamToggle) CommandTag() string { return TagVideoStreamToggle }

type InputHeartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

func (*InputHeartbeat) CommandTag() string { return TagInputHeartbeat }

var commandFactories = map[string]func() Command{
	TagSendMessage:            func() Command { return &SendMessage{} },
	TagSendCustomMessage:      func() Command { return &SendCustomMessage{} },
	TagSendTyping:             func() Command { return &SendTyping{} },
	TagSendMark:               func() Command { return &SendMark{} },
	TagConfirmMessageDelivery: func() Command { return &ConfirmMessageDelivery{} },
	TagSendDescription:        func() Command { return &SendDescription{} },
	TagSendCandidate:          func() Command { return &SendCandidate{} },
	TagAudioStreamToggle:      func() Command { return &AudioStreamToggle{} },
	TagVideoStreamToggle:      func() Command { return &VideoStreamToggle{} },
	TagInputHeartbeat:         func() Command { return &InputHeartbeat{} },
}
