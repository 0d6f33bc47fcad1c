package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Event counter names.
const (
	AskSent                = "ask_sent"
	AskResolved            = "ask_resolved"
	AskServerError         = "ask_server_error"
	AskTimeout             = "ask_timeout"
	AskSendFailed          = "ask_send_failed"
	EventDecodeFailed      = "event_decode_failed"
	EventUnhandled         = "event_unhandled"
	EventReceived          = "event_received"
	CommandSent            = "command_sent"
	ReconnectAttempt       = "reconnect_attempt"
	ReconnectScheduled     = "reconnect_scheduled"
	ServerUnreachable      = "server_unreachable"
	PeerCreated            = "peer_created"
	PeerDestroyed          = "peer_destroyed"
	PeerOfferSent          = "peer_offer_sent"
	PeerAnswerSent         = "peer_answer_sent"
	DataChannelQueued      = "datachannel_queued"
	DataChannelDropped     = "datachannel_dropped"
	DataChannelRateLimited = "datachannel_rate_limited"
)

// Metrics is a concurrency-safe counter registry. Every counter is mirrored
// into a Prometheus CounterVec labelled by event so it can be scraped.
//
// A nil *Metrics is valid and discards everything.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64

	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aero_rtc_client_events_total",
		Help: "Internal event counters.",
	}, []string{"event"})
	reg.MustRegister(events)
	return &Metrics{
		m:        make(map[string]uint64),
		registry: reg,
		events:   events,
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Registry exposes the underlying Prometheus registry so callers can add
// their own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
