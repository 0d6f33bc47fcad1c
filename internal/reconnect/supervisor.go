// Package reconnect decides when to re-establish a lost connection.
//
// The supervisor is driven by three signals from the connection owner:
// established, lost and error. A lost connection triggers one immediate
// reconnect attempt and arms a single-shot error listener; if that attempt
// fails, the next attempt runs after a fixed delay. An established
// connection disarms everything.
package reconnect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
)

const DefaultDelay = 5 * time.Second

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type Config struct {
	Delay   time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Supervisor struct {
	delay   time.Duration
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	enabled    bool
	reconnect  func()
	armed      bool
	retry      *clock.Timer
	gen        uint64
	state      State
	lastReason string
	onTerminal func(reason string)
}

func New(cfg Config) *Supervisor {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		delay:   cfg.Delay,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Enable turns reconnection on. reconnect is called for every attempt and
// must not block for long; failures are reported back via ConnectionError.
func (s *Supervisor) Enable(reconnect func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	s.reconnect = reconnect
}

func (s *Supervisor) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.reconnect = nil
	s.disarmLocked()
}

func (s *Supervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// OnTerminal registers f to be told about connection losses that will not
// be retried because reconnection is disabled.
func (s *Supervisor) OnTerminal(f func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = f
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastReason returns the reason given with the most recent loss.
func (s *Supervisor) LastReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

func (s *Supervisor) ConnectionEstablished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
	s.lastReason = ""
	s.disarmLocked()
}

func (s *Supervisor) ConnectionLost(reason string) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.lastReason = reason
	if !s.enabled {
		terminal := s.onTerminal
		s.mu.Unlock()
		if terminal != nil {
			terminal(reason)
		}
		return
	}
	reconnect := s.reconnect
	if reconnect == nil {
		s.mu.Unlock()
		s.log.Error("reconnection enabled without a reconnect function", "reason", reason)
		return
	}
	s.armed = true
	s.state = StateConnecting
	s.mu.Unlock()

	s.metrics.Inc(metrics.ReconnectAttempt)
	s.log.Info("reconnecting", "reason", reason)
	reconnect()
}

// Attempt marks a connection attempt started outside the supervisor, such
// as the first dial, so that its failure enters the retry cycle. It does
// nothing while reconnection is disabled.
func (s *Supervisor) Attempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.armed = true
	if s.state != StateConnected {
		s.state = StateConnecting
	}
}

// ConnectionError schedules the next attempt if an attempt is in flight.
// Errors outside an attempt are ignored.
func (s *Supervisor) ConnectionError(err error) {
	s.mu.Lock()
	if !s.enabled || !s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.retry.Stop()
	s.retry = nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.metrics.Inc(metrics.ReconnectScheduled)
	s.log.Warn("reconnect attempt failed", "err", err, "retry_in", s.delay)

	t := s.clock.AfterFunc(s.delay, func() {
		s.mu.Lock()
		current := gen == s.gen && s.enabled
		if current {
			s.retry = nil
		}
		s.mu.Unlock()
		if current {
			s.ConnectionLost("retry after error")
		}
	})

	s.mu.Lock()
	if gen == s.gen {
		s.retry = t
	} else {
		t.Stop()
	}
	s.mu.Unlock()
}

func (s *Supervisor) disarmLocked() {
	s.armed = false
	s.retry.Stop()
	s.retry = nil
	s.gen++
}
