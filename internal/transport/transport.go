// Package transport carries encoded commands and events over a persistent
// bidirectional connection to the signaling server.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
)

type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Close codes reported in CloseInfo when the peer did not send one.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

type CloseInfo struct {
	Code   int
	Reason string
	// Local is true when Disconnect initiated the close. Abort reports a
	// non-local close.
	Local bool
}

// Transport is satisfied by WebSocket and Legacy.
//
// Listeners are registered once and stay attached across Connect calls.
type Transport interface {
	Connect(ctx context.Context, address string) error
	Disconnect() error
	// Abort drops the connection without a closing handshake. The close
	// listener sees a non-local close carrying reason. It returns
	// ErrNotConnected when there is nothing to drop.
	Abort(reason string) error
	Send(cmd protocol.Command) error
	State() State

	OnOpen(func())
	OnEvent(func(protocol.Event))
	OnClose(func(CloseInfo))
	OnError(func(error))
}

// base holds the listener slots, state and inbound decode path shared by
// both transports.
type base struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	lmu     sync.RWMutex
	onOpen  func()
	onEvent func(protocol.Event)
	onClose func(CloseInfo)
	onError func(error)
}

func (b *base) OnOpen(f func()) {
	b.lmu.Lock()
	b.onOpen = f
	b.lmu.Unlock()
}

func (b *base) OnEvent(f func(protocol.Event)) {
	b.lmu.Lock()
	b.onEvent = f
	b.lmu.Unlock()
}

func (b *base) OnClose(f func(CloseInfo)) {
	b.lmu.Lock()
	b.onClose = f
	b.lmu.Unlock()
}

func (b *base) OnError(f func(error)) {
	b.lmu.Lock()
	b.onError = f
	b.lmu.Unlock()
}

func (b *base) emitOpen() {
	b.lmu.RLock()
	f := b.onOpen
	b.lmu.RUnlock()
	if f != nil {
		f()
	}
}

func (b *base) emitClose(info CloseInfo) {
	b.lmu.RLock()
	f := b.onClose
	b.lmu.RUnlock()
	if f != nil {
		f(info)
	}
}

func (b *base) emitError(err error) {
	b.lmu.RLock()
	f := b.onError
	b.lmu.RUnlock()
	if f != nil {
		f(err)
	}
}

// deliver decodes one inbound frame and hands it to the event listener.
// Frames that fail to decode are logged and dropped.
func (b *base) deliver(data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		b.metrics.Inc(metrics.EventDecodeFailed)
		b.log.Warn("dropping undecodable message", "bytes", len(data), "err", err)
		return
	}
	b.metrics.Inc(metrics.EventReceived)

	b.lmu.RLock()
	f := b.onEvent
	b.lmu.RUnlock()
	if f != nil {
		f(ev)
	}
}
