package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

const (
	DefaultPingInterval    = 20 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageBytes = int64(1 << 20)
)

type WebSocketConfig struct {
	Dialer *websocket.Dialer
	Header http.Header

	// PingInterval <= 0 disables keepalive pings.
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// WebSocket is the primary transport, built on gorilla/websocket. One JSON
// document travels per text frame.
type WebSocket struct {
	base
	cfg WebSocketConfig

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	done        chan struct{}
	localClose  bool
	abortReason string

	writeMu sync.Mutex
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocket{
		base: base{log: cfg.Logger, metrics: cfg.Metrics},
		cfg:  cfg,
	}
}

func (w *WebSocket) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *WebSocket) Connect(ctx context.Context, address string) error {
	w.mu.Lock()
	if w.state == StateOpen || w.state == StateConnecting {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	w.state = StateConnecting
	w.mu.Unlock()

	conn, resp, err := w.cfg.Dialer.DialContext(ctx, address, w.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		w.mu.Lock()
		w.state = StateClosed
		w.mu.Unlock()
		err = fmt.Errorf("transport: dial: %w", err)
		w.emitError(err)
		return err
	}
	conn.SetReadLimit(w.cfg.MaxMessageBytes)

	done := make(chan struct{})
	w.mu.Lock()
	w.conn = conn
	w.state = StateOpen
	w.done = done
	w.localClose = false
	w.abortReason = ""
	w.mu.Unlock()

	w.log.Debug("websocket connected", "address", address)
	go w.readLoop(conn, done)
	if w.cfg.PingInterval > 0 {
		go w.pingLoop(conn, done)
	}
	w.emitOpen()
	return nil
}

func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	conn := w.conn
	if conn == nil {
		w.mu.Unlock()
		return nil
	}
	w.state = StateClosing
	w.localClose = true
	w.mu.Unlock()

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(w.cfg.WriteTimeout),
	)
	return conn.Close()
}

func (w *WebSocket) Abort(reason string) error {
	w.mu.Lock()
	conn := w.conn
	if conn == nil {
		w.mu.Unlock()
		return ErrNotConnected
	}
	w.state = StateClosing
	w.abortReason = reason
	w.mu.Unlock()
	return conn.Close()
}

func (w *WebSocket) Send(cmd protocol.Command) error {
	b, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	w.mu.Lock()
	conn, state := w.conn, w.state
	w.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("transport: write %s: %w", cmd.CommandTag(), err)
	}
	w.metrics.Inc(metrics.CommandSent)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			w.closed(conn, done, err)
			return
		}
		if msgType != websocket.TextMessage {
			w.log.Debug("ignoring non-text websocket frame", "type", msgType)
			continue
		}
		w.deliver(data)
	}
}

func (w *WebSocket) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := w.cfg.Clock.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.log.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (w *WebSocket) closed(conn *websocket.Conn, done chan struct{}, readErr error) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	local, aborted := w.localClose, w.abortReason
	w.conn = nil
	w.state = StateClosed
	w.abortReason = ""
	close(done)
	w.mu.Unlock()
	_ = conn.Close()

	info := CloseInfo{Code: CloseAbnormal, Reason: readErr.Error(), Local: local}
	var ce *websocket.CloseError
	if aborted != "" && !local {
		info.Reason = aborted
	} else if errors.As(readErr, &ce) {
		info.Code = ce.Code
		info.Reason = ce.Text
	} else if local {
		info.Code = CloseNormal
		info.Reason = "client disconnect"
	}
	w.log.Debug("websocket closed", "code", info.Code, "reason", info.Reason, "local", local)
	w.emitClose(info)
}
