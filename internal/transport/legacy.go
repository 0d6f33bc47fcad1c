package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

type LegacyConfig struct {
	Header       http.Header
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Legacy speaks to single-purpose sockets through the low-level gobwas/ws
// framing: client-masked text frames in, unmasked text frames out. It has
// no keepalive of its own; liveness comes from the server heartbeat.
type Legacy struct {
	base
	cfg LegacyConfig

	mu          sync.Mutex
	conn        net.Conn
	state       State
	localClose  bool
	abortReason string

	writeMu sync.Mutex
}

func NewLegacy(cfg LegacyConfig) *Legacy {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Legacy{
		base: base{log: cfg.Logger, metrics: cfg.Metrics},
		cfg:  cfg,
	}
}

func (l *Legacy) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Legacy) Connect(ctx context.Context, address string) error {
	l.mu.Lock()
	if l.state == StateOpen || l.state == StateConnecting {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	l.state = StateConnecting
	l.mu.Unlock()

	dialer := ws.Dialer{}
	if l.cfg.Header != nil {
		dialer.Header = ws.HandshakeHeaderHTTP(l.cfg.Header)
	}
	conn, br, _, err := dialer.Dial(ctx, address)
	if err != nil {
		l.mu.Lock()
		l.state = StateClosed
		l.mu.Unlock()
		err = fmt.Errorf("transport: dial: %w", err)
		l.emitError(err)
		return err
	}

	var r io.Reader = conn
	if br != nil {
		r = br
	}

	l.mu.Lock()
	l.conn = conn
	l.state = StateOpen
	l.localClose = false
	l.abortReason = ""
	l.mu.Unlock()

	go l.readLoop(conn, r)
	l.emitOpen()
	return nil
}

func (l *Legacy) Disconnect() error {
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosing
	l.localClose = true
	l.mu.Unlock()

	l.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "client disconnect"))
	l.writeMu.Unlock()
	return conn.Close()
}

func (l *Legacy) Abort(reason string) error {
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.state = StateClosing
	l.abortReason = reason
	l.mu.Unlock()
	return conn.Close()
}

func (l *Legacy) Send(cmd protocol.Command) error {
	b, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	l.mu.Lock()
	conn, state := l.conn, l.state
	l.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := wsutil.WriteClientText(conn, b); err != nil {
		return fmt.Errorf("transport: write %s: %w", cmd.CommandTag(), err)
	}
	l.metrics.Inc(metrics.CommandSent)
	return nil
}

func (l *Legacy) readLoop(conn net.Conn, r io.Reader) {
	rw := struct {
		io.Reader
		io.Writer
	}{r, &lockedWriter{mu: &l.writeMu, w: conn}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			l.closed(conn, err)
			return
		}
		l.deliver(data)
	}
}

func (l *Legacy) closed(conn net.Conn, readErr error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	local, aborted := l.localClose, l.abortReason
	l.conn = nil
	l.state = StateClosed
	l.abortReason = ""
	l.mu.Unlock()
	_ = conn.Close()

	info := CloseInfo{Code: CloseAbnormal, Reason: readErr.Error(), Local: local}
	var ce wsutil.ClosedError
	if aborted != "" && !local {
		info.Reason = aborted
	} else if errors.As(readErr, &ce) {
		info.Code = int(ce.Code)
		info.Reason = ce.Reason
	} else if local {
		info.Code = CloseNormal
		info.Reason = "client disconnect"
	}
	l.log.Debug("legacy socket closed", "code", info.Code, "reason", info.Reason, "local", local)
	l.emitClose(info)
}

// lockedWriter serializes control frame replies written by the reader with
// data frames written by Send.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
