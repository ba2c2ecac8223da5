package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/timesync"
	"driftpursuit/prediction/internal/wire"
)

const (
	maxMessageBytes = 4 << 10
	writeWait       = 2 * time.Second
	idleTimeout     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSResponder upgrades HTTP requests and answers every ping frame.
type WSResponder struct {
	responder *Responder
	logger    *logging.Logger
}

// NewWSResponder wraps responder in an http.Handler.
func NewWSResponder(responder *Responder, logger *logging.Logger) *WSResponder {
	if logger == nil {
		logger = logging.L()
	}
	return &WSResponder{responder: responder, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *WSResponder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger
	if traceID := logging.TraceIDFromContext(r.Context()); traceID != "" {
		logger = logger.With(logging.String(logging.TraceIDField, traceID))
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)
	logger = logger.With(logging.String("remote_addr", r.RemoteAddr))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", logging.Error(err))
			}
			return
		}
		receivedAt := h.responder.now()
		if msgType != websocket.BinaryMessage {
			continue
		}

		//1.- Only pings are answered; other envelopes are not ours to handle.
		kind, body, err := wire.OpenEnvelope(data)
		if err != nil || kind != wire.KindPing {
			logger.Warn("ignoring websocket frame", logging.String("kind", kind.String()), logging.Error(err))
			continue
		}
		ping, err := wire.UnmarshalPing(body)
		if err != nil {
			logger.Warn("ignoring malformed ping", logging.Error(err))
			continue
		}

		//2.- Stamp the pong as late as possible so processing time is excluded.
		pong := h.responder.Answer(ping, receivedAt)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, wire.Envelope(wire.KindPong, wire.AppendPong(nil, pong))); err != nil {
			logger.Debug("websocket write failed", logging.Error(err))
			return
		}
	}
}

// WSPinger sends pings over a WebSocket and forwards pongs to a sink.
type WSPinger struct {
	conn    *websocket.Conn
	sink    PongSink
	now     func() time.Time
	logger  *logging.Logger
	writeMu sync.Mutex
	done    chan struct{}
	closing atomic.Bool
	readErr error
}

// DialWS connects to a WSResponder at url.
func DialWS(ctx context.Context, url string, sink PongSink, logger *logging.Logger) (*WSPinger, error) {
	if sink == nil {
		return nil, errors.New("pong sink must be provided")
	}
	if logger == nil {
		logger = logging.L()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageBytes)
	p := &WSPinger{conn: conn, sink: sink, now: time.Now, logger: logger, done: make(chan struct{})}
	go p.readLoop()
	return p, nil
}

// SendPing writes ping to the connection.
func (p *WSPinger) SendPing(ctx context.Context, ping timesync.Ping) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteMessage(websocket.BinaryMessage, wire.Envelope(wire.KindPing, wire.AppendPing(nil, ping)))
}

func (p *WSPinger) readLoop() {
	defer close(p.done)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.readErr = err
			return
		}
		receivedAt := p.now()
		kind, body, err := wire.OpenEnvelope(data)
		if err != nil || kind != wire.KindPong {
			p.logger.Warn("ignoring websocket frame", logging.Error(err))
			continue
		}
		pong, err := wire.UnmarshalPong(body)
		if err != nil {
			p.logger.Warn("ignoring malformed pong", logging.Error(err))
			continue
		}
		p.sink(pong, receivedAt)
	}
}

// Done is closed once the reader stopped, either after Close or because the
// connection dropped.
func (p *WSPinger) Done() <-chan struct{} { return p.done }

// Err reports why the reader stopped. It is nil while the reader runs, after
// Close and after a normal close from the responder.
func (p *WSPinger) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	if p.closing.Load() || websocket.IsCloseError(p.readErr, websocket.CloseNormalClosure) {
		return nil
	}
	return p.readErr
}

// Close sends a close frame and waits for the reader to exit.
func (p *WSPinger) Close() error {
	p.closing.Store(true)
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	p.writeMu.Unlock()
	err := p.conn.Close()
	<-p.done
	return err
}
