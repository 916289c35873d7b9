package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnOptions configure websocket keepalive and limits.
type ConnOptions struct {
	PingInterval    time.Duration
	WriteDeadline   time.Duration
	MaxMessageBytes int64
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	return o
}

func (o ConnOptions) pongWait() time.Duration {
	return 2 * o.PingInterval
}

// ServeConn runs a websocket connection for an authenticated user until the
// client goes away or the session is closed. Frames from one connection are
// handled sequentially, in arrival order.
func (r *Relay) ServeConn(ctx context.Context, conn *websocket.Conn, userID uuid.UUID, opts ConnOptions) {
	opts = opts.withDefaults()
	s := r.Connect(userID)
	defer r.Disconnect(s)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writePump(conn, s, opts)
	}()

	r.readPump(ctx, conn, s, opts)
	s.Close()
	<-writerDone
}

func (r *Relay) readPump(ctx context.Context, conn *websocket.Conn, s *Session, opts ConnOptions) {
	conn.SetReadLimit(opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(opts.pongWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.pongWait()))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				r.log.Debug("read failed", zap.String("session_id", s.ID), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		r.HandleFrame(ctx, s, data)
	}
}

func (r *Relay) writePump(conn *websocket.Conn, s *Session, opts ConnOptions) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-s.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				r.log.Debug("write failed", zap.String("session_id", s.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteDeadline)); err != nil {
				return
			}
		case <-s.Done():
			r.flush(conn, s, opts)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(opts.WriteDeadline))
			return
		}
	}
}

// flush writes frames still queued when the session closes.
func (r *Relay) flush(conn *websocket.Conn, s *Session, opts ConnOptions) {
	for {
		select {
		case frame := <-s.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
