// Package wstransport bridges a gorilla/websocket connection to a
// session.Session: it upgrades the HTTP request, then runs the read pump,
// write pump, and ping ticker for the connection's lifetime, feeding inbound
// frames into the session's mailbox and draining its outbound channel.
package wstransport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"odin-broadcaster/internal/limiter"
	"odin-broadcaster/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Session is the subset of *session.Session the transport drives.
type Session interface {
	ID() string
	Run(ctx context.Context)
	HandleInbound(raw []byte)
	Outbound() <-chan []byte
}

// Server upgrades HTTP requests to WebSocket connections and drives each
// one against a fresh Session.
type Server struct {
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	newSession func() Session
	limiterCfg limiter.Config
}

// New builds a transport Server. checkOrigin toggles the upgrader's origin
// check (true admits any origin; false keeps gorilla/websocket's default
// same-origin check); newSession constructs a fresh Session bound to the
// broker's shared queue and database handle per connection.
func New(checkOrigin bool, newSession func() Session, logger zerolog.Logger, m *metrics.Metrics) *Server {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if checkOrigin {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		upgrader:   upgrader,
		logger:     logger.With().Str("component", "wstransport").Logger(),
		metrics:    m,
		newSession: newSession,
		limiterCfg: limiter.DefaultConfig(),
	}
}

// ServeHTTP upgrades the request and drives the connection until it
// closes, running the session's mailbox loop for its lifetime.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		s.metrics.ConnectionError()
		return
	}

	sess := s.newSession()
	s.metrics.ConnectionOpened(sess.ID(), r.RemoteAddr)
	opened := time.Now()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go sess.Run(ctx)
	s.readPump(ctx, cancel, conn, sess)
	s.metrics.ConnectionClosed(sess.ID(), time.Since(opened))
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess Session) {
	done := make(chan struct{})
	go s.writePump(ctx, conn, sess, done)
	defer func() {
		cancel()
		conn.Close()
		<-done
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limit := limiter.New(s.limiterCfg)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("websocket read error")
			}
			return
		}
		if !limit.Allow() {
			s.logger.Debug().Str("session_id", sess.ID()).Msg("inbound rate limit exceeded, dropping message")
			continue
		}
		s.metrics.MessageTransferred(sess.ID(), false, len(message))
		sess.HandleInbound(message)
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, sess Session, done chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message, ok := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			s.metrics.MessageTransferred(sess.ID(), true, len(message))
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
