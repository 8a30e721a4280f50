package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chatroom/pkg/bus"
	"github.com/example/nats-chatroom/pkg/chat"
	"github.com/example/nats-chatroom/pkg/rooms"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	flushWait  = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Usernames are untrusted labels and rooms are public; cross-origin
	// browser clients are allowed.
	CheckOrigin: func(*http.Request) bool { return true },
}

// roomDirectory is the slice of the room directory the gateway consumes.
type roomDirectory interface {
	Exists(ctx context.Context, id int64) (bool, error)
	List(ctx context.Context) ([]rooms.Room, error)
}

// historyReader serves the courtesy replay sent to newly connected clients.
type historyReader interface {
	Query(ctx context.Context, roomID int64, limit int) ([]chat.Event, error)
}

// session bridges one WebSocket connection to the bus subjects of one room:
// an outbound forwarder goroutine drains the room subscription onto the
// socket while the inbound reader wraps client frames into message events
// and publishes them.
type session struct {
	gw       *gateway
	conn     *websocket.Conn
	roomID   int64
	username string
	log      *slog.Logger
}

// handleWebSocket validates the connection request, performs the upgrade,
// and runs the session to completion.
func (g *gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roomID, idErr := strconv.ParseInt(r.PathValue("room"), 10, 64)
	valid := idErr == nil
	if valid {
		exists, err := g.rooms.Exists(ctx, roomID)
		if err != nil {
			g.log.Error("room lookup failed", "room", roomID, "error", err)
			http.Error(w, "room lookup failed", http.StatusInternalServerError)
			return
		}
		valid = exists
	}

	username := trimmedQueryParam(r, "username")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !valid || username == "" {
		closeWithCode(conn, websocket.ClosePolicyViolation, "invalid room or username")
		return
	}

	s := &session{
		gw:       g,
		conn:     conn,
		roomID:   roomID,
		username: username,
		log:      g.log.With("room", roomID, "username", username, "remote", conn.RemoteAddr().String()),
	}
	s.run(context.Background())
}

func (s *session) run(ctx context.Context) {
	s.gw.register(s)
	defer s.gw.unregister(s)

	sub, err := s.gw.bus.Subscribe(chat.Subject(s.roomID))
	if err != nil {
		s.log.Warn("bus unavailable, rejecting session", "error", err)
		closeWithCode(s.conn, websocket.CloseTryAgainLater, "message bus unavailable")
		return
	}

	attrs := metric.WithAttributes(attribute.Int64("room", s.roomID))
	s.gw.activeSessions.Add(ctx, 1, attrs)
	started := time.Now()
	defer func() {
		s.gw.activeSessions.Add(ctx, -1, attrs)
		s.gw.sessionDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	}()
	s.log.Info("session started")

	// Courtesy replay of recent history before any live traffic. A failed
	// fetch or send does not abort the session.
	s.replayHistory(ctx)

	if err := s.publish(ctx, chat.NewJoin(s.roomID, s.username)); err != nil {
		s.log.Warn("join publish failed", "error", err)
		s.teardown(sub, nil)
		return
	}

	// Tell the history worker to start watching this room. Best-effort: a
	// lost ping only delays persistence until the next join.
	bus.BestEffort(s.log, "discovery ping", func() error {
		return s.gw.bus.Publish(ctx, chat.WatchSubject(s.roomID), nil)
	})

	forwarderDone := make(chan struct{})
	go s.forwardOutbound(sub, forwarderDone)

	s.readInbound(ctx)
	s.teardown(sub, forwarderDone)
}

// replayHistory sends up to the configured number of stored events to the
// client in their stored order.
func (s *session) replayHistory(ctx context.Context) {
	events, err := s.gw.history.Query(ctx, s.roomID, s.gw.replayLimit)
	if err != nil {
		s.log.Warn("history replay fetch failed", "error", err)
		return
	}
	for _, ev := range events {
		data, err := ev.Encode()
		if err != nil {
			continue
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Warn("history replay send failed", "error", err)
			return
		}
	}
}

// forwardOutbound writes every payload received on the room subscription to
// the client verbatim, preserving arrival order, and keeps the connection
// alive with periodic pings. A write failure ends the forwarder silently.
func (s *session) forwardOutbound(sub *bus.Subscription, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readInbound blocks on client frames, wrapping each into a message event
// published to the room subject, until the transport disconnects.
func (s *session) readInbound(ctx context.Context) {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.log.Warn("read failed", "error", err)
			} else {
				s.log.Info("client disconnected")
			}
			return
		}
		if err := s.publish(ctx, chat.NewMessage(s.roomID, s.username, string(data))); err != nil {
			s.log.Warn("message publish failed", "error", err)
			return
		}
		s.gw.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.Int64("room", s.roomID)))
	}
}

func (s *session) publish(ctx context.Context, ev chat.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return s.gw.bus.Publish(ctx, chat.Subject(s.roomID), data)
}

// teardown runs the close sequence. Every step is best-effort and every step
// runs even if an earlier one failed.
func (s *session) teardown(sub *bus.Subscription, forwarderDone <-chan struct{}) {
	ctx := context.Background()

	bus.BestEffort(s.log, "leave publish", func() error {
		return s.publish(ctx, chat.NewLeave(s.roomID, s.username))
	})
	bus.BestEffort(s.log, "flush", func() error {
		return s.gw.bus.Flush(flushWait)
	})
	sub.Cancel()
	if forwarderDone != nil {
		select {
		case <-forwarderDone:
		case <-time.After(writeWait):
			s.log.Warn("forwarder did not stop in time")
		}
	}
	bus.BestEffort(s.log, "close connection", s.conn.Close)
	s.log.Info("session closed")
}

func (g *gateway) register(s *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions == nil {
		g.sessions = make(map[*session]struct{})
	}
	g.sessions[s] = struct{}{}
	g.sessionWG.Add(1)
}

func (g *gateway) unregister(s *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[s]; ok {
		delete(g.sessions, s)
		g.sessionWG.Done()
	}
}

// closeSessions tells every active session's client the server is going away
// and closes the transports, which unblocks the inbound readers and lets each
// session run its normal teardown (leave publish included). Waits until the
// sessions finish or the timeout expires.
func (g *gateway) closeSessions(timeout time.Duration) {
	g.mu.Lock()
	for s := range g.sessions {
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = s.conn.Close()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.sessionWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		g.log.Warn("sessions still closing at shutdown deadline")
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func trimmedQueryParam(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}
