package main

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/example/nats-chatroom/pkg/bus"
	"github.com/example/nats-chatroom/pkg/chat"
	"github.com/example/nats-chatroom/pkg/rooms"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

// fakeDirectory serves a fixed set of rooms.
type fakeDirectory struct {
	known map[int64]string
}

func (d *fakeDirectory) Exists(_ context.Context, id int64) (bool, error) {
	_, ok := d.known[id]
	return ok, nil
}

func (d *fakeDirectory) List(context.Context) ([]rooms.Room, error) {
	out := make([]rooms.Room, 0, len(d.known))
	for id, name := range d.known {
		out = append(out, rooms.Room{ID: id, Name: name})
	}
	return out, nil
}

// fakeHistory returns canned events and records the limit it was asked for.
type fakeHistory struct {
	mu        sync.Mutex
	events    []chat.Event
	lastLimit int
}

func (h *fakeHistory) Query(_ context.Context, _ int64, limit int) ([]chat.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastLimit = limit
	return h.events, nil
}

func (h *fakeHistory) queriedLimit() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLimit
}

func newTestGateway(t *testing.T, natsURL string, hist *fakeHistory) (*gateway, *httptest.Server) {
	t.Helper()
	manager := bus.NewManager(natsURL, "gateway-under-test")
	t.Cleanup(func() { manager.Close() })

	meter := otel.Meter("gateway-test")
	activeSessions, _ := meter.Int64UpDownCounter("gateway_active_sessions")
	messagesPublished, _ := meter.Int64Counter("gateway_messages_published_total")
	sessionDuration, _ := meter.Float64Histogram("gateway_session_duration_seconds")

	g := &gateway{
		bus:               manager,
		rooms:             &fakeDirectory{known: map[int64]string{7: "General"}},
		history:           hist,
		replayLimit:       50,
		log:               slog.Default(),
		activeSessions:    activeSessions,
		messagesPublished: messagesPublished,
		sessionDuration:   sessionDuration,
	}
	srv := httptest.NewServer(g.routes(t.TempDir()))
	t.Cleanup(srv.Close)
	return g, srv
}

func dialWS(t *testing.T, srv *httptest.Server, room, username string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + room +
		"?username=" + url.QueryEscape(username)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClose reads from conn until it fails and asserts the close code.
func expectClose(t *testing.T, conn *websocket.Conn, wantCode int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != wantCode {
		t.Errorf("close code = %d, want %d", ce.Code, wantCode)
	}
}

// observe subscribes directly to a subject so tests can watch bus traffic.
func observe(t *testing.T, natsURL, subject string) *nats.Subscription {
	t.Helper()
	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connecting observer: %v", err)
	}
	t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		t.Fatalf("subscribing observer: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flushing observer: %v", err)
	}
	return sub
}

func nextEvent(t *testing.T, sub *nats.Subscription) chat.Event {
	t.Helper()
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for bus event: %v", err)
	}
	ev, err := chat.Decode(msg.Data)
	if err != nil {
		t.Fatalf("decoding bus event: %v", err)
	}
	return ev
}

func readEvent(t *testing.T, conn *websocket.Conn) chat.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading websocket frame: %v", err)
	}
	ev, err := chat.Decode(data)
	if err != nil {
		t.Fatalf("decoding websocket frame: %v", err)
	}
	return ev
}

func TestSession_RejectsUnknownRoom(t *testing.T) {
	_, srv := newTestGateway(t, startTestNATS(t), &fakeHistory{})

	conn := dialWS(t, srv, "999", "alice")
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestSession_RejectsBlankUsername(t *testing.T) {
	_, srv := newTestGateway(t, startTestNATS(t), &fakeHistory{})

	conn := dialWS(t, srv, "7", "   ")
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestSession_RejectsNonNumericRoom(t *testing.T) {
	_, srv := newTestGateway(t, startTestNATS(t), &fakeHistory{})

	conn := dialWS(t, srv, "lobby", "alice")
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestSession_BusUnavailable(t *testing.T) {
	// A port nothing listens on: the first Subscribe fails and the session
	// is turned away with a retry hint.
	_, srv := newTestGateway(t, "nats://127.0.0.1:1", &fakeHistory{})

	conn := dialWS(t, srv, "7", "alice")
	expectClose(t, conn, websocket.CloseTryAgainLater)
}

func TestSession_PublishesJoinThenMessagesInOrder(t *testing.T) {
	natsURL := startTestNATS(t)
	_, srv := newTestGateway(t, natsURL, &fakeHistory{})
	sub := observe(t, natsURL, chat.Subject(7))

	conn := dialWS(t, srv, "7", "alice")

	join := nextEvent(t, sub)
	if join.Kind != chat.KindSystem || join.System != chat.SystemJoin || join.Username != "alice" {
		t.Fatalf("first event = %+v, want join for alice", join)
	}
	if join.RoomID != 7 {
		t.Errorf("join room = %d, want 7", join.RoomID)
	}

	texts := []string{"first", "second", "  third  "}
	for _, text := range texts {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			t.Fatalf("writing frame: %v", err)
		}
	}
	want := []string{"first", "second", "third"}
	for i, text := range want {
		ev := nextEvent(t, sub)
		if ev.Kind != chat.KindMessage {
			t.Fatalf("event %d type = %q, want message", i, ev.Kind)
		}
		if ev.Text != text || ev.Username != "alice" {
			t.Errorf("event %d = %q from %q, want %q from alice", i, ev.Text, ev.Username, text)
		}
	}
}

func TestSession_ReplaysHistoryBeforeLiveTraffic(t *testing.T) {
	natsURL := startTestNATS(t)
	hist := &fakeHistory{events: []chat.Event{
		chat.NewMessage(7, "bob", "older"),
		chat.NewMessage(7, "bob", "newer"),
	}}
	_, srv := newTestGateway(t, natsURL, hist)
	sub := observe(t, natsURL, chat.Subject(7))

	conn := dialWS(t, srv, "7", "alice")

	for _, want := range []string{"older", "newer"} {
		ev := readEvent(t, conn)
		if ev.Text != want {
			t.Fatalf("replayed %q, want %q", ev.Text, want)
		}
	}
	if got := hist.queriedLimit(); got != 50 {
		t.Errorf("history queried with limit %d, want 50", got)
	}

	// Live traffic arrives only after the replay: the session's own join is
	// published after history is sent, so it is the next frame.
	nextEvent(t, sub)
	ev := readEvent(t, conn)
	if ev.Kind != chat.KindSystem || ev.System != chat.SystemJoin {
		t.Fatalf("first live frame = %+v, want join", ev)
	}
}

func TestSession_ForwardsRoomTraffic(t *testing.T) {
	natsURL := startTestNATS(t)
	_, srv := newTestGateway(t, natsURL, &fakeHistory{})

	conn := dialWS(t, srv, "7", "alice")
	if ev := readEvent(t, conn); ev.System != chat.SystemJoin {
		t.Fatalf("first frame = %+v, want own join", ev)
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connecting publisher: %v", err)
	}
	defer nc.Close()
	data, err := chat.NewMessage(7, "carol", "hello from the bus").Encode()
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if err := nc.Publish(chat.Subject(7), data); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Username != "carol" || ev.Text != "hello from the bus" {
		t.Errorf("forwarded %+v, want carol's message", ev)
	}
}

func TestSession_PingsDiscoveryOnJoin(t *testing.T) {
	natsURL := startTestNATS(t)
	_, srv := newTestGateway(t, natsURL, &fakeHistory{})
	watch := observe(t, natsURL, chat.WatchWildcard)

	dialWS(t, srv, "7", "alice")

	msg, err := watch.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for discovery ping: %v", err)
	}
	room, err := chat.RoomFromWatchSubject(msg.Subject)
	if err != nil {
		t.Fatalf("parsing watch subject %q: %v", msg.Subject, err)
	}
	if room != 7 {
		t.Errorf("discovery ping for room %d, want 7", room)
	}
}

func TestGateway_ShutdownClosesSessions(t *testing.T) {
	natsURL := startTestNATS(t)
	g, srv := newTestGateway(t, natsURL, &fakeHistory{})
	sub := observe(t, natsURL, chat.Subject(7))

	conn := dialWS(t, srv, "7", "alice")
	if ev := nextEvent(t, sub); ev.System != chat.SystemJoin {
		t.Fatalf("first event = %+v, want join", ev)
	}

	g.closeSessions(5 * time.Second)

	// Drain pending frames; the connection must end, not idle on.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var readErr error
	for readErr == nil {
		_, _, readErr = conn.ReadMessage()
	}
	if ce, ok := readErr.(*websocket.CloseError); ok && ce.Code != websocket.CloseGoingAway {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseGoingAway)
	}

	leave := nextEvent(t, sub)
	if leave.Kind != chat.KindSystem || leave.System != chat.SystemLeave || leave.Username != "alice" {
		t.Errorf("after shutdown got %+v, want leave for alice", leave)
	}
}

func TestSession_PublishesLeaveOnDisconnect(t *testing.T) {
	natsURL := startTestNATS(t)
	_, srv := newTestGateway(t, natsURL, &fakeHistory{})
	sub := observe(t, natsURL, chat.Subject(7))

	conn := dialWS(t, srv, "7", "alice")
	if ev := nextEvent(t, sub); ev.System != chat.SystemJoin {
		t.Fatalf("first event = %+v, want join", ev)
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()

	leave := nextEvent(t, sub)
	if leave.Kind != chat.KindSystem || leave.System != chat.SystemLeave || leave.Username != "alice" {
		t.Errorf("after disconnect got %+v, want leave for alice", leave)
	}
}
