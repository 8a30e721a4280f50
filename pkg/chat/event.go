// Package chat defines the event payload exchanged on the bus between the
// gateway and the history worker, plus the subject naming scheme.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the two event variants carried on a room subject.
type Kind string

const (
	KindMessage Kind = "message"
	KindSystem  Kind = "system"
)

// SystemEvent is the presence change carried by a system event.
type SystemEvent string

const (
	SystemJoin  SystemEvent = "join"
	SystemLeave SystemEvent = "leave"
)

// Event is one chat or presence record. The JSON field names are the wire
// format published to chat.<roomId> subjects and must stay stable: browser
// clients and persisted history both consume them.
type Event struct {
	Kind      Kind        `json:"type"`
	RoomID    int64       `json:"serverId"`
	Username  string      `json:"username,omitempty"`
	Text      string      `json:"text,omitempty"`
	System    SystemEvent `json:"event,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

var (
	ErrMalformed     = errors.New("malformed event payload")
	ErrMissingRoomID = errors.New("event has no valid room id")
)

// NewMessage builds a message event for a room. Username and text are
// trimmed; empty-after-trim values are normalized to absent.
func NewMessage(roomID int64, username, text string) Event {
	return Event{
		Kind:      KindMessage,
		RoomID:    roomID,
		Username:  strings.TrimSpace(username),
		Text:      strings.TrimSpace(text),
		Timestamp: time.Now().UTC(),
	}
}

// NewJoin builds a join system event for a room.
func NewJoin(roomID int64, username string) Event {
	return newSystem(roomID, username, SystemJoin)
}

// NewLeave builds a leave system event for a room.
func NewLeave(roomID int64, username string) Event {
	return newSystem(roomID, username, SystemLeave)
}

func newSystem(roomID int64, username string, se SystemEvent) Event {
	return Event{
		Kind:      KindSystem,
		RoomID:    roomID,
		Username:  strings.TrimSpace(username),
		System:    se,
		Timestamp: time.Now().UTC(),
	}
}

// Encode serializes the event for publication.
func (e Event) Encode() ([]byte, error) {
	e.Timestamp = e.Timestamp.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return data, nil
}

// wireEvent mirrors Event with a raw timestamp so that a missing, garbage,
// or wrongly typed timestamp does not fail the whole decode.
type wireEvent struct {
	Kind      string          `json:"type"`
	RoomID    *int64          `json:"serverId"`
	Username  string          `json:"username"`
	Text      string          `json:"text"`
	System    string          `json:"event"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode parses a bus payload into an Event. It fails closed: malformed
// JSON, an unknown kind, or a missing room id yield an error and the caller
// is expected to skip the payload. The timestamp alone is tolerant: an
// absent, unparsable, or non-string value is replaced with the current UTC
// time rather than rejecting the event.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.RoomID == nil {
		return Event{}, ErrMissingRoomID
	}

	e := Event{
		RoomID:   *w.RoomID,
		Username: strings.TrimSpace(w.Username),
		Text:     strings.TrimSpace(w.Text),
	}

	switch Kind(w.Kind) {
	case KindMessage:
		e.Kind = KindMessage
	case KindSystem:
		e.Kind = KindSystem
		switch SystemEvent(w.System) {
		case SystemJoin, SystemLeave:
			e.System = SystemEvent(w.System)
		default:
			return Event{}, fmt.Errorf("%w: unknown system event %q", ErrMalformed, w.System)
		}
	default:
		return Event{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, w.Kind)
	}

	e.Timestamp = time.Now().UTC()
	var raw string
	if json.Unmarshal(w.Timestamp, &raw) == nil {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			e.Timestamp = ts.UTC()
		}
	}
	return e, nil
}
