// Package history provides the durable, append-only record of room events
// and serves recent history back per room.
package history

import (
	"context"

	"github.com/example/nats-chatroom/pkg/chat"
)

// Store is the persistence contract consumed by the history worker and the
// gateway. Implementations are append-only: records are never updated, and
// duplicate deliveries from the bus produce duplicate rows.
type Store interface {
	// Append durably records one event under its room id.
	Append(ctx context.Context, ev chat.Event) error

	// Query returns up to limit events for a room, oldest to newest. When
	// more than limit exist, the most recent limit are returned.
	Query(ctx context.Context, roomID int64, limit int) ([]chat.Event, error)

	Close() error
}
