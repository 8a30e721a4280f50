// Package bus wraps the NATS client behind a small publish/subscribe surface
// shared by the gateway and the history worker. A single Manager owns the one
// live connection for the process; subscriptions deliver messages over
// channels so bus callbacks never run business logic.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chatroom/pkg/otelhelper"
)

// ErrUnavailable marks connection acquisition failures so callers can tell a
// transport outage apart from a bad request.
var ErrUnavailable = errors.New("bus unavailable")

// Manager holds the process-wide NATS connection. Conn re-checks liveness on
// every acquisition and dials a fresh connection only when the cached one is
// closed for good; while the client's own reconnect is in flight the cached
// connection is kept so its subscriptions survive the blip. The
// check-then-replace sequence runs under the mutex so concurrent callers
// never race two live connections into existence.
type Manager struct {
	url  string
	opts []nats.Option

	mu sync.Mutex
	nc *nats.Conn
}

// NewManager builds a Manager for the given NATS URL. The connection is
// established lazily on first use. name is reported to the server for
// monitoring, matching how each service identifies itself.
func NewManager(url, name string) *Manager {
	return &Manager{
		url: url,
		opts: []nats.Option{
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2 * time.Second),
		},
	}
}

// Conn returns the cached connection, dialing a new one if none exists or
// the cached one has been closed.
func (m *Manager) Conn() (*nats.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nc != nil && !m.nc.IsClosed() {
		return m.nc, nil
	}
	m.nc = nil

	nc, err := nats.Connect(m.url, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", ErrUnavailable, m.url, err)
	}
	m.nc = nc
	return nc, nil
}

// Publish sends data to a subject with trace context propagated in the
// message headers.
func (m *Manager) Publish(ctx context.Context, subject string, data []byte) error {
	nc, err := m.Conn()
	if err != nil {
		return err
	}
	if err := otelhelper.TracedPublish(ctx, nc, subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published on the
// current connection, up to the given timeout.
func (m *Manager) Flush(timeout time.Duration) error {
	m.mu.Lock()
	nc := m.nc
	m.mu.Unlock()
	if nc == nil {
		return nil
	}
	return nc.FlushTimeout(timeout)
}

// Close drains the cached connection, if any. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	nc := m.nc
	m.nc = nil
	m.mu.Unlock()
	if nc == nil {
		return nil
	}
	return nc.Drain()
}

// BestEffort runs fn and logs a failure instead of propagating it. Every
// teardown and notification step that must not abort its caller goes through
// here so the policy lives in one place.
func BestEffort(log *slog.Logger, op string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn("best-effort step failed", "op", op, "error", err)
	}
}
