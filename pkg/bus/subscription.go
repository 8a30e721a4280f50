package bus

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// Subscription delivers messages for one subject on C in arrival order. The
// NATS callback only appends to an internal queue, so a slow consumer never
// blocks the client's dispatch goroutine; the queue is unbounded and a
// dedicated pump goroutine drains it onto C.
type Subscription struct {
	// C carries messages until Cancel is called, then is closed.
	C <-chan *nats.Msg

	sub  *nats.Subscription
	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	queue []*nats.Msg
	wake  chan struct{}
}

// Subscribe opens a subscription on subject (NATS wildcards allowed). The
// subscription is flushed to the server before returning so messages
// published on other connections are routed immediately.
func (m *Manager) Subscribe(subject string) (*Subscription, error) {
	nc, err := m.Conn()
	if err != nil {
		return nil, err
	}

	out := make(chan *nats.Msg)
	s := &Subscription{
		C:    out,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		s.mu.Lock()
		s.queue = append(s.queue, msg)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription to %s: %w", subject, err)
	}
	s.sub = sub

	go s.pump(out)
	return s, nil
}

func (s *Subscription) pump(out chan<- *nats.Msg) {
	defer close(out)
	for {
		s.mu.Lock()
		var msg *nats.Msg
		if len(s.queue) > 0 {
			msg = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if msg == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case out <- msg:
		case <-s.done:
			return
		}
	}
}

// Cancel unsubscribes, stops the pump, and closes C. Messages still queued
// are discarded. Idempotent, and safe to call while a consumer is blocked
// reading C.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		_ = s.sub.Unsubscribe()
		close(s.done)
	})
}
