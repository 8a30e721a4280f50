package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chatroom/pkg/bus"
	"github.com/example/nats-chatroom/pkg/chat"
	"github.com/example/nats-chatroom/pkg/history"
	"github.com/example/nats-chatroom/pkg/otelhelper"
)

const backoffCeiling = 30 * time.Second

// worker watches rooms discovered via chat.history.watch.* and persists
// every event it sees on their subjects. Rooms are subscribed on demand
// rather than through the legacy all-rooms wildcard, so idle rooms cost
// nothing.
type worker struct {
	bus       *bus.Manager
	openStore func() (history.Store, error)
	log       *slog.Logger

	// backoffStep scales the linear init backoff; tests shrink it.
	backoffStep time.Duration

	store     history.Store
	subs      map[int64]*bus.Subscription
	wg        sync.WaitGroup
	roomCount atomic.Int64

	persisted metric.Int64Counter
	failed    metric.Int64Counter
}

func newWorker(m *bus.Manager, openStore func() (history.Store, error), log *slog.Logger) *worker {
	w := &worker{
		bus:         m,
		openStore:   openStore,
		log:         log,
		backoffStep: 5 * time.Second,
		subs:        make(map[int64]*bus.Subscription),
	}

	meter := otel.Meter("history-service")
	w.persisted, _ = meter.Int64Counter("messages_persisted_total",
		metric.WithDescription("Events appended to the history store"))
	w.failed, _ = meter.Int64Counter("messages_persist_errors_total",
		metric.WithDescription("Event appends that failed"))
	watched, _ := meter.Int64ObservableGauge("history_watched_rooms",
		metric.WithDescription("Rooms with an active subscription"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(watched, w.roomCount.Load())
		return nil
	}, watched)

	return w
}

// run processes discovery notifications until ctx is cancelled. The
// discovery subscription opens before the store initializes, so pings that
// arrive while the store is still coming up queue on the subscription and
// are applied once initialization succeeds.
func (w *worker) run(ctx context.Context) error {
	discovery, err := w.bus.Subscribe(chat.WatchWildcard)
	if err != nil {
		return err
	}
	w.log.Info("Subscribed to room discovery", "subject", chat.WatchWildcard)

	store, err := w.initStore(ctx)
	if err != nil {
		discovery.Cancel()
		return err
	}
	w.store = store

	for {
		select {
		case <-ctx.Done():
			w.shutdown(discovery)
			return nil
		case msg, ok := <-discovery.C:
			if !ok {
				return errors.New("discovery subscription closed unexpectedly")
			}
			roomID, err := chat.RoomFromWatchSubject(msg.Subject)
			if err != nil {
				w.log.Warn("Invalid discovery subject", "subject", msg.Subject)
				continue
			}
			w.watch(roomID)
		}
	}
}

// initStore retries store initialization with linearly increasing backoff
// until it succeeds or ctx is cancelled. Transient store unavailability at
// boot must never be fatal.
func (w *worker) initStore(ctx context.Context) (history.Store, error) {
	for attempt := 1; ; attempt++ {
		store, err := w.openStore()
		if err == nil {
			w.log.Info("History store initialized", "attempt", attempt)
			return store, nil
		}

		delay := min(time.Duration(attempt)*w.backoffStep, backoffCeiling)
		w.log.Warn("History store init failed", "attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// watch opens a room subscription unless one already exists. Repeated pings
// for the same room are idempotent.
func (w *worker) watch(roomID int64) {
	if _, ok := w.subs[roomID]; ok {
		return
	}
	sub, err := w.bus.Subscribe(chat.Subject(roomID))
	if err != nil {
		// The next discovery ping for this room retries.
		w.log.Warn("Room subscribe failed", "room", roomID, "error", err)
		return
	}
	w.subs[roomID] = sub
	w.roomCount.Add(1)
	w.wg.Add(1)
	go w.persistLoop(roomID, sub)
	w.log.Info("Now watching room", "room", roomID)
}

// persistLoop appends every decodable event on a room subscription to the
// store. Decode failures are skipped and store failures are logged; neither
// takes down the subscription.
func (w *worker) persistLoop(roomID int64, sub *bus.Subscription) {
	defer w.wg.Done()
	attrs := metric.WithAttributes(attribute.Int64("room", roomID))

	for msg := range sub.C {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "persist event")

		ev, err := chat.Decode(msg.Data)
		if err != nil {
			w.log.Warn("Skipping undecodable payload", "subject", msg.Subject, "error", err)
			span.RecordError(err)
			span.End()
			continue
		}

		if err := w.store.Append(ctx, ev); err != nil {
			w.log.Error("Append failed", "room", ev.RoomID, "error", err)
			span.RecordError(err)
			w.failed.Add(ctx, 1, attrs)
		} else {
			w.persisted.Add(ctx, 1, attrs)
			w.log.Debug("Persisted event", "room", ev.RoomID, "kind", ev.Kind, "username", ev.Username)
		}
		span.End()
	}
}

// shutdown tears everything down best-effort: room subscriptions first, then
// discovery, then the store. Every step runs regardless of earlier failures.
func (w *worker) shutdown(discovery *bus.Subscription) {
	w.log.Info("Shutting down history worker", "watched_rooms", len(w.subs))
	for roomID, sub := range w.subs {
		sub.Cancel()
		w.log.Debug("Unsubscribed room", "room", roomID)
	}
	discovery.Cancel()
	w.wg.Wait()
	bus.BestEffort(w.log, "close store", w.store.Close)
}
