package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/example/nats-chatroom/pkg/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store backed by a PostgreSQL messages table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// Open connects to the database, configures a bounded connection pool, and
// applies any pending migrations. Callers are expected to retry on failure;
// Open itself makes a single attempt.
func Open(databaseURL string) (*PostgresStore, error) {
	db, err := otelsql.Open("postgres", databaseURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// NewPostgresStore wraps an already-open database handle. Used by tests.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the underlying database pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Append inserts one event. Timestamps are normalized to UTC; a zero
// timestamp gets the current time.
func (s *PostgresStore) Append(ctx context.Context, ev chat.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, kind, system_event, username, text, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.RoomID,
		string(ev.Kind),
		nullableString(string(ev.System)),
		nullableString(ev.Username),
		nullableString(ev.Text),
		ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event for room %d: %w", ev.RoomID, err)
	}
	return nil
}

// Query fetches the most recent limit events for a room in chronological
// order. The query runs newest-first with the row id breaking timestamp
// ties, then the page is reversed.
func (s *PostgresStore) Query(ctx context.Context, roomID int64, limit int) ([]chat.Event, error) {
	if limit <= 0 {
		return []chat.Event{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, system_event, username, text, ts
		 FROM messages
		 WHERE room_id = $1
		 ORDER BY ts DESC, id DESC
		 LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history for room %d: %w", roomID, err)
	}
	defer rows.Close()

	var events []chat.Event
	for rows.Next() {
		var (
			kind                  string
			system, username, txt sql.NullString
			ts                    time.Time
		)
		if err := rows.Scan(&kind, &system, &username, &txt, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		events = append(events, chat.Event{
			Kind:      chat.Kind(kind),
			RoomID:    roomID,
			System:    chat.SystemEvent(system.String),
			Username:  username.String,
			Text:      txt.String,
			Timestamp: ts.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if events == nil {
		events = []chat.Event{}
	}
	return events, nil
}
