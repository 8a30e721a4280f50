// Package rooms is the room directory: a lookup table of room id to display
// name. The relay core only consumes the existence predicate; rooms are
// created elsewhere (or seeded by EnsureDefault).
package rooms

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Room is one directory entry.
type Room struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Directory reads and seeds the rooms table.
type Directory struct {
	db *sql.DB
}

// Open connects to the database and ensures the rooms table exists.
func Open(databaseURL string) (*Directory, error) {
	db, err := otelsql.Open("postgres", databaseURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &Directory{db: db}
	if err := d.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// NewDirectory wraps an already-open database handle. Used by tests.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) ensureSchema(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS rooms (
		     id BIGSERIAL PRIMARY KEY,
		     name TEXT NOT NULL UNIQUE
		 )`)
	if err != nil {
		return fmt.Errorf("create rooms table: %w", err)
	}
	return nil
}

// EnsureDefault seeds the directory with "Main Room" if it is empty.
func (d *Directory) EnsureDefault(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO rooms (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		"Main Room")
	if err != nil {
		return fmt.Errorf("seed default room: %w", err)
	}
	return nil
}

// Exists reports whether a room id resolves to a directory entry.
func (d *Directory) Exists(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := d.db.QueryRowContext(ctx,
		`SELECT id FROM rooms WHERE id = $1`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up room %d: %w", id, err)
	}
	return true, nil
}

// List returns every room in creation order.
func (d *Directory) List(ctx context.Context) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name FROM rooms ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room rows: %w", err)
	}
	if rooms == nil {
		rooms = []Room{}
	}
	return rooms, nil
}

// Close closes the underlying database pool.
func (d *Directory) Close() error {
	return d.db.Close()
}
