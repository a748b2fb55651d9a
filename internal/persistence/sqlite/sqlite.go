package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"flight-cdm/internal/tobt"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS bookings (
	slot_key   TEXT PRIMARY KEY,
	owner_id   TEXT,
	identifier TEXT NOT NULL,
	sector     TEXT NOT NULL,
	date       TEXT NOT NULL,
	departure  TEXT NOT NULL,
	time       TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_owner ON bookings(owner_id)`,
	`
CREATE TABLE IF NOT EXISTS flow_rates (
	sector     TEXT PRIMARY KEY,
	rate       INTEGER NOT NULL,
	updated_at TEXT NOT NULL
)`,
}

// Store persists bookings and flow rates in a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveBooking upserts b by slot key.
func (s *Store) SaveBooking(ctx context.Context, b tobt.Booking) error {
	var owner sql.NullString
	if id := tobt.OwnerID(b.Owner); id != "" {
		owner = sql.NullString{String: id, Valid: true}
	}

	query := `
		INSERT INTO bookings (slot_key, owner_id, identifier, sector, date, departure, time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot_key) DO UPDATE SET
			owner_id = excluded.owner_id,
			identifier = excluded.identifier
	`
	_, err := s.db.ExecContext(ctx, query,
		b.Key,
		owner,
		b.Identifier,
		b.Sector,
		b.Date,
		b.ScheduledDeparture,
		b.Time,
		b.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save booking %s: %w", b.Key, err)
	}
	return nil
}

// DeleteBooking removes the booking at key. Deleting a missing key is not an error.
func (s *Store) DeleteBooking(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bookings WHERE slot_key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete booking %s: %w", key, err)
	}
	return nil
}

// LoadBookings returns every stored booking ordered by slot key.
func (s *Store) LoadBookings(ctx context.Context) ([]tobt.Booking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot_key, owner_id, identifier, sector, date, departure, time, created_at
		FROM bookings ORDER BY slot_key
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load bookings: %w", err)
	}
	defer rows.Close()

	var out []tobt.Booking
	for rows.Next() {
		var (
			b       tobt.Booking
			owner   sql.NullString
			created string
		)
		if err := rows.Scan(&b.Key, &owner, &b.Identifier, &b.Sector, &b.Date, &b.ScheduledDeparture, &b.Time, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan booking: %w", err)
		}
		if owner.Valid && owner.String != "" {
			b.Owner = tobt.ParticipantOwner{ID: owner.String}
		} else {
			b.Owner = tobt.OperatorOwner{}
		}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			b.CreatedAt = t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveFlowRate upserts a sector's rate; 0 deletes the row.
func (s *Store) SaveFlowRate(ctx context.Context, sector string, rate int) error {
	if rate == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM flow_rates WHERE sector = ?`, sector); err != nil {
			return fmt.Errorf("sqlite: delete flow rate %s: %w", sector, err)
		}
		return nil
	}

	query := `
		INSERT INTO flow_rates (sector, rate, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(sector) DO UPDATE SET rate = excluded.rate, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, sector, rate, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("sqlite: save flow rate %s: %w", sector, err)
	}
	return nil
}

// LoadFlowRates returns every stored rate keyed by sector.
func (s *Store) LoadFlowRates(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sector, rate FROM flow_rates`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load flow rates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			sector string
			rate   int
		)
		if err := rows.Scan(&sector, &rate); err != nil {
			return nil, fmt.Errorf("sqlite: scan flow rate: %w", err)
		}
		out[sector] = rate
	}
	return out, rows.Err()
}
