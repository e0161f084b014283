// Package journal keeps an append-only audit trail of connection changes,
// failed operations and notable push events in SQLite. It is never read
// back into the device model.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/markus-barta/lockfleet/internal/clock"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Entry is one journal line.
type Entry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Level     string         `json:"level"`
	MAC       string         `json:"macAddress,omitempty"`
	Action    string         `json:"action,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Journal writes and queries entries.
type Journal struct {
	log   zerolog.Logger
	db    *sql.DB
	clock clock.Clock
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_ms     INTEGER NOT NULL,
		category  TEXT NOT NULL,
		level     TEXT NOT NULL,
		mac       TEXT,
		action    TEXT,
		message   TEXT NOT NULL,
		details   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_journal_mac ON journal(mac, id DESC);
	CREATE INDEX IF NOT EXISTS idx_journal_category ON journal(category, id DESC);
	`
	_, err := db.Exec(schema)
	return err
}

// New creates a journal on an opened database.
func New(db *sql.DB, clk clock.Clock, log zerolog.Logger) *Journal {
	return &Journal{
		log:   log.With().Str("component", "journal").Logger(),
		db:    db,
		clock: clk,
	}
}

// Record appends e. Timestamp defaults to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = j.clock.Now()
	}
	var details sql.NullString
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO journal (ts_ms, category, level, mac, action, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UnixMilli(), e.Category, e.Level, nullString(e.MAC), nullString(e.Action), e.Message, details)
	if err != nil {
		return fmt.Errorf("record %s entry: %w", e.Category, err)
	}
	return nil
}

// Recent returns the newest entries first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, ts_ms, category, level, mac, action, message, details
		FROM journal
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent entries: %w", err)
	}
	return j.scanEntries(rows)
}

// ForDevice returns the newest entries about mac first.
func (j *Journal) ForDevice(ctx context.Context, mac string, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, ts_ms, category, level, mac, action, message, details
		FROM journal
		WHERE mac = ?
		ORDER BY id DESC
		LIMIT ?
	`, mac, limit)
	if err != nil {
		return nil, fmt.Errorf("get device entries: %w", err)
	}
	return j.scanEntries(rows)
}

func (j *Journal) scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                     Entry
			tsMS                  int64
			mac, action, detailsJ sql.NullString
		)
		if err := rows.Scan(&e.ID, &tsMS, &e.Category, &e.Level, &mac, &action, &e.Message, &detailsJ); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(tsMS).UTC()
		e.MAC = mac.String
		e.Action = action.String
		if detailsJ.Valid {
			if err := json.Unmarshal([]byte(detailsJ.String), &e.Details); err != nil {
				j.log.Debug().Err(err).Int64("id", e.ID).Msg("unreadable entry details")
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
