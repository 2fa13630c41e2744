// Package store persists happenings and their per-date overrides in
// SQLite. It hands plain model values to callers; recurrence meaning lives
// entirely in internal/recurrence.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"gathercal/internal/model"
	"gathercal/internal/recurrence"
)

const schema = `
CREATE TABLE IF NOT EXISTS happenings (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	venue           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	event_date      TEXT NOT NULL DEFAULT '',
	day_of_week     TEXT NOT NULL DEFAULT '',
	recurrence_rule TEXT NOT NULL DEFAULT '',
	custom_dates    TEXT NOT NULL DEFAULT '[]',
	start_time      TEXT NOT NULL DEFAULT '',
	end_time        TEXT NOT NULL DEFAULT '',
	timezone        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS overrides (
	happening_id TEXT NOT NULL REFERENCES happenings(id) ON DELETE CASCADE,
	date         TEXT NOT NULL,
	action       TEXT NOT NULL,
	note         TEXT NOT NULL DEFAULT '',
	start_time   TEXT NOT NULL DEFAULT '',
	end_time     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (happening_id, date)
);
`

// Store wraps the SQLite database holding happenings and overrides.
type Store struct {
	db *sql.DB
}

// Open opens (and initializes, if needed) the database at path. Use
// ":memory:" for throwaway instances in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent (each new
	// connection would otherwise get its own empty database) and makes
	// the PRAGMA below apply everywhere.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a happening, assigning an ID when absent. The descriptor
// is canonicalized first (day_of_week derived from event_date when a
// day-requiring rule lacks it) so rows are confident at rest where the
// data allows.
func (s *Store) Create(ctx context.Context, h *model.Happening) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	recurrence.Canonicalize(h)

	custom, err := json.Marshal(customOrEmpty(h.CustomDates))
	if err != nil {
		return fmt.Errorf("encode custom dates: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO happenings
			(id, title, venue, description, event_date, day_of_week,
			 recurrence_rule, custom_dates, start_time, end_time, timezone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Title, h.Venue, h.Description, h.EventDate, h.DayOfWeek,
		h.RecurrenceRule, string(custom), h.StartTime, h.EndTime, h.Timezone)
	if err != nil {
		return fmt.Errorf("insert happening: %w", err)
	}
	return nil
}

// Update rewrites a happening row, canonicalizing like Create.
func (s *Store) Update(ctx context.Context, h *model.Happening) error {
	if h.ID == "" {
		return fmt.Errorf("update happening: missing id")
	}
	recurrence.Canonicalize(h)

	custom, err := json.Marshal(customOrEmpty(h.CustomDates))
	if err != nil {
		return fmt.Errorf("encode custom dates: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE happenings SET
			title = ?, venue = ?, description = ?, event_date = ?,
			day_of_week = ?, recurrence_rule = ?, custom_dates = ?,
			start_time = ?, end_time = ?, timezone = ?
		WHERE id = ?`,
		h.Title, h.Venue, h.Description, h.EventDate, h.DayOfWeek,
		h.RecurrenceRule, string(custom), h.StartTime, h.EndTime, h.Timezone,
		h.ID)
	if err != nil {
		return fmt.Errorf("update happening: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update happening %s: %w", h.ID, sql.ErrNoRows)
	}
	return nil
}

// Get returns one happening by ID.
func (s *Store) Get(ctx context.Context, id string) (model.Happening, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, venue, description, event_date, day_of_week,
		       recurrence_rule, custom_dates, start_time, end_time, timezone
		FROM happenings WHERE id = ?`, id)
	return scanHappening(row)
}

// List returns all happenings ordered by title.
func (s *Store) List(ctx context.Context) ([]model.Happening, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, venue, description, event_date, day_of_week,
		       recurrence_rule, custom_dates, start_time, end_time, timezone
		FROM happenings ORDER BY title, id`)
	if err != nil {
		return nil, fmt.Errorf("list happenings: %w", err)
	}
	defer rows.Close()

	var out []model.Happening
	for rows.Next() {
		h, err := scanHappening(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Delete removes a happening and (via cascade) its overrides.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM happenings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete happening: %w", err)
	}
	return nil
}

// SaveOverride upserts a per-date override for one happening.
func (s *Store) SaveOverride(ctx context.Context, o model.Override) error {
	if o.HappeningID == "" || o.Date == "" {
		return fmt.Errorf("save override: missing happening_id or date")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO overrides (happening_id, date, action, note, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (happening_id, date) DO UPDATE SET
			action = excluded.action,
			note = excluded.note,
			start_time = excluded.start_time,
			end_time = excluded.end_time`,
		o.HappeningID, o.Date, string(o.Action), o.Note, o.StartTime, o.EndTime)
	if err != nil {
		return fmt.Errorf("save override: %w", err)
	}
	return nil
}

// DeleteOverride removes one override.
func (s *Store) DeleteOverride(ctx context.Context, happeningID, date string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM overrides WHERE happening_id = ? AND date = ?`, happeningID, date)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	return nil
}

// OverridesFor returns all overrides for one happening as an OverrideSet.
func (s *Store) OverridesFor(ctx context.Context, happeningID string) (model.OverrideSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT happening_id, date, action, note, start_time, end_time
		FROM overrides WHERE happening_id = ?`, happeningID)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	defer rows.Close()

	overrides, err := scanOverrides(rows)
	if err != nil {
		return nil, err
	}
	return model.BuildOverrideSet(overrides), nil
}

// OverridesInWindow returns overrides for all happenings with dates inside
// [start, end], grouped by happening ID. Digest and listing callers fetch
// this once per window instead of per row.
func (s *Store) OverridesInWindow(ctx context.Context, start, end string) (map[string]model.OverrideSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT happening_id, date, action, note, start_time, end_time
		FROM overrides WHERE date >= ? AND date <= ?`, start, end)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	defer rows.Close()

	overrides, err := scanOverrides(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]model.OverrideSet)
	for _, o := range overrides {
		if byID[o.HappeningID] == nil {
			byID[o.HappeningID] = make(model.OverrideSet)
		}
		byID[o.HappeningID][o.Date] = o
	}
	return byID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHappening(r rowScanner) (model.Happening, error) {
	var h model.Happening
	var custom string
	err := r.Scan(&h.ID, &h.Title, &h.Venue, &h.Description, &h.EventDate,
		&h.DayOfWeek, &h.RecurrenceRule, &custom, &h.StartTime, &h.EndTime,
		&h.Timezone)
	if err != nil {
		return model.Happening{}, fmt.Errorf("scan happening: %w", err)
	}
	if err := json.Unmarshal([]byte(custom), &h.CustomDates); err != nil {
		return model.Happening{}, fmt.Errorf("decode custom dates for %s: %w", h.ID, err)
	}
	if len(h.CustomDates) == 0 {
		h.CustomDates = nil
	}
	return h, nil
}

func scanOverrides(rows *sql.Rows) ([]model.Override, error) {
	var out []model.Override
	for rows.Next() {
		var o model.Override
		var action string
		if err := rows.Scan(&o.HappeningID, &o.Date, &action, &o.Note,
			&o.StartTime, &o.EndTime); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.Action = model.OverrideAction(action)
		out = append(out, o)
	}
	return out, rows.Err()
}

func customOrEmpty(dates []string) []string {
	if dates == nil {
		return []string{}
	}
	return dates
}
