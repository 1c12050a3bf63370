package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"asksync/internal/model"
	"asksync/internal/recurrence"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a timeblock ID does not exist.
var ErrNotFound = errors.New("timeblock not found")

// Times are stored as fixed-width UTC text so range filters can compare
// them lexically.
const (
	sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"
	dateKeyLayout = "2006-01-02"
)

// Store persists timeblocks and their recurrence exceptions in SQLite.
type Store struct {
	db       *sql.DB
	revision atomic.Uint64
}

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite serializes writers anyway; one connection also keeps
	// ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Revision increases on every successful mutation. Callers use it as a
// cache generation key.
func (s *Store) Revision() uint64 {
	return s.revision.Load()
}

// RevisionKey is Revision formatted for use as a memo generation.
func (s *Store) RevisionKey() string {
	return strconv.FormatUint(s.Revision(), 10)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS timeblocks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		start_tz TEXT NOT NULL DEFAULT 'UTC',
		all_day INTEGER NOT NULL DEFAULT 0,
		recurrence TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_timeblocks_owner_start ON timeblocks (owner_id, start_at)`,
	`CREATE INDEX IF NOT EXISTS idx_timeblocks_source ON timeblocks (source_id)`,
	`CREATE TABLE IF NOT EXISTS timeblock_exceptions (
		timeblock_id TEXT NOT NULL,
		exception_date TEXT NOT NULL,
		PRIMARY KEY (timeblock_id, exception_date)
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Create inserts ev, assigning a UUID when ev.ID is empty, and returns the
// stored timeblock.
func (s *Store) Create(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := validate(ev); err != nil {
		return model.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvent(ctx, tx, ev, time.Now()); err != nil {
		return model.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Event{}, err
	}
	s.revision.Add(1)
	return s.Get(ctx, ev.ID)
}

// Update overwrites the timeblock with ev.ID, including its exception set.
func (s *Store) Update(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.ID == "" {
		return model.Event{}, ErrNotFound
	}
	if err := validate(ev); err != nil {
		return model.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE timeblocks
		SET owner_id = ?, source_id = ?, title = ?, description = ?, start_at = ?, end_at = ?,
			start_tz = ?, all_day = ?, recurrence = ?, updated_at = ?
		WHERE id = ?`,
		ev.OwnerID, ev.SourceID, ev.Title, ev.Description, formatTime(ev.Start), formatTime(ev.End),
		encodeZone(ev.Start), ev.AllDay, ev.Recurrence.String(), formatTime(time.Now()),
		ev.ID,
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("store: update %s: %w", ev.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Event{}, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM timeblock_exceptions WHERE timeblock_id = ?`, ev.ID); err != nil {
		return model.Event{}, err
	}
	if err := insertExceptions(ctx, tx, ev); err != nil {
		return model.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Event{}, err
	}
	s.revision.Add(1)
	return s.Get(ctx, ev.ID)
}

// Delete removes a timeblock and its exceptions.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM timeblocks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM timeblock_exceptions WHERE timeblock_id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.revision.Add(1)
	return nil
}

// Get returns one timeblock with its exception dates.
func (s *Store) Get(ctx context.Context, id string) (model.Event, error) {
	events, err := s.query(ctx, `
		SELECT id, owner_id, source_id, title, description, start_at, end_at, start_tz, all_day, recurrence
		FROM timeblocks WHERE id = ?`, id)
	if err != nil {
		return model.Event{}, err
	}
	if len(events) == 0 {
		return model.Event{}, ErrNotFound
	}
	return events[0], nil
}

// ListRange returns the base timeblocks that may produce occurrences inside
// r: non-recurring blocks intersecting r and recurring series starting on
// or before r.End. An empty owner matches every owner.
func (s *Store) ListRange(ctx context.Context, owner string, r model.DateRange) ([]model.Event, error) {
	if !r.Valid() {
		return []model.Event{}, nil
	}
	start, end := formatTime(r.Start), formatTime(r.End)
	return s.query(ctx, `
		SELECT id, owner_id, source_id, title, description, start_at, end_at, start_tz, all_day, recurrence
		FROM timeblocks
		WHERE (? = '' OR owner_id = ?)
		  AND ((recurrence = '' AND start_at <= ? AND end_at >= ?)
		    OR (recurrence <> '' AND start_at <= ?))
		ORDER BY start_at, id`,
		owner, owner, end, start, end)
}

// ListOwner returns every base timeblock of owner (all owners when empty).
func (s *Store) ListOwner(ctx context.Context, owner string) ([]model.Event, error) {
	return s.query(ctx, `
		SELECT id, owner_id, source_id, title, description, start_at, end_at, start_tz, all_day, recurrence
		FROM timeblocks
		WHERE (? = '' OR owner_id = ?)
		ORDER BY start_at, id`,
		owner, owner)
}

// AddException suppresses the occurrence of series id on the calendar day
// of date, read in date's own location. Adding twice is a no-op.
func (s *Store) AddException(ctx context.Context, id string, date time.Time) error {
	key, err := s.exceptionKey(ctx, id, date)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO timeblock_exceptions (timeblock_id, exception_date) VALUES (?, ?)`,
		id, key); err != nil {
		return fmt.Errorf("store: add exception %s %s: %w", id, key, err)
	}
	s.revision.Add(1)
	return nil
}

// RemoveException restores a previously suppressed occurrence.
func (s *Store) RemoveException(ctx context.Context, id string, date time.Time) error {
	key, err := s.exceptionKey(ctx, id, date)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM timeblock_exceptions WHERE timeblock_id = ? AND exception_date = ?`,
		id, key); err != nil {
		return fmt.Errorf("store: remove exception %s %s: %w", id, key, err)
	}
	s.revision.Add(1)
	return nil
}

// ReplaceSource swaps every timeblock imported from sourceID for events in
// one transaction. Imported IDs are namespaced by the source.
func (s *Store) ReplaceSource(ctx context.Context, sourceID, owner string, events []model.Event) error {
	if sourceID == "" {
		return errors.New("store: source id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM timeblock_exceptions
		WHERE timeblock_id IN (SELECT id FROM timeblocks WHERE source_id = ?)`, sourceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM timeblocks WHERE source_id = ?`, sourceID); err != nil {
		return err
	}

	now := time.Now()
	for _, ev := range events {
		ev.SourceID = sourceID
		ev.OwnerID = owner
		ev.ID = sourceID + ":" + ev.ID
		if err := validate(ev); err != nil {
			return fmt.Errorf("store: import %s: %w", ev.ID, err)
		}
		if err := insertEvent(ctx, tx, ev, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.revision.Add(1)
	return nil
}

// exceptionKey is the civil date of date. The API hands in midnight of a
// YYYY-MM-DD in whatever zone it parsed it, so no conversion happens here.
func (s *Store) exceptionKey(ctx context.Context, id string, date time.Time) (string, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM timeblocks WHERE id = ?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return date.Format(dateKeyLayout), nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := make([]model.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range events {
		if !events[i].IsRecurring() {
			continue
		}
		dates, err := s.exceptions(ctx, events[i].ID, events[i].Start.Location())
		if err != nil {
			return nil, err
		}
		events[i].ExceptionDates = dates
	}
	return events, nil
}

func (s *Store) exceptions(ctx context.Context, id string, loc *time.Location) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT exception_date FROM timeblock_exceptions WHERE timeblock_id = ? ORDER BY exception_date`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []time.Time
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		d, err := time.ParseInLocation(dateKeyLayout, key, loc)
		if err != nil {
			return nil, fmt.Errorf("store: bad exception date %q: %w", key, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, tx execer, ev model.Event, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO timeblocks (
			id, owner_id, source_id, title, description, start_at, end_at, start_tz, all_day, recurrence, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.OwnerID, ev.SourceID, ev.Title, ev.Description,
		formatTime(ev.Start), formatTime(ev.End), encodeZone(ev.Start),
		ev.AllDay, ev.Recurrence.String(), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", ev.ID, err)
	}
	return insertExceptions(ctx, tx, ev)
}

func insertExceptions(ctx context.Context, tx execer, ev model.Event) error {
	loc := ev.Start.Location()
	for _, d := range ev.ExceptionDates {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO timeblock_exceptions (timeblock_id, exception_date) VALUES (?, ?)`,
			ev.ID, d.In(loc).Format(dateKeyLayout)); err != nil {
			return fmt.Errorf("store: insert exception %s: %w", ev.ID, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.Event, error) {
	var (
		ev                 model.Event
		startAt, endAt, tz string
		recurrenceToken    string
	)
	if err := row.Scan(&ev.ID, &ev.OwnerID, &ev.SourceID, &ev.Title, &ev.Description,
		&startAt, &endAt, &tz, &ev.AllDay, &recurrenceToken); err != nil {
		return model.Event{}, err
	}

	loc := decodeZone(tz)
	start, err := parseTime(startAt)
	if err != nil {
		return model.Event{}, fmt.Errorf("store: %s start: %w", ev.ID, err)
	}
	end, err := parseTime(endAt)
	if err != nil {
		return model.Event{}, fmt.Errorf("store: %s end: %w", ev.ID, err)
	}
	ev.Start = start.In(loc)
	ev.End = end.In(loc)
	ev.Recurrence = recurrence.ParseFrequency(recurrenceToken)
	return ev, nil
}

func validate(ev model.Event) error {
	if ev.Start.IsZero() || ev.End.IsZero() {
		return errors.New("start and end are required")
	}
	if ev.End.Before(ev.Start) {
		return errors.New("end is before start")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqlTimeLayout, s)
}

// encodeZone names t's location so decodeZone can rebuild it. Locations
// that time.LoadLocation cannot reproduce (JSON offsets such as +09:00
// decode to unnamed fixed zones) are stored as their UTC offset.
func encodeZone(t time.Time) string {
	name := t.Location().String()
	_, offset := t.Zone()
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			if _, o := t.In(loc).Zone(); o == offset {
				return name
			}
		}
	}
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d:%02d", sign, offset/3600, offset%3600/60)
}

func decodeZone(name string) *time.Location {
	if strings.HasPrefix(name, "+") || strings.HasPrefix(name, "-") {
		if off, ok := parseOffset(name); ok {
			return time.FixedZone(name, off)
		}
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseOffset reads "+hh:mm" / "-hh:mm" into seconds east of UTC.
func parseOffset(s string) (int, bool) {
	t, err := time.Parse("-07:00", s)
	if err != nil {
		return 0, false
	}
	_, off := t.Zone()
	return off, true
}
