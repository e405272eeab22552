package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Record is the latest status snapshot of a single job
type Record struct {
	Job         string
	BuildID     string
	Description string
	Link        string
	UpdatedAt   time.Time
	OK          bool   // description is "(stable)"
	Stale       bool   // updated more than a day before the run
	Key         string // "<updated>:::<job>", informational only
}

// recordRow is the storage shape of Record, timestamps kept as unix seconds
type recordRow struct {
	Job         string `db:"job"`
	BuildID     string `db:"build_id"`
	Description string `db:"description"`
	Link        string `db:"link"`
	UpdatedAt   int64  `db:"updated_at"`
	OK          bool   `db:"ok"`
	Stale       bool   `db:"stale"`
	Key         string `db:"entry_key"`
}

// SQLiteStore implements persistence using SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the store at dbPath and makes sure the schema exists
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer, keeps pragmas on the one connection

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	queries := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS records (
			job TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			ok BOOLEAN NOT NULL DEFAULT 0,
			stale BOOLEAN NOT NULL DEFAULT 0,
			entry_key TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	return nil
}

// Upsert stores the record keyed by its job name, replacing any previous record of the same job
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	if rec.Job == "" {
		return fmt.Errorf("can't save record without job name")
	}
	row := recordRow{
		Job:         rec.Job,
		BuildID:     rec.BuildID,
		Description: rec.Description,
		Link:        rec.Link,
		UpdatedAt:   rec.UpdatedAt.Unix(),
		OK:          rec.OK,
		Stale:       rec.Stale,
		Key:         rec.Key,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO records (job, build_id, description, link, updated_at, ok, stale, entry_key)
		VALUES (:job, :build_id, :description, :link, :updated_at, :ok, :stale, :entry_key)`, row)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.Job, err)
	}
	return nil
}

// ReadAll returns every stored record, order is not defined
func (s *SQLiteStore) ReadAll(ctx context.Context) ([]Record, error) {
	rows := []recordRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT job, build_id, description, link, updated_at, ok, stale, entry_key FROM records`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	res := make([]Record, 0, len(rows))
	for _, r := range rows {
		res = append(res, Record{
			Job:         r.Job,
			BuildID:     r.BuildID,
			Description: r.Description,
			Link:        r.Link,
			UpdatedAt:   time.Unix(r.UpdatedAt, 0).UTC(),
			OK:          r.OK,
			Stale:       r.Stale,
			Key:         r.Key,
		})
	}
	return res, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
