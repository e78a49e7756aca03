// Package store keeps classification records in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/spigell/hh-sieve/internal/posting"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	pgDuplicateKeyCode = "23505"
)

// ErrDuplicate is returned when a record for the posting already exists.
var ErrDuplicate = posting.ErrDuplicate

// Config selects and tunes the database.
type Config struct {
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	PingTimeout  time.Duration `mapstructure:"ping-timeout"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
	MaxOpenConns int           `mapstructure:"max-open-conns"`
}

// Store implements the record store over database/sql.
type Store struct {
	db     *sql.DB
	driver string

	mu       sync.Mutex
	migrated bool
}

// Open prepares the connection pool. No connection is made until the first Ping.
func Open(cfg Config) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("store dsn is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			// modernc sqlite uses DSN like: file:foo.db?_pragma=busy_timeout(5000)
			dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dsn)
		}
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// sqlite typically wants 1 writer
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres, "pgx":
		driver = DriverPostgres
		db, err = sql.Open("pgx", dsn)
		if err == nil && cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if lifetime := connLifetime(driver, dsn); lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	}

	return &Store{db: db, driver: driver}, nil
}

// connLifetime is how long a pooled connection may live. An in-memory SQLite
// database lives exactly as long as its connection, so it is never recycled.
func connLifetime(driver, dsn string) time.Duration {
	if driver == DriverSQLite && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory")) {
		return 0
	}
	return 5 * time.Minute
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database and creates the schema on the first successful call.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return s.migrate(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.migrated {
		return nil
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.migrated = true
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS classification_records (
		posting_id   TEXT PRIMARY KEY,
		policy_id    TEXT NOT NULL,
		evaluated_at BIGINT NOT NULL,
		accepted     BOOLEAN NULL,
		error        TEXT NULL,
		title        TEXT NOT NULL DEFAULT '',
		company      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS classification_records_policy_idx
		ON classification_records (policy_id, evaluated_at)`,
}

const projection = `SELECT posting_id, policy_id, evaluated_at, accepted, error, title, company FROM classification_records`

// FindIDs returns the posting ids of all records matching q.
func (s *Store) FindIDs(ctx context.Context, q posting.Query) (posting.IDSet, error) {
	var (
		where string
		args  []any
	)
	switch q.Predicate {
	case posting.Errored:
		where = `error IS NOT NULL AND error <> ''`
	case posting.Outdated:
		where = `policy_id = ? AND evaluated_at < ?`
		args = []any{q.PolicyID, q.Since.UnixMilli()}
	case posting.Current:
		where = `policy_id = ? AND evaluated_at >= ?`
		args = []any{q.PolicyID, q.Since.UnixMilli()}
	case posting.OtherPolicy:
		where = `policy_id <> ?`
		args = []any{q.PolicyID}
	default:
		return nil, fmt.Errorf("unsupported predicate %s", q.Predicate)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT posting_id FROM classification_records WHERE `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", q.Predicate, err)
	}
	defer rows.Close()

	ids := posting.NewIDSet()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan posting id: %w", err)
		}
		ids.Add(id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s records: %w", q.Predicate, err)
	}
	return ids, nil
}

// Insert creates the record. An existing record for the posting yields ErrDuplicate.
func (s *Store) Insert(ctx context.Context, rec posting.Record) error {
	accepted, errText := resultColumns(rec)
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO classification_records
		(posting_id, policy_id, evaluated_at, accepted, error, title, company)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.PostingID, rec.PolicyID, rec.EvaluatedAt.UnixMilli(), accepted, errText, rec.Title, rec.Company,
	)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// Update overwrites the record of the posting. A missing record yields posting.ErrNotFound.
func (s *Store) Update(ctx context.Context, rec posting.Record) error {
	accepted, errText := resultColumns(rec)
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE classification_records
		SET policy_id = ?, evaluated_at = ?, accepted = ?, error = ?, title = ?, company = ?
		WHERE posting_id = ?`),
		rec.PolicyID, rec.EvaluatedAt.UnixMilli(), accepted, errText, rec.Title, rec.Company, rec.PostingID,
	)
	if err != nil {
		return mapError(err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", rec.PostingID, posting.ErrNotFound)
	}
	return nil
}

// Get returns the record of the posting.
func (s *Store) Get(ctx context.Context, postingID string) (posting.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(projection+` WHERE posting_id = ?`), postingID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return posting.Record{}, fmt.Errorf("record %s: %w", postingID, posting.ErrNotFound)
		}
		return posting.Record{}, err
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (posting.Record, error) {
	var (
		rec      posting.Record
		millis   int64
		accepted sql.NullBool
		errText  sql.NullString
	)
	if err := s.Scan(&rec.PostingID, &rec.PolicyID, &millis, &accepted, &errText, &rec.Title, &rec.Company); err != nil {
		return posting.Record{}, err
	}
	rec.EvaluatedAt = time.UnixMilli(millis).UTC()
	rec.Accepted = accepted.Valid && accepted.Bool
	rec.Error = errText.String
	return rec, nil
}

func resultColumns(rec posting.Record) (sql.NullBool, sql.NullString) {
	if rec.Failed() {
		return sql.NullBool{}, sql.NullString{String: rec.Error, Valid: true}
	}
	return sql.NullBool{Bool: rec.Accepted, Valid: true}, sql.NullString{}
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKeyCode {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Detail)
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}

	return err
}
