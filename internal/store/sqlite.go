package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"

	"puncture/internal/logging"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating on first use) a SQLite-backed store and
// waits until it answers.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS daemons (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT NOT NULL,
			session_token TEXT NOT NULL,
			invite TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) SaveDaemon(ctx context.Context, rec *DaemonRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daemons (id, name, address, session_token, invite, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.Address, rec.SessionToken, rec.Invite, rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err == nil {
		logging.Store.Printf("saved daemon %s (%s)", rec.Name, shortID(rec.ID))
	}
	return err
}

func (s *SQLiteStore) GetDaemon(ctx context.Context, id string) (*DaemonRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, session_token, invite, created_at
		FROM daemons WHERE id = ?
	`, id)

	var rec DaemonRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.Address, &rec.SessionToken, &rec.Invite, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) ListDaemons(ctx context.Context) ([]*DaemonRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, session_token, invite, created_at
		FROM daemons ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var daemons []*DaemonRecord
	for rows.Next() {
		var rec DaemonRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Address, &rec.SessionToken, &rec.Invite, &rec.CreatedAt); err != nil {
			return nil, err
		}
		daemons = append(daemons, &rec)
	}
	return daemons, rows.Err()
}

func (s *SQLiteStore) DeleteDaemon(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM daemons WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	logging.Store.Printf("deleted daemon %s", shortID(id))
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
