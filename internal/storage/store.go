package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle that persists file metadata. The files table
// is the single consolidated mapping from file id to record.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// FileRecord describes one uploaded file.
type FileRecord struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Owner        string    `json:"-"`
	UploadedAt   time.Time `json:"uploaded_at"`
	SHA256       string    `json:"sha256"`
	PasswordHash string    `json:"-"`
	Protected    bool      `json:"protected"`
}

// Records maps file ids to their records.
type Records map[string]FileRecord

// ErrIDTaken is returned by ReserveID when the id was issued before.
var ErrIDTaken = errors.New("file id already issued")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string, logger *logrus.Logger) (*Store, error) {
	if path == "" {
		path = "dropchat.db"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: logger.WithField("component", "metadata")}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=journal_mode=WAL", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			original_name TEXT NOT NULL,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			owner TEXT NOT NULL,
			uploaded_at INTEGER NOT NULL,
			sha256 TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			protected INTEGER NOT NULL DEFAULT 0,
			CHECK ((protected = 1) = (password_hash <> ''))
		);`,
		`CREATE INDEX IF NOT EXISTS files_owner_idx ON files(owner);`,
		`CREATE TABLE IF NOT EXISTS issued_ids (
			id TEXT PRIMARY KEY,
			issued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Load returns every persisted record. Unreadable state degrades to an empty
// mapping; the cause is logged, never returned.
func (s *Store) Load(ctx context.Context) Records {
	records, err := s.Snapshot(ctx)
	if err != nil {
		s.log.WithError(err).Warn("metadata unreadable, treating as empty")
		return Records{}
	}
	return records
}

// Snapshot is the strict variant of Load used by load-mutate-save cycles.
func (s *Store) Snapshot(ctx context.Context) (Records, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_name, name, size, owner, uploaded_at, sha256, password_hash
		FROM files
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(Records)
	for rows.Next() {
		var (
			rec        FileRecord
			uploadedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.OriginalName, &rec.Name, &rec.Size, &rec.Owner, &uploadedAt, &rec.SHA256, &rec.PasswordHash); err != nil {
			return nil, err
		}
		rec.UploadedAt = time.Unix(0, uploadedAt).UTC()
		rec.Protected = rec.PasswordHash != ""
		records[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Save replaces the persisted mapping with records inside one transaction, so
// concurrent readers see either the previous or the new mapping.
func (s *Store) Save(ctx context.Context, records Records) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM files`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files(id, original_name, name, size, owner, uploaded_at, sha256, password_hash, protected)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, rec := range records {
		protected := 0
		if rec.PasswordHash != "" {
			protected = 1
		}
		if _, err = stmt.ExecContext(ctx, id, rec.OriginalName, rec.Name, rec.Size, rec.Owner, rec.UploadedAt.UnixNano(), rec.SHA256, rec.PasswordHash, protected); err != nil {
			return fmt.Errorf("save %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ReserveID records id as issued. ErrIDTaken is returned if it was issued
// before, including for files that have since been deleted.
func (s *Store) ReserveID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO issued_ids(id) VALUES(?)`, id)
	if err != nil {
		if isConstraintError(err) {
			return ErrIDTaken
		}
		return err
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
