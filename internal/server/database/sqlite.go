package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 1
	maxIdleConns    = 1
	connMaxLifetime = 5 * time.Minute
)

// SQLiteStore implements Store on an embedded SQLite database. Timestamps
// are kept as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	// Pragmas ride on the DSN so every new connection gets them.
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	u := url.URL{Scheme: "file", Path: path, RawQuery: q.Encode()}

	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection serializes writers, which SQLite requires anyway.
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	slog.Info("connected to database", "driver", "sqlite", "path", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RunMigrations(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, migrationsFS("sqlite"))
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteArtifactColumns = `id, owner_id, storage_name, fingerprint, size, original_name, pending, created_at`

func (s *SQLiteStore) CreateNote(ctx context.Context, note *Note, fresh []*Artifact) error {
	now := time.Now().UTC()
	note.prepare(now)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range fresh {
			a.prepare(now)
			a.Pending = false
			if err := sqliteInsertArtifact(ctx, tx, a); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notes (id, owner_id, kind, body, annotation, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, note.ID, note.OwnerID, string(note.Kind), note.Text, note.Annotation, note.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to create note: %w", err)
		}

		for i, a := range note.Artifacts {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO note_artifacts (note_id, artifact_id, position) VALUES (?, ?, ?)",
				note.ID, a.ID, i); err != nil {
				return fmt.Errorf("failed to link artifact %s: %w", a.ID, err)
			}
			if a.Pending {
				if _, err := tx.ExecContext(ctx,
					"UPDATE artifacts SET pending = 0 WHERE id = ? AND owner_id = ?",
					a.ID, note.OwnerID); err != nil {
					return fmt.Errorf("failed to bind artifact %s: %w", a.ID, err)
				}
				a.Pending = false
			}
		}
		return nil
	})
}

func (s *SQLiteStore) RegisterArtifact(ctx context.Context, a *Artifact) error {
	a.prepare(time.Now().UTC())
	a.Pending = true
	return sqliteInsertArtifact(ctx, s.db, a)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteInsertArtifact(ctx context.Context, db sqlExecer, a *Artifact) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO artifacts ("+sqliteArtifactColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID, a.OwnerID, a.StorageName, a.Fingerprint, a.Size, a.OriginalName, a.Pending, a.CreatedAt.UnixNano())
	if err != nil {
		if isSQLiteUnique(err, "artifacts.owner_id, artifacts.fingerprint") {
			return fmt.Errorf("%w: %s", ErrDuplicateFingerprint, a.Fingerprint)
		}
		return fmt.Errorf("failed to insert artifact %s: %w", a.StorageName, err)
	}
	return nil
}

func (s *SQLiteStore) FindArtifact(ctx context.Context, owner, fingerprint string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteArtifactColumns+" FROM artifacts WHERE owner_id = ? AND fingerprint = ?",
		owner, fingerprint)
	a, err := scanSQLiteArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not a duplicate
		}
		return nil, fmt.Errorf("failed to query by fingerprint: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ArtifactsByName(ctx context.Context, owner string, names []string) ([]*Artifact, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(names)+1)
	args = append(args, owner)
	for _, n := range names {
		args = append(args, n)
	}
	query := "SELECT " + sqliteArtifactColumns + " FROM artifacts WHERE owner_id = ? AND storage_name IN (" +
		placeholders(len(names)) + ")"

	found, err := s.queryArtifacts(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	return orderByName(found, names)
}

func (s *SQLiteStore) GetNote(ctx context.Context, owner, id string) (*Note, error) {
	note := &Note{}
	var kind string
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, body, annotation, created_at
		FROM notes WHERE id = ? AND owner_id = ?
	`, id, owner).Scan(&note.ID, &note.OwnerID, &kind, &note.Text, &note.Annotation, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoteNotFound
		}
		return nil, fmt.Errorf("failed to get note: %w", err)
	}
	note.Kind = NoteKind(kind)
	note.CreatedAt = time.Unix(0, created).UTC()

	note.Artifacts, err = s.queryArtifacts(ctx, s.db, `
		SELECT a.id, a.owner_id, a.storage_name, a.fingerprint, a.size, a.original_name, a.pending, a.created_at
		FROM note_artifacts na JOIN artifacts a ON a.id = na.artifact_id
		WHERE na.note_id = ? ORDER BY na.position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query note artifacts: %w", err)
	}
	return note, nil
}

func (s *SQLiteStore) UpdateNote(ctx context.Context, owner, id, text, annotation string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notes SET body = ?, annotation = ? WHERE id = ? AND owner_id = ?",
		text, annotation, id, owner)
	if err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoteNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteNote(ctx context.Context, owner, id string) ([]*Artifact, error) {
	var orphaned []*Artifact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		linked, err := s.queryArtifacts(ctx, tx, `
			SELECT a.id, a.owner_id, a.storage_name, a.fingerprint, a.size, a.original_name, a.pending, a.created_at
			FROM note_artifacts na JOIN artifacts a ON a.id = na.artifact_id
			WHERE na.note_id = ?
		`, id)
		if err != nil {
			return fmt.Errorf("failed to query note links: %w", err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM notes WHERE id = ? AND owner_id = ?", id, owner)
		if err != nil {
			return fmt.Errorf("failed to delete note: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNoteNotFound
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM note_artifacts WHERE note_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete note links: %w", err)
		}

		for _, a := range linked {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM artifacts WHERE id = ?
				  AND NOT EXISTS (SELECT 1 FROM note_artifacts WHERE artifact_id = ?)
			`, a.ID, a.ID)
			if err != nil {
				return fmt.Errorf("failed to delete artifact %s: %w", a.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				orphaned = append(orphaned, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

func (s *SQLiteStore) ExpirePending(ctx context.Context, olderThan time.Time) ([]*Artifact, error) {
	var expired []*Artifact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		expired, err = s.queryArtifacts(ctx, tx, `
			SELECT `+sqliteArtifactColumns+` FROM artifacts a
			WHERE a.pending = 1 AND a.created_at < ?
			  AND NOT EXISTS (SELECT 1 FROM note_artifacts na WHERE na.artifact_id = a.id)
		`, olderThan.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to query pending artifacts: %w", err)
		}
		for _, a := range expired {
			if _, err := tx.ExecContext(ctx, "DELETE FROM artifacts WHERE id = ?", a.ID); err != nil {
				return fmt.Errorf("failed to expire artifact %s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM notes),
			COUNT(*),
			COALESCE(SUM(size), 0)
		FROM artifacts
	`).Scan(&stats.Notes, &stats.Artifacts, &stats.BytesStored)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) queryArtifacts(ctx context.Context, db sqlQueryer, query string, args ...any) ([]*Artifact, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanSQLiteArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteArtifact(row rowScanner) (*Artifact, error) {
	a := &Artifact{}
	var created int64
	if err := row.Scan(&a.ID, &a.OwnerID, &a.StorageName, &a.Fingerprint, &a.Size, &a.OriginalName, &a.Pending, &created); err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isSQLiteUnique matches the driver's constraint message, e.g.
// "UNIQUE constraint failed: artifacts.owner_id, artifacts.fingerprint".
func isSQLiteUnique(err error, columns string) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed: "+columns)
}
