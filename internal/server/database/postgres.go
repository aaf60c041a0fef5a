package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store on a pgxpool connection pool.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgres creates a new database connection pool.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database", "driver", "postgres")
	return &PostgresStore{Pool: pool}, nil
}

// RunMigrations applies all pending migrations with goose.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.Pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrationsFS("postgres"))
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

// HealthCheck verifies the database connection is alive.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

const pgArtifactColumns = `id, owner_id, storage_name, fingerprint, size, original_name, pending, created_at`

func (s *PostgresStore) CreateNote(ctx context.Context, note *Note, fresh []*Artifact) error {
	now := time.Now().UTC()
	note.prepare(now)

	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		for _, a := range fresh {
			a.prepare(now)
			a.Pending = false
			if err := pgInsertArtifact(ctx, tx, a); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO notes (id, owner_id, kind, body, annotation, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, note.ID, note.OwnerID, string(note.Kind), note.Text, note.Annotation, note.CreatedAt); err != nil {
			return fmt.Errorf("failed to create note: %w", err)
		}

		for i, a := range note.Artifacts {
			if _, err := tx.Exec(ctx, `
				INSERT INTO note_artifacts (note_id, artifact_id, position) VALUES ($1, $2, $3)
			`, note.ID, a.ID, i); err != nil {
				return fmt.Errorf("failed to link artifact %s: %w", a.ID, err)
			}
			if a.Pending {
				if _, err := tx.Exec(ctx,
					"UPDATE artifacts SET pending = FALSE WHERE id = $1 AND owner_id = $2",
					a.ID, note.OwnerID); err != nil {
					return fmt.Errorf("failed to bind artifact %s: %w", a.ID, err)
				}
				a.Pending = false
			}
		}
		return nil
	})
	return mapPgError(err)
}

func (s *PostgresStore) RegisterArtifact(ctx context.Context, a *Artifact) error {
	a.prepare(time.Now().UTC())
	a.Pending = true
	return mapPgError(pgInsertArtifact(ctx, s.Pool, a))
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgInsertArtifact(ctx context.Context, db pgExecer, a *Artifact) error {
	_, err := db.Exec(ctx, `
		INSERT INTO artifacts (`+pgArtifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.OwnerID, a.StorageName, a.Fingerprint, a.Size, a.OriginalName, a.Pending, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artifact %s: %w", a.StorageName, err)
	}
	return nil
}

func (s *PostgresStore) FindArtifact(ctx context.Context, owner, fingerprint string) (*Artifact, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT "+pgArtifactColumns+" FROM artifacts WHERE owner_id = $1 AND fingerprint = $2",
		owner, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to query by fingerprint: %w", err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanPgArtifact)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // not a duplicate
		}
		return nil, fmt.Errorf("failed to query by fingerprint: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ArtifactsByName(ctx context.Context, owner string, names []string) ([]*Artifact, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT "+pgArtifactColumns+" FROM artifacts WHERE owner_id = $1 AND storage_name = ANY($2)",
		owner, names)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	found, err := pgx.CollectRows(rows, scanPgArtifact)
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifacts: %w", err)
	}
	return orderByName(found, names)
}

func (s *PostgresStore) GetNote(ctx context.Context, owner, id string) (*Note, error) {
	note := &Note{}
	var kind string
	err := s.Pool.QueryRow(ctx, `
		SELECT id, owner_id, kind, body, annotation, created_at
		FROM notes WHERE id = $1 AND owner_id = $2
	`, id, owner).Scan(&note.ID, &note.OwnerID, &kind, &note.Text, &note.Annotation, &note.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoteNotFound
		}
		return nil, fmt.Errorf("failed to get note: %w", err)
	}
	note.Kind = NoteKind(kind)

	rows, err := s.Pool.Query(ctx, `
		SELECT a.id, a.owner_id, a.storage_name, a.fingerprint, a.size, a.original_name, a.pending, a.created_at
		FROM note_artifacts na JOIN artifacts a ON a.id = na.artifact_id
		WHERE na.note_id = $1 ORDER BY na.position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query note artifacts: %w", err)
	}
	note.Artifacts, err = pgx.CollectRows(rows, scanPgArtifact)
	if err != nil {
		return nil, fmt.Errorf("failed to scan note artifacts: %w", err)
	}
	return note, nil
}

func (s *PostgresStore) UpdateNote(ctx context.Context, owner, id, text, annotation string) error {
	tag, err := s.Pool.Exec(ctx,
		"UPDATE notes SET body = $1, annotation = $2 WHERE id = $3 AND owner_id = $4",
		text, annotation, id, owner)
	if err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoteNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, owner, id string) ([]*Artifact, error) {
	var orphaned []*Artifact
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"SELECT artifact_id FROM note_artifacts WHERE note_id = $1", id)
		if err != nil {
			return fmt.Errorf("failed to query note links: %w", err)
		}
		linked, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to scan note links: %w", err)
		}

		tag, err := tx.Exec(ctx, "DELETE FROM notes WHERE id = $1 AND owner_id = $2", id, owner)
		if err != nil {
			return fmt.Errorf("failed to delete note: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNoteNotFound
		}
		if len(linked) == 0 {
			return nil
		}

		rows, err = tx.Query(ctx, `
			DELETE FROM artifacts a
			WHERE a.id = ANY($1)
			  AND NOT EXISTS (SELECT 1 FROM note_artifacts na WHERE na.artifact_id = a.id)
			RETURNING `+pgArtifactColumns, linked)
		if err != nil {
			return fmt.Errorf("failed to delete orphaned artifacts: %w", err)
		}
		orphaned, err = pgx.CollectRows(rows, scanPgArtifact)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

func (s *PostgresStore) ExpirePending(ctx context.Context, olderThan time.Time) ([]*Artifact, error) {
	rows, err := s.Pool.Query(ctx, `
		DELETE FROM artifacts a
		WHERE a.pending AND a.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM note_artifacts na WHERE na.artifact_id = a.id)
		RETURNING `+pgArtifactColumns, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to expire pending artifacts: %w", err)
	}
	expired, err := pgx.CollectRows(rows, scanPgArtifact)
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired artifacts: %w", err)
	}
	return expired, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.Pool.QueryRow(ctx, `
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

func scanPgArtifact(row pgx.CollectableRow) (*Artifact, error) {
	a := &Artifact{}
	err := row.Scan(&a.ID, &a.OwnerID, &a.StorageName, &a.Fingerprint, &a.Size, &a.OriginalName, &a.Pending, &a.CreatedAt)
	return a, err
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == ownerFingerprintIndex {
		return fmt.Errorf("%w: %s", ErrDuplicateFingerprint, pgErr.Detail)
	}
	return err
}

// orderByName arranges found in the order of names, failing if any name
// is missing.
func orderByName(found []*Artifact, names []string) ([]*Artifact, error) {
	byName := make(map[string]*Artifact, len(found))
	for _, a := range found {
		byName[a.StorageName] = a
	}
	out := make([]*Artifact, 0, len(names))
	for _, name := range names {
		a, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
		}
		out = append(out, a)
	}
	return out, nil
}
