package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-job-orchestrator/internal/models"
)

// Postgres wraps pgxpool for file metadata persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const fileColumns = `id, storage_key, original_name, content_type, uploaded_at, job_id, size, confirmed, output_key`

func (s *Postgres) CreateFile(ctx context.Context, f models.FileMeta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (id, storage_key, original_name, content_type, uploaded_at, job_id, size, confirmed, output_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, f.ID, f.StorageKey, f.OriginalName, f.ContentType, f.UploadedAt, emptyToNil(f.JobID), f.Size, f.Confirmed, emptyToNil(f.OutputKey))
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *Postgres) GetFile(ctx context.Context, id string) (models.FileMeta, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id)
	f, err := scanFile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FileMeta{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	return f, err
}

func (s *Postgres) ConfirmFile(ctx context.Context, id string, size int64) (models.FileMeta, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE files SET size = $2, confirmed = TRUE
		WHERE id = $1
		RETURNING `+fileColumns, id, size)
	f, err := scanFile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FileMeta{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	return f, err
}

func (s *Postgres) LinkJob(ctx context.Context, fileIDs []string, jobID string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE files SET job_id = $2, output_key = NULL WHERE id = ANY($1)
	`, fileIDs, jobID)
	if err != nil {
		return fmt.Errorf("link files to job %s: %w", jobID, err)
	}
	if int(tag.RowsAffected()) != len(uniq(fileIDs)) {
		return fmt.Errorf("%w: linking job %s", ErrFileNotFound, jobID)
	}
	return nil
}

func (s *Postgres) SetOutputKey(ctx context.Context, jobID, key string) error {
	_, err := s.pool.Exec(ctx, `UPDATE files SET output_key = $2 WHERE job_id = $1`, jobID, key)
	if err != nil {
		return fmt.Errorf("set output key for job %s: %w", jobID, err)
	}
	return nil
}

func (s *Postgres) FilesForJob(ctx context.Context, jobID string) ([]models.FileMeta, error) {
	return s.query(ctx, `SELECT `+fileColumns+` FROM files WHERE job_id = $1 ORDER BY uploaded_at`, jobID)
}

func (s *Postgres) ListFiles(ctx context.Context) ([]models.FileMeta, error) {
	return s.query(ctx, `SELECT `+fileColumns+` FROM files ORDER BY uploaded_at`)
}

func (s *Postgres) DeleteFile(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	return nil
}

func (s *Postgres) query(ctx context.Context, sql string, args ...any) ([]models.FileMeta, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()
	var out []models.FileMeta
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return out, nil
}

func scanFile(row pgx.Row) (models.FileMeta, error) {
	var f models.FileMeta
	var jobID, outputKey pgtype.Text
	err := row.Scan(&f.ID, &f.StorageKey, &f.OriginalName, &f.ContentType, &f.UploadedAt, &jobID, &f.Size, &f.Confirmed, &outputKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.FileMeta{}, err
		}
		return models.FileMeta{}, fmt.Errorf("scan file: %w", err)
	}
	f.JobID = jobID.String
	f.OutputKey = outputKey.String
	return f, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
