package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/renderd/internal/models"
)

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO render_jobs (
			id, project_id, status, attempts
		) VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		job.ID, job.ProjectID, job.Status, job.Attempts,
	).Scan(&job.CreatedAt)
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `
		SELECT
			id, project_id, status, attempts, artifact_path, cached,
			error_kind, error_message, started_at, finished_at, created_at
		FROM render_jobs
		WHERE id = $1
	`

	job := &models.Job{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.ProjectID, &job.Status, &job.Attempts,
		&job.ArtifactPath, &job.Cached, &job.ErrorKind, &job.ErrorMessage,
		&job.StartedAt, &job.FinishedAt, &job.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

func (db *DB) MarkJobRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE render_jobs
		SET status = $1, started_at = $2, attempts = attempts + 1
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.JobStatusRunning, time.Now(), id)
	return err
}

// MarkJobSucceeded records the published artifact and whether it came from
// the content-addressed cache.
func (db *DB) MarkJobSucceeded(ctx context.Context, id uuid.UUID, artifactPath string, cached bool) error {
	query := `
		UPDATE render_jobs
		SET status = $1, artifact_path = $2, cached = $3, finished_at = $4
		WHERE id = $5
	`
	_, err := db.ExecContext(ctx, query, models.JobStatusSucceeded, artifactPath, cached, time.Now(), id)
	return err
}

func (db *DB) MarkJobFailed(ctx context.Context, id uuid.UUID, kind models.ErrorKind, message string) error {
	query := `
		UPDATE render_jobs
		SET status = $1, error_kind = $2, error_message = $3, finished_at = $4
		WHERE id = $5
	`
	_, err := db.ExecContext(ctx, query, models.JobStatusFailed, string(kind), message, time.Now(), id)
	return err
}
