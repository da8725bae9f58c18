package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/reelworks/renderd/internal/models"
)

// Scene clips are durable across renders of a project: a second render with
// force=false reuses them without touching the remote generation service.
// The (project_id, scene_index) pair is the natural key.

func (db *DB) UpsertSceneClip(ctx context.Context, clip *models.SceneClip) error {
	query := `
		INSERT INTO scene_clips (
			project_id, scene_index, storage_path, model_id,
			source_fingerprint, duration_sec
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, scene_index) DO UPDATE SET
			storage_path = EXCLUDED.storage_path,
			model_id = EXCLUDED.model_id,
			source_fingerprint = EXCLUDED.source_fingerprint,
			duration_sec = EXCLUDED.duration_sec,
			created_at = now()
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		clip.ProjectID, clip.SceneIndex, clip.StoragePath, clip.ModelID,
		clip.SourceFP, clip.DurationSec,
	).Scan(&clip.CreatedAt)
}

func (db *DB) GetSceneClip(ctx context.Context, projectID uuid.UUID, sceneIndex int) (*models.SceneClip, error) {
	query := `
		SELECT
			project_id, scene_index, storage_path, model_id,
			source_fingerprint, duration_sec, created_at
		FROM scene_clips
		WHERE project_id = $1 AND scene_index = $2
	`

	clip := &models.SceneClip{}
	err := db.QueryRowContext(ctx, query, projectID, sceneIndex).Scan(
		&clip.ProjectID, &clip.SceneIndex, &clip.StoragePath, &clip.ModelID,
		&clip.SourceFP, &clip.DurationSec, &clip.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene clip: %w", err)
	}

	return clip, nil
}

// DeleteSceneClips drops all clip rows for a project; used when a force
// re-render invalidates previously generated clips.
func (db *DB) DeleteSceneClips(ctx context.Context, projectID uuid.UUID) error {
	_, err := db.ExecContext(ctx, `DELETE FROM scene_clips WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete scene clips: %w", err)
	}
	return nil
}
