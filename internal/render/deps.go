package render

import (
	"context"

	"github.com/google/uuid"
	"github.com/reelworks/renderd/internal/models"
	"github.com/reelworks/renderd/internal/services"
	"github.com/reelworks/renderd/internal/storage"
)

// Collaborator boundaries for the render pipeline. Production wiring uses the
// concrete storage, db, and ffmpeg services; tests substitute fakes.

// AssetStore is the object storage surface the pipeline needs: resolving
// inputs, moving clips and artifacts, and server-side copies for the cache.
type AssetStore interface {
	Resolve(ctx context.Context, objectPath string) (*storage.AssetRef, error)
	Exists(ctx context.Context, objectPath string) (bool, error)
	Copy(ctx context.Context, src, dst string) error
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error
	UploadFile(ctx context.Context, objectPath, localPath string, contentType string) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	DownloadTo(ctx context.Context, objectPath, localPath string) error
	PublicURL(objectPath string) string
}

// ClipStore persists per-scene clip records so generated clips survive across
// renders of the same project.
type ClipStore interface {
	GetSceneClip(ctx context.Context, projectID uuid.UUID, sceneIndex int) (*models.SceneClip, error)
	UpsertSceneClip(ctx context.Context, clip *models.SceneClip) error
	DeleteSceneClips(ctx context.Context, projectID uuid.UUID) error
}

// MediaEngine is the local compositing surface, implemented by the ffmpeg
// service.
type MediaEngine interface {
	ComposeFromClip(ctx context.Context, clipPath, outputPath string, opts services.ComposeOptions) error
	ComposeFromImage(ctx context.Context, imagePath, outputPath string, camera models.CameraMotion, opts services.ComposeOptions) error
	ConcatSegments(ctx context.Context, segmentPaths []string, outputPath string) error
	MuxAudio(ctx context.Context, videoPath, narrationPath, musicPath, outputPath string, totalDurationSec int, profile models.EncodeProfile) error
	ProbeDurationMs(ctx context.Context, path string) (int, error)
}

// TierResolver maps a project to its plan policy before the manifest is
// computed.
type TierResolver interface {
	ResolveTier(ctx context.Context, projectID uuid.UUID) (models.Tier, error)
}

// StaticTierResolver returns the same tier for every project. It is the
// config-backed default until plans live somewhere real.
type StaticTierResolver struct {
	Tier models.Tier
}

func (r StaticTierResolver) ResolveTier(_ context.Context, _ uuid.UUID) (models.Tier, error) {
	return r.Tier, nil
}

// BillingHooks bracket a render run for usage accounting. OnReserved may
// reject the run; OnSettled always fires with the outcome.
type BillingHooks interface {
	OnReserved(ctx context.Context, jobID uuid.UUID) error
	OnSettled(ctx context.Context, jobID uuid.UUID, success bool)
}

// NopBilling is the default when no billing system is attached.
type NopBilling struct{}

func (NopBilling) OnReserved(_ context.Context, _ uuid.UUID) error { return nil }
func (NopBilling) OnSettled(_ context.Context, _ uuid.UUID, _ bool) {}
