package render

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reelworks/renderd/internal/models"
	"github.com/reelworks/renderd/internal/progress"
	"github.com/reelworks/renderd/internal/services"
	"github.com/reelworks/renderd/internal/storage"
)

const (
	// Upper bound on one model candidate's attempt, covering submit, poll,
	// and download. Generators carry their own poll deadlines below this.
	perCandidateTimeout = 6 * time.Minute

	// Concurrent clip uploads to object storage.
	maxConcurrentUploads = 2
)

// Acquirer obtains one motion clip per scene: reuse a previously generated
// clip when it is still valid, otherwise walk the ordered model candidate
// chain. A scene whose every candidate fails is left clipless; the compositor
// falls back to camera-motion synthesis for it. Acquisition failures are
// data, never fatal.
type Acquirer struct {
	store      AssetStore
	clips      ClipStore
	generators []services.ClipGenerator
	reporter   *progress.Reporter
	workers    int

	uploadSem chan struct{}
}

func NewAcquirer(store AssetStore, clips ClipStore, generators []services.ClipGenerator, reporter *progress.Reporter, workers int) *Acquirer {
	if workers < 1 {
		workers = 1
	}
	return &Acquirer{
		store:      store,
		clips:      clips,
		generators: generators,
		reporter:   reporter,
		workers:    workers,
		uploadSem:  make(chan struct{}, maxConcurrentUploads),
	}
}

// sceneInput is everything the acquirer needs for one scene.
type sceneInput struct {
	Index     int
	Scene     models.SceneSpec
	Image     *storage.AssetRef
	ImagePath string // local copy in the workspace
}

// AcquireAll fetches or generates clips for all scenes with bounded
// concurrency and returns local clip paths keyed by scene index. Missing
// indices mean every candidate failed for that scene.
//
// Job progress advances through the clip band as scenes finish, whatever
// their outcome.
func (a *Acquirer) AcquireAll(ctx context.Context, jobID string, req *models.RenderRequest, scenes []sceneInput, res models.Resolution, workspace string) map[int]string {
	if len(a.generators) == 0 {
		log.Printf("[ClipAcquire] No clip generators configured, all %d scenes will use camera-motion fallback", len(scenes))
		return map[int]string{}
	}

	var (
		mu        sync.Mutex
		acquired  = make(map[int]string)
		completed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for _, in := range scenes {
		in := in
		g.Go(func() error {
			localPath, err := a.acquireScene(gctx, jobID, req, in, res, workspace)

			mu.Lock()
			if err == nil {
				acquired[in.Index] = localPath
			}
			completed++
			done := completed
			mu.Unlock()

			if err != nil {
				log.Printf("[ClipAcquire] Scene %d: all candidates exhausted, will fall back to camera motion: %v", in.Index, err)
			}

			// 10-75 band: advance with scene completions regardless of outcome.
			percent := 10 + (65*done)/len(scenes)
			a.reporter.SetStage(gctx, jobID, models.StageClipAcquisition, percent,
				fmt.Sprintf("clips %d/%d", done, len(scenes)))

			// Only cancellation propagates; per-scene failures are absorbed.
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("[ClipAcquire] Acquisition cancelled: %v", err)
	}

	log.Printf("[ClipAcquire] Acquired %d/%d clips", len(acquired), len(scenes))
	return acquired
}

// acquireScene resolves one scene's clip: durable reuse first, then the
// candidate chain. Returns the local path of the clip in the workspace.
func (a *Acquirer) acquireScene(ctx context.Context, jobID string, req *models.RenderRequest, in sceneInput, res models.Resolution, workspace string) (string, error) {
	localPath := filepath.Join(workspace, fmt.Sprintf("clip-%d.mp4", in.Index))

	if !req.Force {
		if path, ok := a.reusable(ctx, req, in); ok {
			if err := a.store.DownloadTo(ctx, path, localPath); err == nil {
				log.Printf("[ClipAcquire] Scene %d: reusing stored clip %s", in.Index, path)
				a.reporter.SetScene(ctx, jobID, in.Index, 100)
				return localPath, nil
			}
			log.Printf("[ClipAcquire] Scene %d: stored clip %s unreadable, regenerating", in.Index, path)
		}
	}

	prompt := ""
	if in.Scene.MotionPrompt != nil {
		prompt = *in.Scene.MotionPrompt
	}

	imageData, err := os.ReadFile(in.ImagePath)
	if err != nil {
		return "", fmt.Errorf("failed to read scene image: %w", err)
	}

	clipReq := services.ClipRequest{
		Prompt:        prompt,
		ImageURL:      a.store.PublicURL(in.Image.Path),
		ImageData:     imageData,
		ImageMimeType: mimeTypeFor(in.Image.Path),
		DurationSec:   in.Scene.DurationSec,
		Resolution:    res,
	}

	a.reporter.SetScene(ctx, jobID, in.Index, 5)

	var lastErr error
	for _, gen := range a.generators {
		clip, err := a.tryCandidate(ctx, gen, clipReq)
		if err != nil {
			log.Printf("[ClipAcquire] Scene %d: model %s failed: %v", in.Index, gen.ModelID(), err)
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}

		a.reporter.SetScene(ctx, jobID, in.Index, 70)

		if err := os.WriteFile(localPath, clip, 0o644); err != nil {
			return "", fmt.Errorf("failed to write clip: %w", err)
		}

		a.persistClip(ctx, req.ProjectID, in, gen.ModelID(), localPath)
		a.reporter.SetScene(ctx, jobID, in.Index, 100)
		return localPath, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no clip generators configured")
	}
	return "", models.NewClipGenerationFailed(in.Index, lastErr)
}

// reusable reports whether a durable clip for this scene can be reused: the
// record exists, the source still is unchanged, and the object is present.
func (a *Acquirer) reusable(ctx context.Context, req *models.RenderRequest, in sceneInput) (string, bool) {
	row, err := a.clips.GetSceneClip(ctx, req.ProjectID, in.Index)
	if err != nil {
		log.Printf("[ClipAcquire] Scene %d: clip lookup failed, regenerating: %v", in.Index, err)
		return "", false
	}
	if row == nil {
		return "", false
	}
	if row.SourceFP != in.Image.Fingerprint || row.DurationSec != in.Scene.DurationSec {
		return "", false
	}
	ok, err := a.store.Exists(ctx, row.StoragePath)
	if err != nil || !ok {
		return "", false
	}
	return row.StoragePath, true
}

// tryCandidate runs one generator under the per-candidate timeout.
func (a *Acquirer) tryCandidate(ctx context.Context, gen services.ClipGenerator, clipReq services.ClipRequest) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, perCandidateTimeout)
	defer cancel()
	return gen.GenerateClip(cctx, clipReq)
}

// persistClip uploads the clip for reuse by later renders and records it.
// Persistence failures degrade to a warning: the render still has its local
// copy.
func (a *Acquirer) persistClip(ctx context.Context, projectID uuid.UUID, in sceneInput, modelID, localPath string) {
	a.uploadSem <- struct{}{}
	defer func() { <-a.uploadSem }()

	objectPath := storage.ClipPath(projectID.String(), in.Index)

	if err := a.store.UploadFile(ctx, objectPath, localPath, "video/mp4"); err != nil {
		log.Printf("[ClipAcquire] Scene %d: clip upload failed (kept local only): %v", in.Index, err)
		return
	}

	clip := &models.SceneClip{
		ProjectID:   projectID,
		SceneIndex:  in.Index,
		StoragePath: objectPath,
		ModelID:     modelID,
		SourceFP:    in.Image.Fingerprint,
		DurationSec: in.Scene.DurationSec,
	}
	if err := a.clips.UpsertSceneClip(ctx, clip); err != nil {
		log.Printf("[ClipAcquire] Scene %d: clip record upsert failed: %v", in.Index, err)
	}
}

func mimeTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
