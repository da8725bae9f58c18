package render

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/reelworks/renderd/internal/cache"
	"github.com/reelworks/renderd/internal/manifest"
	"github.com/reelworks/renderd/internal/models"
	"github.com/reelworks/renderd/internal/progress"
	"github.com/reelworks/renderd/internal/services"
	"github.com/reelworks/renderd/internal/storage"
)

// Orchestrator drives one render end to end: resolve inputs, compute the
// manifest fingerprint, short-circuit on a cache hit, otherwise acquire
// clips, compose scenes, assemble the timeline, publish, and write back to
// the cache. Each run owns an exclusive workspace under the temp dir that is
// removed on every exit path.
type Orchestrator struct {
	store      AssetStore
	cache      *cache.Index
	acquirer   *Acquirer
	compositor *Compositor
	assembler  *Assembler
	reporter   *progress.Reporter
	tiers      TierResolver
	billing    BillingHooks

	tempDir       string
	watermarkText string
}

func NewOrchestrator(store AssetStore, cacheIdx *cache.Index, acquirer *Acquirer, compositor *Compositor, assembler *Assembler, reporter *progress.Reporter, tiers TierResolver, billing BillingHooks, tempDir, watermarkText string) *Orchestrator {
	return &Orchestrator{
		store:         store,
		cache:         cacheIdx,
		acquirer:      acquirer,
		compositor:    compositor,
		assembler:     assembler,
		reporter:      reporter,
		tiers:         tiers,
		billing:       billing,
		tempDir:       tempDir,
		watermarkText: watermarkText,
	}
}

// resolvedInputs collects the asset references and local copies the pipeline
// works from.
type resolvedInputs struct {
	Scenes        []sceneInput
	NarrationPath string
	MusicPath     string
	Words         []services.Word

	imageFPs    []string
	narrationFP string
	captionsFP  string
	musicFP     string
}

// Run executes one render. Returns the published artifact path and whether it
// was served from the cache. On error the terminal progress snapshot carries
// the structured failure before Run returns.
func (o *Orchestrator) Run(ctx context.Context, req *models.RenderRequest) (string, bool, error) {
	// Fail fast before any side effects.
	if err := req.Validate(); err != nil {
		return "", false, o.fail(ctx, req.JobID.String(), err)
	}

	jobID := req.JobID.String()

	if err := o.billing.OnReserved(ctx, req.JobID); err != nil {
		return "", false, o.fail(ctx, jobID, models.NewInvalidRequest(fmt.Sprintf("reservation rejected: %v", err)))
	}
	success := false
	defer func() { o.billing.OnSettled(ctx, req.JobID, success) }()

	workspace := filepath.Join(o.tempDir, "job-"+jobID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", false, o.fail(ctx, jobID, models.NewCompositionFailure("failed to create workspace", err))
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			log.Printf("[Orchestrator] Workspace cleanup failed for %s: %v", workspace, err)
		}
	}()

	o.reporter.SetStage(ctx, jobID, models.StageInitializing, 2, "resolving inputs")

	// Tier lookups hit the plan service; a failure here is an outage on our
	// side, not a bad request, so keep it retryable.
	tier, err := o.tiers.ResolveTier(ctx, req.ProjectID)
	if err != nil {
		return "", false, o.fail(ctx, jobID, models.NewCompositionFailure("tier resolution failed", err))
	}
	clamped := req.Resolution.ClampTo(tier.MaxWidth, tier.MaxHeight)
	if clamped != req.Resolution {
		log.Printf("[Orchestrator] Job %s: resolution clamped %s -> %s (tier %s)", jobID, req.Resolution, clamped, tier.Name)
	}

	profile, err := models.ResolveEncodeProfile(req.ExportPreset)
	if err != nil {
		return "", false, o.fail(ctx, jobID, err)
	}

	inputs, err := o.resolveInputs(ctx, req, workspace)
	if err != nil {
		return "", false, o.fail(ctx, jobID, err)
	}
	o.reporter.SetStage(ctx, jobID, models.StageInitializing, 8, "computing render fingerprint")

	m, err := manifest.Build(req, clamped, tier.Watermark, inputs.imageFPs, inputs.narrationFP, inputs.captionsFP, inputs.musicFP)
	if err != nil {
		return "", false, o.fail(ctx, jobID, models.NewInvalidRequest(err.Error()))
	}
	fingerprint := m.Fingerprint()
	artifactPath := storage.ArtifactPath(req.ProjectID.String())

	o.reporter.SetStage(ctx, jobID, models.StageInitializing, 10, "fingerprint "+fingerprint[:12])

	if !req.Force && o.cache.Has(ctx, fingerprint) {
		log.Printf("[Orchestrator] Job %s: cache hit for %s, skipping render", jobID, fingerprint[:12])
		if err := o.cache.Fetch(ctx, fingerprint, artifactPath); err != nil {
			return "", false, o.fail(ctx, jobID, models.NewPublishFailure("failed to publish cached artifact", err))
		}
		o.reporter.Finish(ctx, jobID, artifactPath, true)
		success = true
		return artifactPath, true, nil
	}

	if req.Force {
		if err := o.acquirer.clips.DeleteSceneClips(ctx, req.ProjectID); err != nil {
			log.Printf("[Orchestrator] Job %s: failed to drop stored clips on force re-render: %v", jobID, err)
		}
	}

	// Clip band (10-75): local compositing skips it entirely.
	var clips map[int]string
	if req.Engine.UsesRemoteClips() {
		o.reporter.SetStage(ctx, jobID, models.StageClipAcquisition, 10, "acquiring motion clips")
		clips = o.acquirer.AcquireAll(ctx, jobID, req, inputs.Scenes, clamped, workspace)
		if ctx.Err() != nil {
			return "", false, o.fail(ctx, jobID, models.NewCompositionFailure("render cancelled", ctx.Err()))
		}
	} else {
		clips = map[int]string{}
	}

	o.reporter.SetStage(ctx, jobID, models.StageComposing, 75, "composing scenes")
	plan := segmentPlan{
		Resolution:    clamped,
		Profile:       profile,
		Tier:          tier,
		WatermarkText: o.watermarkText,
		Words:         inputs.Words,
	}
	segments, err := o.compositor.ComposeAll(ctx, jobID, inputs.Scenes, clips, plan, workspace)
	if err != nil {
		return "", false, o.fail(ctx, jobID, err)
	}

	o.reporter.SetStage(ctx, jobID, models.StageAssembling, 88, "assembling timeline")
	moviePath, err := o.assembler.Assemble(ctx, segments, inputs.NarrationPath, inputs.MusicPath, req.TotalDurationSec(), profile, workspace)
	if err != nil {
		return "", false, o.fail(ctx, jobID, err)
	}
	o.reporter.SetStage(ctx, jobID, models.StageAssembling, 92, "timeline ready")

	o.reporter.SetStage(ctx, jobID, models.StageUploading, 94, "publishing artifact")
	if err := o.store.UploadFile(ctx, artifactPath, moviePath, "video/mp4"); err != nil {
		return "", false, o.fail(ctx, jobID, models.NewPublishFailure("artifact upload failed", err))
	}

	// Write-back is advisory; the publish above is the source of truth.
	o.cache.Store(ctx, fingerprint, artifactPath)

	o.reporter.Finish(ctx, jobID, artifactPath, false)
	success = true
	log.Printf("[Orchestrator] Job %s: render complete, artifact at %s", jobID, artifactPath)
	return artifactPath, false, nil
}

// resolveInputs resolves every referenced asset to a fingerprinted reference
// and stages local copies in the workspace. Any unresolvable asset fails the
// render before expensive work starts.
func (o *Orchestrator) resolveInputs(ctx context.Context, req *models.RenderRequest, workspace string) (*resolvedInputs, error) {
	inputs := &resolvedInputs{}

	for i, scene := range req.Scenes {
		ref, err := o.store.Resolve(ctx, scene.ImageAsset)
		if err != nil {
			return nil, models.NewAssetUnresolved(scene.ImageAsset, err)
		}
		localPath := filepath.Join(workspace, fmt.Sprintf("image-%d%s", i, filepath.Ext(scene.ImageAsset)))
		if err := o.store.DownloadTo(ctx, ref.Path, localPath); err != nil {
			return nil, models.NewAssetUnresolved(scene.ImageAsset, err)
		}
		inputs.Scenes = append(inputs.Scenes, sceneInput{
			Index:     i,
			Scene:     scene,
			Image:     ref,
			ImagePath: localPath,
		})
		inputs.imageFPs = append(inputs.imageFPs, ref.Fingerprint)
	}

	narrRef, err := o.store.Resolve(ctx, req.NarrationAsset)
	if err != nil {
		return nil, models.NewAssetUnresolved(req.NarrationAsset, err)
	}
	inputs.NarrationPath = filepath.Join(workspace, "narration"+filepath.Ext(req.NarrationAsset))
	if err := o.store.DownloadTo(ctx, narrRef.Path, inputs.NarrationPath); err != nil {
		return nil, models.NewAssetUnresolved(req.NarrationAsset, err)
	}
	inputs.narrationFP = narrRef.Fingerprint

	capRef, err := o.store.Resolve(ctx, req.CaptionAsset)
	if err != nil {
		return nil, models.NewAssetUnresolved(req.CaptionAsset, err)
	}
	capData, err := o.store.Download(ctx, capRef.Path)
	if err != nil {
		return nil, models.NewAssetUnresolved(req.CaptionAsset, err)
	}
	words, err := services.ParseWordTimestamps(capData)
	if err != nil {
		return nil, models.NewAssetUnresolved(req.CaptionAsset, err)
	}
	inputs.Words = words
	inputs.captionsFP = capRef.Fingerprint

	if req.MusicAsset != nil && *req.MusicAsset != "" {
		musicRef, err := o.store.Resolve(ctx, *req.MusicAsset)
		if err != nil {
			return nil, models.NewAssetUnresolved(*req.MusicAsset, err)
		}
		inputs.MusicPath = filepath.Join(workspace, "music"+filepath.Ext(*req.MusicAsset))
		if err := o.store.DownloadTo(ctx, musicRef.Path, inputs.MusicPath); err != nil {
			return nil, models.NewAssetUnresolved(*req.MusicAsset, err)
		}
		inputs.musicFP = musicRef.Fingerprint
	}

	return inputs, nil
}

// fail persists the terminal failure snapshot and returns the classified
// error.
func (o *Orchestrator) fail(ctx context.Context, jobID string, err error) error {
	rerr := models.AsRenderError(err)
	log.Printf("[Orchestrator] Job %s: render failed (%s): %v", jobID, rerr.Kind, rerr)
	o.reporter.Fail(ctx, jobID, rerr)
	return rerr
}
