package render

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/reelworks/renderd/internal/models"
	"github.com/reelworks/renderd/internal/progress"
	"github.com/reelworks/renderd/internal/services"
)

// Compositor turns each scene into a uniform silent segment: generated clips
// are conformed to the scene's exact duration, clipless scenes get
// camera-motion synthesis from their still. Captions and the tier watermark
// are burned in here; the compositor owns the watermark decision so callers
// cannot skip it.
type Compositor struct {
	engine   MediaEngine
	reporter *progress.Reporter
}

func NewCompositor(engine MediaEngine, reporter *progress.Reporter) *Compositor {
	return &Compositor{engine: engine, reporter: reporter}
}

// segmentPlan is the per-render composition context shared by all scenes.
type segmentPlan struct {
	Resolution    models.Resolution
	Profile       models.EncodeProfile
	Tier          models.Tier
	WatermarkText string
	Words         []services.Word // full-timeline caption words
}

// ComposeAll renders every scene to a segment in order and returns the
// segment paths. Any scene failing to compose fails the render; unlike clip
// acquisition there is no further fallback below local synthesis.
func (c *Compositor) ComposeAll(ctx context.Context, jobID string, scenes []sceneInput, clips map[int]string, plan segmentPlan, workspace string) ([]string, error) {
	segments := make([]string, 0, len(scenes))
	startMs := 0

	for i, in := range scenes {
		endMs := startMs + in.Scene.DurationSec*1000

		// A fade transition is split across the join: the outgoing scene fades
		// out and the incoming one fades in.
		fadeIn := i > 0 && scenes[i-1].Scene.Transition == models.TransitionFade
		fadeOut := i < len(scenes)-1 && in.Scene.Transition == models.TransitionFade

		segPath, err := c.composeScene(ctx, in, clips[in.Index], plan, startMs, endMs, fadeIn, fadeOut, workspace)
		if err != nil {
			return nil, models.NewCompositionFailure(fmt.Sprintf("scene %d composition failed", in.Index), err)
		}

		segments = append(segments, segPath)
		startMs = endMs

		c.reporter.SetScene(ctx, jobID, in.Index, 100)
		// 75-88 band.
		percent := 75 + (13*(i+1))/len(scenes)
		c.reporter.SetStage(ctx, jobID, models.StageComposing, percent,
			fmt.Sprintf("composed %d/%d scenes", i+1, len(scenes)))
	}

	return segments, nil
}

func (c *Compositor) composeScene(ctx context.Context, in sceneInput, clipPath string, plan segmentPlan, startMs, endMs int, fadeIn, fadeOut bool, workspace string) (string, error) {
	segPath := filepath.Join(workspace, fmt.Sprintf("segment-%d.mp4", in.Index))

	opts := services.ComposeOptions{
		DurationSec: in.Scene.DurationSec,
		Resolution:  plan.Resolution,
		Profile:     plan.Profile,
		FadeIn:      fadeIn,
		FadeOut:     fadeOut,
	}
	if plan.Tier.Watermark {
		opts.Watermark = plan.WatermarkText
	}

	if words := services.SliceWords(plan.Words, startMs, endMs); len(words) > 0 {
		assPath := filepath.Join(workspace, fmt.Sprintf("captions-%d.ass", in.Index))
		if err := os.WriteFile(assPath, []byte(services.BuildASS(words, plan.Resolution)), 0o644); err != nil {
			return "", fmt.Errorf("failed to write caption file: %w", err)
		}
		opts.SubtitlePath = assPath
	}

	if clipPath != "" {
		log.Printf("[Compositor] Scene %d: conforming generated clip", in.Index)
		if err := c.engine.ComposeFromClip(ctx, clipPath, segPath, opts); err != nil {
			return "", err
		}
		return segPath, nil
	}

	log.Printf("[Compositor] Scene %d: synthesizing %s camera motion", in.Index, in.Scene.Camera)
	if err := c.engine.ComposeFromImage(ctx, in.ImagePath, segPath, in.Scene.Camera, opts); err != nil {
		return "", err
	}
	return segPath, nil
}
