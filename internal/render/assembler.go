package render

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/reelworks/renderd/internal/models"
)

// durationToleranceMs is how far the probed artifact duration may drift from
// the declared timeline before the render is treated as corrupt.
const durationToleranceMs = 1000

// Assembler joins the composed segments into the final timeline and lays the
// audio tracks under it. The timeline length is the declared sum of scene
// durations, never measured from the media, so the output duration is
// deterministic.
type Assembler struct {
	engine MediaEngine
}

func NewAssembler(engine MediaEngine) *Assembler {
	return &Assembler{engine: engine}
}

// Assemble concatenates segments in order, then muxes narration (and music,
// when present, ducked under it). Returns the local path of the finished
// movie.
func (a *Assembler) Assemble(ctx context.Context, segments []string, narrationPath, musicPath string, totalDurationSec int, profile models.EncodeProfile, workspace string) (string, error) {
	timelinePath := filepath.Join(workspace, "timeline.mp4")
	moviePath := filepath.Join(workspace, "movie.mp4")

	log.Printf("[Assembler] Concatenating %d segments (%ds timeline)", len(segments), totalDurationSec)
	if err := a.engine.ConcatSegments(ctx, segments, timelinePath); err != nil {
		return "", models.NewCompositionFailure("segment concatenation failed", err)
	}

	if err := a.engine.MuxAudio(ctx, timelinePath, narrationPath, musicPath, moviePath, totalDurationSec, profile); err != nil {
		return "", models.NewCompositionFailure("audio mux failed", err)
	}

	// Sanity-check the finished movie against the declared timeline before it
	// is published anywhere.
	probedMs, err := a.engine.ProbeDurationMs(ctx, moviePath)
	if err != nil {
		return "", models.NewCompositionFailure("failed to probe assembled movie", err)
	}
	wantMs := totalDurationSec * 1000
	if diff := probedMs - wantMs; diff < -durationToleranceMs || diff > durationToleranceMs {
		return "", models.NewCompositionFailure(
			fmt.Sprintf("assembled duration %dms deviates from declared %dms", probedMs, wantMs), nil)
	}

	return moviePath, nil
}
