package services

import (
	"context"

	"github.com/reelworks/renderd/internal/models"
)

// ClipRequest describes one scene's motion clip: a source still plus the
// motion the model should animate. Generators read whichever image form they
// need: Grok takes a public URL, Veo takes raw bytes.
type ClipRequest struct {
	Prompt        string
	ImageURL      string
	ImageData     []byte
	ImageMimeType string
	DurationSec   int
	Resolution    models.Resolution
}

// ClipGenerator is one remote video model. Generators block until the clip is
// ready (submit, poll, download) and honor ctx for cancellation; a failed
// generation is an ordinary error so the caller can move down its model
// chain.
type ClipGenerator interface {
	// ModelID identifies the generator in logs, clip records, and fallback
	// ordering (e.g. "grok-imagine-video").
	ModelID() string

	GenerateClip(ctx context.Context, req ClipRequest) ([]byte, error)
}

// aspectRatioFor maps a target resolution to the nearest aspect ratio string
// the video models accept.
func aspectRatioFor(res models.Resolution) string {
	if res.Width <= 0 || res.Height <= 0 {
		return "9:16"
	}
	ratio := float64(res.Width) / float64(res.Height)
	switch {
	case ratio > 1.4:
		return "16:9"
	case ratio > 0.8:
		return "1:1"
	default:
		return "9:16"
	}
}
