package models

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func validRequest() RenderRequest {
	return RenderRequest{
		JobID:     uuid.New(),
		ProjectID: uuid.New(),
		Scenes: []SceneSpec{
			{DurationSec: 4, Camera: CameraZoomIn, Transition: TransitionCut, ImageAsset: "scene-0.png"},
			{DurationSec: 3, Camera: CameraPanLeft, Transition: TransitionFade, ImageAsset: "scene-1.png"},
		},
		NarrationAsset: "narration.mp3",
		CaptionAsset:   "captions.json",
		Resolution:     Resolution{Width: 1080, Height: 1920},
		ExportPreset:   "standard",
		Engine:         EngineRemoteClip,
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	req := validRequest()
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RenderRequest)
	}{
		{"missing project", func(r *RenderRequest) { r.ProjectID = uuid.Nil }},
		{"no scenes", func(r *RenderRequest) { r.Scenes = nil }},
		{"duration too short", func(r *RenderRequest) { r.Scenes[0].DurationSec = 0 }},
		{"duration too long", func(r *RenderRequest) { r.Scenes[0].DurationSec = 13 }},
		{"bad camera", func(r *RenderRequest) { r.Scenes[0].Camera = "dolly" }},
		{"bad transition", func(r *RenderRequest) { r.Scenes[1].Transition = "wipe" }},
		{"missing image", func(r *RenderRequest) { r.Scenes[0].ImageAsset = "" }},
		{"missing narration", func(r *RenderRequest) { r.NarrationAsset = "" }},
		{"missing captions", func(r *RenderRequest) { r.CaptionAsset = "" }},
		{"zero resolution", func(r *RenderRequest) { r.Resolution = Resolution{} }},
		{"bad engine", func(r *RenderRequest) { r.Engine = "gpu" }},
		{"missing preset", func(r *RenderRequest) { r.ExportPreset = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			err := req.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var re *RenderError
			if !errors.As(err, &re) || re.Kind != ErrInvalidRequest {
				t.Fatalf("expected invalid_request, got %v", err)
			}
			if re.Retryable() {
				t.Error("validation errors must not be retryable")
			}
		})
	}
}

func TestTotalDurationSec(t *testing.T) {
	req := validRequest()
	if got := req.TotalDurationSec(); got != 7 {
		t.Errorf("expected 7s timeline, got %d", got)
	}
}

func TestResolutionClamp(t *testing.T) {
	r := Resolution{Width: 2160, Height: 3840}

	clamped := r.ClampTo(1080, 1920)
	if clamped.Width != 1080 || clamped.Height != 1920 {
		t.Errorf("expected 1080x1920, got %s", clamped)
	}

	// Already within ceiling: unchanged
	small := Resolution{Width: 720, Height: 1280}
	if got := small.ClampTo(1080, 1920); got != small {
		t.Errorf("expected unchanged resolution, got %s", got)
	}

	// Aspect preserved, dimensions even
	wide := Resolution{Width: 1920, Height: 1080}
	got := wide.ClampTo(1280, 1280)
	if got.Width != 1280 || got.Height%2 != 0 {
		t.Errorf("unexpected clamp result %s", got)
	}
}

func TestResolveEncodeProfile(t *testing.T) {
	p, err := ResolveEncodeProfile("standard")
	if err != nil {
		t.Fatalf("resolve standard: %v", err)
	}
	if p.VideoCodec != "libx264" || p.FPS != 30 {
		t.Errorf("unexpected profile %+v", p)
	}

	if _, err := ResolveEncodeProfile("ultra"); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestRenderErrorClassification(t *testing.T) {
	fatal := NewAssetUnresolved("narration.mp3", errors.New("404"))
	if fatal.Retryable() {
		t.Error("asset_unresolved must be non-retryable")
	}

	transient := NewPublishFailure("upload failed", errors.New("503"))
	if !transient.Retryable() {
		t.Error("publish_failure must be retryable")
	}

	wrapped := AsRenderError(errors.New("boom"))
	if wrapped.Kind != ErrCompositionFailure {
		t.Errorf("unclassified errors should map to composition_failure, got %s", wrapped.Kind)
	}

	pe := transient.AsProgressError()
	if pe.Kind != ErrPublishFailure || !pe.Retryable {
		t.Errorf("unexpected progress error %+v", pe)
	}
}
