package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums

// Engine selects how scene visuals are produced.
type Engine string

const (
	// EngineLocalComposite renders every scene from its still image with
	// camera-motion synthesis; no remote clip generation is attempted.
	EngineLocalComposite Engine = "local_composite"
	// EngineRemoteClip requests a motion clip from the remote generation
	// service for each scene, falling back to camera-motion synthesis per
	// scene when all candidates fail.
	EngineRemoteClip Engine = "remote_clip"
	// EngineAutoClips is local compositing that opportunistically reuses
	// previously generated clips and requests new ones when missing.
	EngineAutoClips Engine = "local_composite_autoclips"
)

func (e Engine) UsesRemoteClips() bool {
	return e == EngineRemoteClip || e == EngineAutoClips
}

// CameraMotion is the synthetic motion applied to a still image when a scene
// has no generated clip.
type CameraMotion string

const (
	CameraStatic   CameraMotion = "static"
	CameraZoomIn   CameraMotion = "zoom_in"
	CameraZoomOut  CameraMotion = "zoom_out"
	CameraPanLeft  CameraMotion = "pan_left"
	CameraPanRight CameraMotion = "pan_right"
)

// Transition is the join style between consecutive scenes.
type Transition string

const (
	TransitionCut  Transition = "cut"
	TransitionFade Transition = "fade"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Stage is the orchestrator state a render is currently in.
type Stage string

const (
	StageIdle            Stage = "idle"
	StageInitializing    Stage = "initializing"
	StageClipAcquisition Stage = "clip_acquisition"
	StageComposing       Stage = "composing"
	StageAssembling      Stage = "assembling"
	StageUploading       Stage = "uploading"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// Scene duration bounds in seconds.
const (
	MinSceneDurationSec = 1
	MaxSceneDurationSec = 12
)

// SceneSpec describes one storyboard unit: a duration, a camera motion used
// when no clip is available, a transition into the next scene, and an
// optional text prompt forwarded to remote clip generation.
type SceneSpec struct {
	DurationSec  int          `json:"duration_sec"`
	Camera       CameraMotion `json:"camera"`
	Transition   Transition   `json:"transition"`
	ImageAsset   string       `json:"image_asset"`
	MotionPrompt *string      `json:"motion_prompt,omitempty"`
}

// Resolution is a target output size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ClampTo shrinks the resolution to fit within a ceiling, preserving the
// requested aspect ratio and keeping dimensions even for the encoder.
func (r Resolution) ClampTo(maxW, maxH int) Resolution {
	if maxW <= 0 || maxH <= 0 {
		return r
	}
	if r.Width <= maxW && r.Height <= maxH {
		return r
	}
	scaleW := float64(maxW) / float64(r.Width)
	scaleH := float64(maxH) / float64(r.Height)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	w := int(float64(r.Width)*scale) &^ 1
	h := int(float64(r.Height)*scale) &^ 1
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return Resolution{Width: w, Height: h}
}

// RenderRequest is the immutable input for one render attempt.
type RenderRequest struct {
	JobID          uuid.UUID   `json:"job_id"`
	ProjectID      uuid.UUID   `json:"project_id"`
	Scenes         []SceneSpec `json:"scenes"`
	NarrationAsset string      `json:"narration_asset"`
	CaptionAsset   string      `json:"caption_asset"`
	MusicAsset     *string     `json:"music_asset,omitempty"`
	Resolution     Resolution  `json:"resolution"`
	ExportPreset   string      `json:"export_preset"`
	Engine         Engine      `json:"engine"`
	Force          bool        `json:"force"`
}

// Validate checks field ranges before any side effects happen.
func (r *RenderRequest) Validate() error {
	if r.ProjectID == uuid.Nil {
		return NewInvalidRequest("project_id is required")
	}
	if len(r.Scenes) == 0 {
		return NewInvalidRequest("at least one scene is required")
	}
	for i, s := range r.Scenes {
		if s.DurationSec < MinSceneDurationSec || s.DurationSec > MaxSceneDurationSec {
			return NewInvalidRequest(fmt.Sprintf("scene %d: duration %ds out of range [%d,%d]", i, s.DurationSec, MinSceneDurationSec, MaxSceneDurationSec))
		}
		switch s.Camera {
		case CameraStatic, CameraZoomIn, CameraZoomOut, CameraPanLeft, CameraPanRight:
		default:
			return NewInvalidRequest(fmt.Sprintf("scene %d: unknown camera motion %q", i, s.Camera))
		}
		switch s.Transition {
		case TransitionCut, TransitionFade:
		default:
			return NewInvalidRequest(fmt.Sprintf("scene %d: unknown transition %q", i, s.Transition))
		}
		if s.ImageAsset == "" {
			return NewInvalidRequest(fmt.Sprintf("scene %d: image_asset is required", i))
		}
	}
	if r.NarrationAsset == "" {
		return NewInvalidRequest("narration_asset is required")
	}
	if r.CaptionAsset == "" {
		return NewInvalidRequest("caption_asset is required")
	}
	if r.Resolution.Width <= 0 || r.Resolution.Height <= 0 {
		return NewInvalidRequest("resolution must be positive")
	}
	switch r.Engine {
	case EngineLocalComposite, EngineRemoteClip, EngineAutoClips:
	default:
		return NewInvalidRequest(fmt.Sprintf("unknown engine %q", r.Engine))
	}
	if r.ExportPreset == "" {
		return NewInvalidRequest("export_preset is required")
	}
	return nil
}

// TotalDurationSec is the deterministic timeline length: the sum of scene
// durations. The assembler trims audio to this value.
func (r *RenderRequest) TotalDurationSec() int {
	total := 0
	for _, s := range r.Scenes {
		total += s.DurationSec
	}
	return total
}

// EncodeProfile is an export preset resolved into concrete encoder settings.
// Resolved once per render and applied to every encode step.
type EncodeProfile struct {
	Name         string `json:"name"`
	VideoCodec   string `json:"video_codec"`
	VideoBitrate string `json:"video_bitrate"`
	AudioBitrate string `json:"audio_bitrate"`
	CRF          int    `json:"crf"`
	FPS          int    `json:"fps"`
}

// Built-in export presets, keyed by the RenderRequest.ExportPreset id.
var encodeProfiles = map[string]EncodeProfile{
	"draft":    {Name: "draft", VideoCodec: "libx264", VideoBitrate: "2M", AudioBitrate: "128k", CRF: 28, FPS: 30},
	"standard": {Name: "standard", VideoCodec: "libx264", VideoBitrate: "6M", AudioBitrate: "192k", CRF: 23, FPS: 30},
	"high":     {Name: "high", VideoCodec: "libx264", VideoBitrate: "12M", AudioBitrate: "256k", CRF: 19, FPS: 30},
}

// ResolveEncodeProfile maps an export preset id to its encoder settings.
func ResolveEncodeProfile(preset string) (EncodeProfile, error) {
	p, ok := encodeProfiles[preset]
	if !ok {
		return EncodeProfile{}, NewInvalidRequest(fmt.Sprintf("unknown export preset %q", preset))
	}
	return p, nil
}

// Tier is the plan-derived policy applied before manifest computation.
type Tier struct {
	Name      string `json:"name"`
	MaxWidth  int    `json:"max_width"`
	MaxHeight int    `json:"max_height"`
	Watermark bool   `json:"watermark"`
}

// SceneClip is a generated motion segment for one scene, durable across
// renders of the same project until a force re-render replaces it.
type SceneClip struct {
	ProjectID   uuid.UUID `json:"project_id"`
	SceneIndex  int       `json:"scene_index"`
	StoragePath string    `json:"storage_path"`
	ModelID     string    `json:"model_id"`
	SourceFP    string    `json:"source_fingerprint"`
	DurationSec int       `json:"duration_sec"`
	CreatedAt   time.Time `json:"created_at"`
}

// Job is the persisted record of one render attempt.
type Job struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    uuid.UUID  `json:"project_id"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	ArtifactPath *string    `json:"artifact_path,omitempty"`
	Cached       bool       `json:"cached"`
	ErrorKind    *string    `json:"error_kind,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ProgressSnapshot is the latest progress state for a job, fanned out live
// and persisted for reconnecting clients.
type ProgressSnapshot struct {
	JobID      string         `json:"job_id"`
	Progress   int            `json:"progress"`
	Stage      Stage          `json:"stage"`
	Message    string         `json:"message,omitempty"`
	ETASeconds *int           `json:"eta_seconds,omitempty"`
	PerScene   map[int]int    `json:"per_scene,omitempty"`
	Done       bool           `json:"done"`
	Cached     bool           `json:"cached,omitempty"`
	Artifact   string         `json:"artifact,omitempty"`
	Error      *ProgressError `json:"error,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ProgressError is the structured failure carried by a terminal snapshot.
type ProgressError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Clone returns a deep copy so subscribers never share the per-scene map.
func (s ProgressSnapshot) Clone() ProgressSnapshot {
	out := s
	if s.PerScene != nil {
		out.PerScene = make(map[int]int, len(s.PerScene))
		for k, v := range s.PerScene {
			out.PerScene[k] = v
		}
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.ETASeconds != nil {
		eta := *s.ETASeconds
		out.ETASeconds = &eta
	}
	return out
}

// API DTOs

type SubmitRenderResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	ProjectID uuid.UUID `json:"project_id"`
	Status    JobStatus `json:"status"`
}
