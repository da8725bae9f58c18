// Package manifest computes the content-addressable cache key for a render.
//
// The manifest contains every parameter that affects pixel or audio output
// and nothing else: request ids, job ids, and timestamps never enter it.
// Serialization is canonical by construction: encoding/json emits struct
// fields in declaration order, so the type definition fixes the byte layout
// and two equal manifests always hash identically.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/reelworks/renderd/internal/models"
)

// Version is bumped whenever a behavior-affecting field is added or the
// pipeline's output semantics change, so stale cache entries miss harmlessly
// instead of colliding.
const Version = 2

// SceneEntry is the render-affecting slice of a SceneSpec.
type SceneEntry struct {
	DurationSec int                 `json:"duration_sec"`
	Camera      models.CameraMotion `json:"camera"`
	Transition  models.Transition   `json:"transition"`
}

// InputFingerprints are the content fingerprints of every input asset.
type InputFingerprints struct {
	Images    []string `json:"images"`
	Narration string   `json:"narration"`
	Music     string   `json:"music,omitempty"`
	Captions  string   `json:"captions"`
}

// Manifest is the hashed structure. Field order is fixed by this declaration;
// do not reorder fields without bumping Version.
type Manifest struct {
	Version      int               `json:"v"`
	Engine       models.Engine     `json:"engine"`
	Resolution   models.Resolution `json:"resolution"`
	ExportPreset string            `json:"export_preset"`
	Watermark    bool              `json:"watermark"`
	Scenes       []SceneEntry      `json:"scenes"`
	Inputs       InputFingerprints `json:"inputs"`
}

// Build derives the manifest from a validated request, the tier-clamped
// resolution, and the resolved input fingerprints. imageFPs must be in scene
// order.
func Build(req *models.RenderRequest, clamped models.Resolution, watermark bool, imageFPs []string, narrationFP, captionsFP, musicFP string) (*Manifest, error) {
	if len(imageFPs) != len(req.Scenes) {
		return nil, fmt.Errorf("manifest: %d image fingerprints for %d scenes", len(imageFPs), len(req.Scenes))
	}

	scenes := make([]SceneEntry, len(req.Scenes))
	for i, s := range req.Scenes {
		scenes[i] = SceneEntry{
			DurationSec: s.DurationSec,
			Camera:      s.Camera,
			Transition:  s.Transition,
		}
	}

	return &Manifest{
		Version:      Version,
		Engine:       req.Engine,
		Resolution:   clamped,
		ExportPreset: req.ExportPreset,
		Watermark:    watermark,
		Scenes:       scenes,
		Inputs: InputFingerprints{
			Images:    imageFPs,
			Narration: narrationFP,
			Music:     musicFP,
			Captions:  captionsFP,
		},
	}, nil
}

// Fingerprint returns the hex sha256 of the canonical serialization.
func (m *Manifest) Fingerprint() string {
	data, err := json.Marshal(m)
	if err != nil {
		// Marshal of a plain struct with no cycles cannot fail; treat it as
		// a programming error rather than plumbing an error return upward.
		panic(fmt.Sprintf("manifest: marshal: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
