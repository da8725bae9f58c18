package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/renderd/internal/models"
	"github.com/reelworks/renderd/internal/progress"
	"github.com/reelworks/renderd/internal/services"
	"github.com/reelworks/renderd/internal/storage"
)

func acquirerFixture(t *testing.T, store *fakeAssetStore, sceneCount int) (*models.RenderRequest, []sceneInput, string) {
	t.Helper()
	workspace := t.TempDir()

	req := &models.RenderRequest{
		JobID:     uuid.New(),
		ProjectID: uuid.New(),
		Engine:    models.EngineRemoteClip,
	}

	var scenes []sceneInput
	for i := 0; i < sceneCount; i++ {
		objectPath := fmt.Sprintf("assets/scene-%d.png", i)
		store.put(objectPath, []byte(fmt.Sprintf("png-%d", i)))
		ref, err := store.Resolve(context.Background(), objectPath)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		localPath := filepath.Join(workspace, fmt.Sprintf("image-%d.png", i))
		if err := os.WriteFile(localPath, []byte(fmt.Sprintf("png-%d", i)), 0o644); err != nil {
			t.Fatal(err)
		}

		prompt := fmt.Sprintf("scene-%d", i)
		scene := models.SceneSpec{
			DurationSec:  4,
			Camera:       models.CameraStatic,
			ImageAsset:   objectPath,
			MotionPrompt: &prompt,
		}
		req.Scenes = append(req.Scenes, scene)
		scenes = append(scenes, sceneInput{Index: i, Scene: scene, Image: ref, ImagePath: localPath})
	}

	return req, scenes, workspace
}

func TestAcquireAllGeneratesAndPersists(t *testing.T) {
	store := newFakeAssetStore()
	clipDB := newFakeClipStore()
	gen := &fakeGenerator{id: "model-a"}
	acq := NewAcquirer(store, clipDB, []services.ClipGenerator{gen}, progress.NewReporter(newMemProgressStore()), 2)

	req, scenes, ws := acquirerFixture(t, store, 2)
	res := models.Resolution{Width: 1080, Height: 1920}

	clips := acq.AcquireAll(context.Background(), req.JobID.String(), req, scenes, res, ws)
	if len(clips) != 2 {
		t.Fatalf("expected 2 clips, got %d", len(clips))
	}

	for i := 0; i < 2; i++ {
		if _, err := os.Stat(clips[i]); err != nil {
			t.Errorf("scene %d clip missing locally: %v", i, err)
		}
		if !store.has(storage.ClipPath(req.ProjectID.String(), i)) {
			t.Errorf("scene %d clip not persisted to storage", i)
		}
		row, _ := clipDB.GetSceneClip(context.Background(), req.ProjectID, i)
		if row == nil || row.ModelID != "model-a" {
			t.Errorf("scene %d clip record missing or wrong: %+v", i, row)
		}
	}
}

func TestAcquireAllReusesStoredClips(t *testing.T) {
	store := newFakeAssetStore()
	clipDB := newFakeClipStore()
	gen := &fakeGenerator{id: "model-a"}
	acq := NewAcquirer(store, clipDB, []services.ClipGenerator{gen}, progress.NewReporter(newMemProgressStore()), 2)

	req, scenes, ws := acquirerFixture(t, store, 1)
	res := models.Resolution{Width: 1080, Height: 1920}

	// Pre-stage a durable clip matching the current still.
	clipPath := storage.ClipPath(req.ProjectID.String(), 0)
	store.put(clipPath, []byte("stored-clip"))
	clipDB.UpsertSceneClip(context.Background(), &models.SceneClip{
		ProjectID:   req.ProjectID,
		SceneIndex:  0,
		StoragePath: clipPath,
		ModelID:     "model-a",
		SourceFP:    scenes[0].Image.Fingerprint,
		DurationSec: 4,
	})

	clips := acq.AcquireAll(context.Background(), req.JobID.String(), req, scenes, res, ws)
	if len(clips) != 1 {
		t.Fatalf("expected 1 clip, got %d", len(clips))
	}
	if gen.callCount() != 0 {
		t.Errorf("stored clip should be reused without generation, got %d calls", gen.callCount())
	}
	data, _ := os.ReadFile(clips[0])
	if string(data) != "stored-clip" {
		t.Errorf("reused clip content = %q", data)
	}
}

func TestAcquireAllRegeneratesWhenSourceChanged(t *testing.T) {
	store := newFakeAssetStore()
	clipDB := newFakeClipStore()
	gen := &fakeGenerator{id: "model-a"}
	acq := NewAcquirer(store, clipDB, []services.ClipGenerator{gen}, progress.NewReporter(newMemProgressStore()), 2)

	req, scenes, ws := acquirerFixture(t, store, 1)
	res := models.Resolution{Width: 1080, Height: 1920}

	clipPath := storage.ClipPath(req.ProjectID.String(), 0)
	store.put(clipPath, []byte("stale-clip"))
	clipDB.UpsertSceneClip(context.Background(), &models.SceneClip{
		ProjectID:   req.ProjectID,
		SceneIndex:  0,
		StoragePath: clipPath,
		ModelID:     "model-a",
		SourceFP:    "fingerprint-of-an-older-still",
		DurationSec: 4,
	})

	acq.AcquireAll(context.Background(), req.JobID.String(), req, scenes, res, ws)
	if gen.callCount() != 1 {
		t.Errorf("changed still should force regeneration, got %d calls", gen.callCount())
	}
}

func TestAcquireAllForceBypassesReuse(t *testing.T) {
	store := newFakeAssetStore()
	clipDB := newFakeClipStore()
	gen := &fakeGenerator{id: "model-a"}
	acq := NewAcquirer(store, clipDB, []services.ClipGenerator{gen}, progress.NewReporter(newMemProgressStore()), 2)

	req, scenes, ws := acquirerFixture(t, store, 1)
	req.Force = true
	res := models.Resolution{Width: 1080, Height: 1920}

	clipPath := storage.ClipPath(req.ProjectID.String(), 0)
	store.put(clipPath, []byte("stored-clip"))
	clipDB.UpsertSceneClip(context.Background(), &models.SceneClip{
		ProjectID:   req.ProjectID,
		SceneIndex:  0,
		StoragePath: clipPath,
		ModelID:     "model-a",
		SourceFP:    scenes[0].Image.Fingerprint,
		DurationSec: 4,
	})

	acq.AcquireAll(context.Background(), req.JobID.String(), req, scenes, res, ws)
	if gen.callCount() != 1 {
		t.Errorf("force should bypass reuse, got %d calls", gen.callCount())
	}
}

func TestAcquireAllWalksCandidateChainInOrder(t *testing.T) {
	store := newFakeAssetStore()
	clipDB := newFakeClipStore()
	primary := &fakeGenerator{id: "model-a", failAll: true}
	secondary := &fakeGenerator{id: "model-b"}
	acq := NewAcquirer(store, clipDB, []services.ClipGenerator{primary, secondary}, progress.NewReporter(newMemProgressStore()), 2)

	req, scenes, ws := acquirerFixture(t, store, 1)
	res := models.Resolution{Width: 1080, Height: 1920}

	clips := acq.AcquireAll(context.Background(), req.JobID.String(), req, scenes, res, ws)
	if len(clips) != 1 {
		t.Fatalf("secondary model should have produced the clip")
	}
	if primary.callCount() != 1 || secondary.callCount() != 1 {
		t.Errorf("chain should try primary then secondary, got %d/%d", primary.callCount(), secondary.callCount())
	}

	row, _ := clipDB.GetSceneClip(context.Background(), req.ProjectID, 0)
	if row == nil || row.ModelID != "model-b" {
		t.Errorf("clip record should name the successful model, got %+v", row)
	}
}

func TestAcquireAllBoundedConcurrency(t *testing.T) {
	store := newFakeAssetStore()
	clipDB := newFakeClipStore()
	gen := &fakeGenerator{id: "model-a", delay: 20 * time.Millisecond}
	acq := NewAcquirer(store, clipDB, []services.ClipGenerator{gen}, progress.NewReporter(newMemProgressStore()), 2)

	req, scenes, ws := acquirerFixture(t, store, 6)
	res := models.Resolution{Width: 1080, Height: 1920}

	clips := acq.AcquireAll(context.Background(), req.JobID.String(), req, scenes, res, ws)
	if len(clips) != 6 {
		t.Fatalf("expected 6 clips, got %d", len(clips))
	}
	if gen.maxActive > 2 {
		t.Errorf("at most 2 generations may run concurrently, saw %d", gen.maxActive)
	}
}

func TestAcquireAllNoGenerators(t *testing.T) {
	store := newFakeAssetStore()
	acq := NewAcquirer(store, newFakeClipStore(), nil, progress.NewReporter(newMemProgressStore()), 2)

	req, scenes, ws := acquirerFixture(t, store, 2)
	res := models.Resolution{Width: 1080, Height: 1920}

	clips := acq.AcquireAll(context.Background(), req.JobID.String(), req, scenes, res, ws)
	if len(clips) != 0 {
		t.Errorf("no generators means no clips, got %d", len(clips))
	}
}
