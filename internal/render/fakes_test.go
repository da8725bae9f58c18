package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/renderd/internal/models"
	"github.com/reelworks/renderd/internal/services"
	"github.com/reelworks/renderd/internal/storage"
)

// ---------------------------------------------------------------------------
// In-memory fakes for the pipeline's collaborators.
// ---------------------------------------------------------------------------

type fakeAssetStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeAssetStore() *fakeAssetStore {
	return &fakeAssetStore{objects: make(map[string][]byte)}
}

func (f *fakeAssetStore) put(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
}

func (f *fakeAssetStore) has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[path]
	return ok
}

func (f *fakeAssetStore) Resolve(_ context.Context, objectPath string) (*storage.AssetRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	sum := sha256.Sum256(data)
	return &storage.AssetRef{
		Path:        objectPath,
		Fingerprint: hex.EncodeToString(sum[:]),
		ByteSize:    int64(len(data)),
	}, nil
}

func (f *fakeAssetStore) Exists(_ context.Context, objectPath string) (bool, error) {
	return f.has(objectPath), nil
}

func (f *fakeAssetStore) Copy(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[src]
	if !ok {
		return fmt.Errorf("copy source %s not found", src)
	}
	f.objects[dst] = data
	return nil
}

func (f *fakeAssetStore) Upload(_ context.Context, objectPath string, data []byte, _ string) error {
	f.put(objectPath, data)
	return nil
}

func (f *fakeAssetStore) UploadFile(_ context.Context, objectPath, localPath string, _ string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.put(objectPath, data)
	return nil
}

func (f *fakeAssetStore) Download(_ context.Context, objectPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	return data, nil
}

func (f *fakeAssetStore) DownloadTo(ctx context.Context, objectPath, localPath string) error {
	data, err := f.Download(ctx, objectPath)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (f *fakeAssetStore) PublicURL(objectPath string) string {
	return "https://store.test/" + objectPath
}

// fakeEngine records composition calls and writes marker files so downstream
// steps can read them.
type fakeEngine struct {
	mu             sync.Mutex
	clipScenes     []string // outputs produced from generated clips
	imageScenes    []string // outputs produced from stills
	concatCalls    int
	muxTotalSec    int
	muxMusicPath   string
	failComposeAll bool
	probeSkewMs    int // offset applied to the probed movie duration
}

func (e *fakeEngine) ComposeFromClip(_ context.Context, _, outputPath string, _ services.ComposeOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failComposeAll {
		return fmt.Errorf("encoder exploded")
	}
	e.clipScenes = append(e.clipScenes, outputPath)
	return os.WriteFile(outputPath, []byte("segment-from-clip"), 0o644)
}

func (e *fakeEngine) ComposeFromImage(_ context.Context, _, outputPath string, _ models.CameraMotion, _ services.ComposeOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failComposeAll {
		return fmt.Errorf("encoder exploded")
	}
	e.imageScenes = append(e.imageScenes, outputPath)
	return os.WriteFile(outputPath, []byte("segment-from-image"), 0o644)
}

func (e *fakeEngine) ConcatSegments(_ context.Context, _ []string, outputPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.concatCalls++
	return os.WriteFile(outputPath, []byte("timeline"), 0o644)
}

func (e *fakeEngine) MuxAudio(_ context.Context, _, _, musicPath, outputPath string, totalDurationSec int, _ models.EncodeProfile) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muxTotalSec = totalDurationSec
	e.muxMusicPath = musicPath
	return os.WriteFile(outputPath, []byte("movie"), 0o644)
}

func (e *fakeEngine) ProbeDurationMs(_ context.Context, _ string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muxTotalSec*1000 + e.probeSkewMs, nil
}

// fakeGenerator keys failures on the scene's motion prompt so tests can fail
// individual scenes.
type fakeGenerator struct {
	id          string
	failPrompts map[string]bool
	failAll     bool
	delay       time.Duration

	mu        sync.Mutex
	calls     []string
	active    int
	maxActive int
}

func (g *fakeGenerator) ModelID() string { return g.id }

func (g *fakeGenerator) GenerateClip(_ context.Context, req services.ClipRequest) ([]byte, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Prompt)
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	if g.failAll || g.failPrompts[req.Prompt] {
		return nil, fmt.Errorf("model %s rejected the request", g.id)
	}
	return []byte("clip-bytes-" + req.Prompt), nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeClipStore struct {
	mu   sync.Mutex
	rows map[string]*models.SceneClip
}

func newFakeClipStore() *fakeClipStore {
	return &fakeClipStore{rows: make(map[string]*models.SceneClip)}
}

func clipKey(projectID uuid.UUID, sceneIndex int) string {
	return fmt.Sprintf("%s/%d", projectID, sceneIndex)
}

func (f *fakeClipStore) GetSceneClip(_ context.Context, projectID uuid.UUID, sceneIndex int) (*models.SceneClip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[clipKey(projectID, sceneIndex)], nil
}

func (f *fakeClipStore) UpsertSceneClip(_ context.Context, clip *models.SceneClip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[clipKey(clip.ProjectID, clip.SceneIndex)] = clip
	return nil
}

func (f *fakeClipStore) DeleteSceneClips(_ context.Context, projectID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, row := range f.rows {
		if row.ProjectID == projectID {
			delete(f.rows, k)
		}
	}
	return nil
}

// memProgressStore is the in-memory durable store used across render tests.
type memProgressStore struct {
	mu    sync.Mutex
	snaps map[string]models.ProgressSnapshot
}

func newMemProgressStore() *memProgressStore {
	return &memProgressStore{snaps: make(map[string]models.ProgressSnapshot)}
}

func (m *memProgressStore) Upsert(_ context.Context, jobID string, snap models.ProgressSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[jobID] = snap
	return nil
}

func (m *memProgressStore) Get(_ context.Context, jobID string) (*models.ProgressSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap, ok := m.snaps[jobID]; ok {
		clone := snap.Clone()
		return &clone, nil
	}
	return nil, nil
}

type recordingBilling struct {
	mu       sync.Mutex
	reserved []uuid.UUID
	settled  []bool
}

func (b *recordingBilling) OnReserved(_ context.Context, jobID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved = append(b.reserved, jobID)
	return nil
}

func (b *recordingBilling) OnSettled(_ context.Context, _ uuid.UUID, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled = append(b.settled, success)
}
