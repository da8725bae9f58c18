package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/reelworks/renderd/internal/models"
)

// memStore is an in-memory Store recording every upsert.
type memStore struct {
	mu      sync.Mutex
	snaps   map[string]models.ProgressSnapshot
	upserts int
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]models.ProgressSnapshot)}
}

func (m *memStore) Upsert(_ context.Context, jobID string, snap models.ProgressSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[jobID] = snap.Clone()
	m.upserts++
	return nil
}

func (m *memStore) Get(_ context.Context, jobID string) (*models.ProgressSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[jobID]
	if !ok {
		return nil, nil
	}
	out := snap.Clone()
	return &out, nil
}

func (m *memStore) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func TestProgressMonotonic(t *testing.T) {
	ctx := context.Background()
	r := NewReporter(newMemStore())

	r.SetStage(ctx, "job-1", models.StageInitializing, 5, "starting")
	r.SetStage(ctx, "job-1", models.StageClipAcquisition, 40, "acquiring")

	// A lower value must not move progress backwards.
	r.SetStage(ctx, "job-1", models.StageClipAcquisition, 20, "late update")

	snap, ok := r.Snapshot(ctx, "job-1")
	if !ok {
		t.Fatal("missing snapshot")
	}
	if snap.Progress != 40 {
		t.Errorf("progress regressed to %d", snap.Progress)
	}
}

func TestSubscribeReplaysSnapshotThenStreams(t *testing.T) {
	ctx := context.Background()
	r := NewReporter(newMemStore())

	r.SetStage(ctx, "job-1", models.StageComposing, 80, "composing")

	snap, ch, cancel := r.Subscribe(ctx, "job-1")
	defer cancel()

	if snap.Progress != 80 || snap.Stage != models.StageComposing {
		t.Errorf("replayed snapshot wrong: %+v", snap)
	}

	r.Finish(ctx, "job-1", "proj/movie.mp4", false)

	select {
	case got := <-ch:
		if !got.Done || got.Progress != 100 || got.Artifact != "proj/movie.mp4" {
			t.Errorf("unexpected terminal update: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	r := NewReporter(newMemStore())

	_, _, cancel := r.Subscribe(ctx, "job-1")
	defer cancel()

	// Never read from the channel; updates beyond its buffer must be
	// dropped, not deadlock the reporter.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			r.SetScene(ctx, "job-1", 0, i%100)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter blocked on a slow subscriber")
	}
}

func TestPerSceneCountersIndependent(t *testing.T) {
	ctx := context.Background()
	r := NewReporter(newMemStore())

	r.SetScene(ctx, "job-1", 0, 100)
	r.SetScene(ctx, "job-1", 1, 30)
	r.SetScene(ctx, "job-1", 2, 100)
	// A regression for one scene is ignored.
	r.SetScene(ctx, "job-1", 0, 10)

	snap, _ := r.Snapshot(ctx, "job-1")
	want := map[int]int{0: 100, 1: 30, 2: 100}
	for idx, pct := range want {
		if snap.PerScene[idx] != pct {
			t.Errorf("scene %d: got %d, want %d", idx, snap.PerScene[idx], pct)
		}
	}
}

func TestThrottledPersistenceAlwaysFlushesTerminal(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := NewReporter(store)

	// Many rapid updates inside one flush interval collapse to the first
	// write (state seeding) plus at most one flush.
	for i := 1; i <= 50; i++ {
		r.SetScene(ctx, "job-1", 0, i)
	}
	mid := store.upsertCount()
	if mid > 2 {
		t.Errorf("expected throttled writes, got %d", mid)
	}

	r.Fail(ctx, "job-1", models.NewPublishFailure("upload failed", errors.New("503")))

	after := store.upsertCount()
	if after != mid+1 {
		t.Errorf("terminal snapshot not flushed: %d -> %d", mid, after)
	}

	persisted, _ := store.Get(ctx, "job-1")
	if persisted == nil || persisted.Error == nil || persisted.Error.Kind != models.ErrPublishFailure {
		t.Errorf("persisted terminal snapshot wrong: %+v", persisted)
	}
	if !persisted.Error.Retryable {
		t.Error("publish failure should be classified retryable")
	}
}

func TestRestartResumesFromPersistedBaseline(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	r1 := NewReporter(store)
	r1.SetStage(ctx, "job-1", models.StageAssembling, 90, "assembling")
	r1.Fail(ctx, "job-1", models.NewCompositionFailure("ffmpeg crashed", errors.New("exit 1")))

	// Simulated process restart: a fresh reporter over the same store.
	r2 := NewReporter(store)
	snap, ok := r2.Snapshot(ctx, "job-1")
	if !ok {
		t.Fatal("expected persisted snapshot after restart")
	}
	if snap.Stage != models.StageFailed || snap.Error == nil {
		t.Errorf("restart baseline wrong: %+v", snap)
	}

	// Subscribe after restart replays the persisted baseline.
	replay, _, cancel := r2.Subscribe(ctx, "job-1")
	defer cancel()
	if replay.Stage != models.StageFailed {
		t.Errorf("subscribe did not replay persisted state: %+v", replay)
	}
}

func TestForgetBoundsMemoryAcrossManyJobs(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := NewReporter(store)

	for i := 0; i < 1000; i++ {
		jobID := fmt.Sprintf("job-%d", i)
		r.Finish(ctx, jobID, "proj/movie.mp4", false)
		r.Forget(jobID)
	}

	r.mu.Lock()
	retained := len(r.jobs)
	r.mu.Unlock()
	if retained != 0 {
		t.Errorf("in-memory jobs retained after terminal state: %d", retained)
	}

	// The durable copy survives eviction and still serves snapshots.
	snap, ok := r.Snapshot(ctx, "job-0")
	if !ok || !snap.Done {
		t.Errorf("persisted snapshot lost after Forget: ok=%v snap=%+v", ok, snap)
	}
}

func TestForgetDefersToLiveSubscribers(t *testing.T) {
	ctx := context.Background()
	r := NewReporter(newMemStore())

	_, ch, cancel := r.Subscribe(ctx, "job-1")
	r.Finish(ctx, "job-1", "proj/movie.mp4", false)

	// A live subscriber keeps the entry so the stream can drain.
	r.Forget("job-1")
	r.mu.Lock()
	_, held := r.jobs["job-1"]
	r.mu.Unlock()
	if !held {
		t.Fatal("entry dropped while a subscriber was attached")
	}

	select {
	case got := <-ch:
		if !got.Done {
			t.Errorf("expected terminal update, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no terminal update received")
	}

	// Last subscriber detaching from a finished job evicts the entry.
	cancel()
	r.mu.Lock()
	_, held = r.jobs["job-1"]
	r.mu.Unlock()
	if held {
		t.Error("terminal job retained after the last subscriber detached")
	}
}

func TestConcurrentFlushesPersistInOrder(t *testing.T) {
	ctx := context.Background()
	store := &orderedStore{memStore: newMemStore()}
	r := NewReporter(store)
	// Flush on every update so concurrent writers race for the store.
	r.flushInterval = 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 0; p <= 100; p += 5 {
				r.SetStage(ctx, "job-1", models.StageClipAcquisition, p, "racing")
			}
		}()
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	for i := 1; i < len(store.order); i++ {
		if store.order[i] < store.order[i-1] {
			t.Fatalf("persisted progress regressed: %v", store.order)
		}
	}
}

// orderedStore records the progress value of every upsert in arrival order.
type orderedStore struct {
	*memStore
	order []int
}

func (o *orderedStore) Upsert(ctx context.Context, jobID string, snap models.ProgressSnapshot) error {
	o.mu.Lock()
	o.order = append(o.order, snap.Progress)
	o.mu.Unlock()
	return o.memStore.Upsert(ctx, jobID, snap)
}

func TestSnapshotUnknownJob(t *testing.T) {
	r := NewReporter(newMemStore())
	if _, ok := r.Snapshot(context.Background(), "nope"); ok {
		t.Error("expected no snapshot for unknown job")
	}
}
