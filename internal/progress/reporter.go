// Package progress tracks per-job render progress, fans updates out to live
// subscribers, and persists the latest snapshot so reconnecting clients and
// restarted processes can resume from the last known state.
package progress

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/reelworks/renderd/internal/models"
)

// Store is the durable snapshot persistence boundary. Writes may be
// throttled by the reporter; terminal snapshots are always flushed.
type Store interface {
	Upsert(ctx context.Context, jobID string, snap models.ProgressSnapshot) error
	Get(ctx context.Context, jobID string) (*models.ProgressSnapshot, error)
}

// defaultFlushInterval bounds durable write volume to roughly one per second
// per job.
const defaultFlushInterval = time.Second

const subscriberBuffer = 16

type jobState struct {
	snap      models.ProgressSnapshot
	subs      map[chan models.ProgressSnapshot]struct{}
	lastFlush time.Time
	seq       uint64 // bumped on every mutation, orders durable flushes

	// Serializes Upsert calls for this job so concurrent flushes cannot
	// persist an older snapshot after a newer one.
	flushMu    sync.Mutex
	flushedSeq uint64
}

// Reporter is the process-wide progress hub. Safe for concurrent use by all
// renders and all subscribers.
type Reporter struct {
	mu            sync.Mutex
	jobs          map[string]*jobState
	store         Store
	flushInterval time.Duration
	now           func() time.Time
}

func NewReporter(store Store) *Reporter {
	return &Reporter{
		jobs:          make(map[string]*jobState),
		store:         store,
		flushInterval: defaultFlushInterval,
		now:           time.Now,
	}
}

// state returns the in-memory state for a job, seeding it from the durable
// store on first touch so a restarted process resumes from the persisted
// baseline instead of zero.
func (r *Reporter) state(ctx context.Context, jobID string) *jobState {
	if st, ok := r.jobs[jobID]; ok {
		return st
	}

	st := &jobState{
		snap: models.ProgressSnapshot{JobID: jobID, Stage: models.StageIdle},
		subs: make(map[chan models.ProgressSnapshot]struct{}),
	}
	if r.store != nil {
		if persisted, err := r.store.Get(ctx, jobID); err == nil && persisted != nil {
			st.snap = persisted.Clone()
		}
	}
	r.jobs[jobID] = st
	return st
}

// Update applies a mutation to the job's snapshot under the reporter lock,
// enforces progress monotonicity, fans the result out, and flushes to the
// durable store per the throttle policy. Mutations never see a stale copy,
// so concurrent per-scene updates cannot lose writes.
func (r *Reporter) Update(ctx context.Context, jobID string, mutate func(*models.ProgressSnapshot)) {
	r.mu.Lock()
	st := r.state(ctx, jobID)

	prev := st.snap.Progress
	mutate(&st.snap)

	// Progress never goes backwards within a process lifetime.
	if st.snap.Progress < prev {
		st.snap.Progress = prev
	}
	if st.snap.Progress > 100 {
		st.snap.Progress = 100
	}
	st.snap.JobID = jobID
	st.snap.UpdatedAt = r.now()

	out := st.snap.Clone()
	terminal := st.snap.Done || st.snap.Error != nil

	for ch := range st.subs {
		select {
		case ch <- out.Clone():
		default:
			// Slow subscriber: drop the update rather than stall the render.
		}
	}

	st.seq++
	seq := st.seq
	shouldFlush := terminal || r.now().Sub(st.lastFlush) >= r.flushInterval
	if shouldFlush {
		st.lastFlush = r.now()
	}
	r.mu.Unlock()

	if shouldFlush && r.store != nil {
		r.flush(ctx, jobID, st, seq, out)
	}
}

// flush persists a snapshot unless a newer one for the same job has already
// been written. The per-job flush lock keeps concurrent writers ordered.
func (r *Reporter) flush(ctx context.Context, jobID string, st *jobState, seq uint64, snap models.ProgressSnapshot) {
	st.flushMu.Lock()
	defer st.flushMu.Unlock()
	if seq <= st.flushedSeq {
		return
	}
	st.flushedSeq = seq
	if err := r.store.Upsert(ctx, jobID, snap); err != nil {
		log.Printf("[Progress] Failed to persist snapshot for %s: %v", jobID, err)
	}
}

// SetStage moves the job into a stage at a given overall percentage.
func (r *Reporter) SetStage(ctx context.Context, jobID string, stage models.Stage, percent int, message string) {
	r.Update(ctx, jobID, func(s *models.ProgressSnapshot) {
		s.Stage = stage
		s.Progress = percent
		s.Message = message
	})
}

// SetScene records one scene's acquisition/composition percentage. Scene
// counters are independent; a stalled scene never blocks another scene's
// updates.
func (r *Reporter) SetScene(ctx context.Context, jobID string, sceneIndex, percent int) {
	r.Update(ctx, jobID, func(s *models.ProgressSnapshot) {
		if s.PerScene == nil {
			s.PerScene = make(map[int]int)
		}
		if percent > s.PerScene[sceneIndex] {
			s.PerScene[sceneIndex] = percent
		}
	})
}

// Finish marks the job done at 100% with its published artifact.
func (r *Reporter) Finish(ctx context.Context, jobID, artifact string, cached bool) {
	r.Update(ctx, jobID, func(s *models.ProgressSnapshot) {
		s.Stage = models.StageDone
		s.Progress = 100
		s.Done = true
		s.Cached = cached
		s.Artifact = artifact
		s.Message = "render complete"
	})
}

// Fail marks the job failed with the structured error. Terminal, always
// flushed.
func (r *Reporter) Fail(ctx context.Context, jobID string, rerr *models.RenderError) {
	r.Update(ctx, jobID, func(s *models.ProgressSnapshot) {
		s.Stage = models.StageFailed
		s.Done = true
		s.Error = rerr.AsProgressError()
		s.Message = rerr.Message
	})
}

// Snapshot returns the latest state for a job: in-memory when the job is
// live, otherwise the persisted snapshot.
func (r *Reporter) Snapshot(ctx context.Context, jobID string) (models.ProgressSnapshot, bool) {
	r.mu.Lock()
	if st, ok := r.jobs[jobID]; ok {
		snap := st.snap.Clone()
		r.mu.Unlock()
		return snap, true
	}
	r.mu.Unlock()

	if r.store != nil {
		if persisted, err := r.store.Get(ctx, jobID); err == nil && persisted != nil {
			return persisted.Clone(), true
		}
	}
	return models.ProgressSnapshot{}, false
}

// Subscribe attaches to a job's live updates. The returned snapshot is the
// current state and must be delivered to the client before any channel
// updates. Cancel detaches; it never cancels the underlying render.
func (r *Reporter) Subscribe(ctx context.Context, jobID string) (models.ProgressSnapshot, <-chan models.ProgressSnapshot, func()) {
	r.mu.Lock()
	st := r.state(ctx, jobID)
	snap := st.snap.Clone()

	ch := make(chan models.ProgressSnapshot, subscriberBuffer)
	st.subs[ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if cur, ok := r.jobs[jobID]; ok {
			delete(cur.subs, ch)
			// Last subscriber off a finished job: nothing live remains, so
			// the in-memory entry can go. The durable copy stays.
			if len(cur.subs) == 0 && (cur.snap.Done || cur.snap.Error != nil) {
				delete(r.jobs, jobID)
			}
		}
		r.mu.Unlock()
	}

	return snap, ch, cancel
}

// Forget drops a job's in-memory state once it is terminal and its last
// snapshot is persisted. Retention of the durable copy is the store's
// concern, not ours.
func (r *Reporter) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.jobs[jobID]; ok && len(st.subs) == 0 {
		delete(r.jobs, jobID)
	}
}
