package worker

import (
	"context"
	"log"
	"time"

	"github.com/reelworks/renderd/internal/db"
	"github.com/reelworks/renderd/internal/models"
	"github.com/reelworks/renderd/internal/progress"
	"github.com/reelworks/renderd/internal/queue"
	"github.com/reelworks/renderd/internal/render"
)

const dequeueTimeout = 5 * time.Second

// Worker drains the render queue. Each worker goroutine runs one render at a
// time through the orchestrator and records the outcome on the job row. The
// orchestrator owns progress reporting and cleanup; the worker owns job
// state transitions.
type Worker struct {
	db       *db.DB
	queue    *queue.Queue
	orch     *render.Orchestrator
	reporter *progress.Reporter
}

func New(database *db.DB, q *queue.Queue, orch *render.Orchestrator, reporter *progress.Reporter) *Worker {
	return &Worker{
		db:       database,
		queue:    q,
		orch:     orch,
		reporter: reporter,
	}
}

// Start runs the worker pool until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("[Worker] Started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx)
	}

	<-ctx.Done()
	log.Println("[Worker] Shutting down...")
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, dequeueTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Worker] Dequeue error: %v", err)
				time.Sleep(time.Second)
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			w.handleRender(ctx, job)
		}
	}
}

func (w *Worker) handleRender(ctx context.Context, job *queue.Job) {
	req := &job.Request
	log.Printf("[Worker] Processing render job %s (project %s, engine %s)", req.JobID, req.ProjectID, req.Engine)

	if err := w.db.MarkJobRunning(ctx, req.JobID); err != nil {
		log.Printf("[Worker] Failed to mark job %s running: %v", req.JobID, err)
	}

	// The terminal snapshot is flushed by the orchestrator before Run
	// returns; dropping the in-memory entry here keeps the reporter's
	// footprint bounded across a long-lived worker.
	defer w.reporter.Forget(req.JobID.String())

	artifact, cached, err := w.orch.Run(ctx, req)
	if err != nil {
		rerr := models.AsRenderError(err)
		log.Printf("[Worker] Job %s failed (%s, retryable=%v): %v", req.JobID, rerr.Kind, rerr.Retryable(), rerr)
		if dbErr := w.db.MarkJobFailed(ctx, req.JobID, rerr.Kind, rerr.Message); dbErr != nil {
			log.Printf("[Worker] Failed to persist failure for job %s: %v", req.JobID, dbErr)
		}
		return
	}

	log.Printf("[Worker] Job %s completed (cached=%v, artifact=%s)", req.JobID, cached, artifact)
	if dbErr := w.db.MarkJobSucceeded(ctx, req.JobID, artifact, cached); dbErr != nil {
		log.Printf("[Worker] Failed to persist success for job %s: %v", req.JobID, dbErr)
	}
}
