package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatreel/internal/blob"
	"chatreel/internal/config"
	"chatreel/internal/models"
	"chatreel/internal/renderer"
	"chatreel/internal/store"
	"chatreel/internal/telemetry"
)

// JobStore is the slice of the persistence layer the worker needs. The row
// is the single shared mutable resource; after creation only the worker
// writes to it, and only through these calls.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.RenderJob, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	ReclaimJob(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	MarkDone(ctx context.Context, id, blobKey, resultURL string) error
	MarkError(ctx context.Context, id, message string) error
	PendingJobIDs(ctx context.Context, limit int) ([]string, error)
	PendingCount(ctx context.Context) (int64, error)
}

// Queue is the optional dispatcher. A nil Queue switches the processor to
// the polling fallback over pending rows.
type Queue interface {
	Dequeue(ctx context.Context) (jobID string, deliveries int, err error)
	Ack(ctx context.Context, jobID string) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (requeued, dead []string, err error)
	PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// BlobStore uploads artifacts and signs read URLs for their keys.
type BlobStore interface {
	UploadFile(ctx context.Context, key, path, contentType string) error
	SignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Processor drives the render loop: pull one job at a time, render, upload,
// finalize the row. Multiple processor instances may run concurrently; the
// atomic claim in the store keeps them off each other's jobs.
type Processor struct {
	cfg      config.Config
	store    JobStore
	queue    Queue
	renderer renderer.Client
	blobs    BlobStore
	workerID string

	mu    sync.Mutex
	comps []renderer.Composition
}

// New constructs a processor. queue may be nil.
func New(cfg config.Config, st JobStore, q Queue, rc renderer.Client, blobs BlobStore, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    st,
		queue:    q,
		renderer: rc,
		blobs:    blobs,
		workerID: workerID,
	}
}

// Run blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if p.queue != nil {
		return p.runQueue(ctx)
	}
	return p.runPolling(ctx)
}

func (p *Processor) runQueue(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if _, err := p.queue.PromoteDelayed(ctx, now, 100); err != nil {
			log.Warn().Err(err).Msg("promote delayed jobs")
		}
		requeued, dead, err := p.queue.RequeueExpired(ctx, now, 100)
		if err != nil {
			log.Warn().Err(err).Msg("requeue expired leases")
		}
		if len(requeued) > 0 {
			log.Info().Int("count", len(requeued)).Msg("requeued expired leases")
		}
		for _, id := range dead {
			msg := fmt.Sprintf("worker lost the job %d times (crash or timeout); giving up", p.cfg.MaxDeliveries)
			if err := p.store.MarkError(ctx, id, msg); err != nil {
				log.Error().Err(err).Str("job_id", id).Msg("fail crash-looping job")
				continue
			}
			telemetry.JobsFailed.Inc()
			log.Error().Str("job_id", id).Msg("job exhausted delivery budget")
		}

		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, deliveries, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("dequeue")
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if jobID == "" {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		if p.handle(ctx, jobID, deliveries > 1) {
			if err := p.queue.Ack(ctx, jobID); err != nil {
				log.Warn().Err(err).Str("job_id", jobID).Msg("ack")
			}
		}
		// A false return leaves the lease to expire and redeliver the
		// pointer; the delivery budget bounds how often that happens.
	}
}

func (p *Processor) runPolling(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ids, err := p.store.PendingJobIDs(ctx, p.cfg.PendingScanBatch)
		if err != nil {
			log.Warn().Err(err).Msg("scan pending jobs")
			continue
		}
		if n, err := p.store.PendingCount(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(n))
		}
		for _, id := range ids {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			p.handle(ctx, id, false)
		}
	}
}

// handle takes one job id from pending to a terminal state. redelivered marks
// a pointer the queue handed out before: when such a pointer finds the row
// stuck in processing, the claiming worker crashed mid-render and the row is
// reclaimed instead of skipped. It returns true when the pointer is consumed
// (terminal row, unknown id, or lost claim) and false when the lease should
// be left to expire and redeliver (transient store error, or a processing row
// too fresh to reclaim).
func (p *Processor) handle(ctx context.Context, jobID string, redelivered bool) bool {
	log := zerolog.Ctx(ctx).With().Str("job_id", jobID).Str("worker_id", p.workerID).Logger()

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("queued pointer for unknown job")
		return true
	}
	if err != nil {
		log.Warn().Err(err).Msg("fetch job")
		return false
	}

	switch {
	case job.Status == models.StatusPending:
		claimed, err := p.store.ClaimJob(ctx, jobID)
		if err != nil {
			log.Warn().Err(err).Msg("claim job")
			return false
		}
		if !claimed {
			log.Debug().Msg("lost claim to another worker")
			return true
		}
	case job.Terminal():
		log.Debug().Str("status", job.Status).Msg("job already terminal, dropping pointer")
		return true
	case redelivered && job.Status == models.StatusProcessing:
		reclaimed, err := p.store.ReclaimJob(ctx, jobID, p.cfg.VisibilityTimeout)
		if err != nil {
			log.Warn().Err(err).Msg("reclaim job")
			return false
		}
		if !reclaimed {
			// Someone touched the row recently, so a live worker owns it.
			// Leaving the lease to expire keeps the delivery budget counting;
			// if the row stays stuck it exhausts into the dead-letter path.
			log.Debug().Msg("processing row is fresh, leaving lease to expire")
			return false
		}
		log.Warn().Msg("reclaimed job abandoned by a crashed worker")
	default:
		log.Debug().Str("status", job.Status).Msg("job claimed elsewhere, skipping")
		return true
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log.Info().Str("composition", job.CompositionID).Msg("processing render job")
	started := time.Now()

	if err := p.process(ctx, job); err != nil {
		// A failed render is recorded as terminal, never resurrected.
		if patchErr := p.store.MarkError(ctx, jobID, err.Error()); patchErr != nil {
			log.Error().Err(patchErr).Msg("record job failure")
		}
		telemetry.JobsFailed.Inc()
		log.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("render job failed")
		return true
	}

	telemetry.JobsCompleted.Inc()
	log.Info().Dur("elapsed", time.Since(started)).Msg("render job done")
	return true
}

// process runs the render pipeline for a claimed job: composition lookup,
// duration resolution, render to a per-job temp dir, upload, finalize.
func (p *Processor) process(ctx context.Context, job models.RenderJob) error {
	comps, err := p.compositions(ctx)
	if err != nil {
		return err
	}
	var comp *renderer.Composition
	for i := range comps {
		if comps[i].ID == job.CompositionID {
			comp = &comps[i]
			break
		}
	}
	if comp == nil {
		return fmt.Errorf("composition %q not found in render bundle", job.CompositionID)
	}

	frames := renderer.DurationInFrames(job.InputProps, renderer.DurationOptions{
		FramesPerMessage: p.cfg.FramesPerMessage,
		TailFrames:       p.cfg.TailFrames,
		MinFrames:        p.cfg.MinDurationFrames,
	})

	if p.queue != nil {
		// The default lease assumes a quick turnaround; a render can run for
		// minutes, so push the deadline past the render timeout.
		if err := p.queue.ExtendLease(ctx, job.ID, p.cfg.RenderTimeout+time.Minute); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", job.ID).Msg("extend lease")
		}
	}

	tmpDir, err := os.MkdirTemp(p.cfg.WorkDir, "render-"+job.ID+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outPath := filepath.Join(tmpDir, job.ID+".mp4")
	err = p.renderer.Render(ctx, renderer.RenderRequest{
		CompositionID:    comp.ID,
		DurationInFrames: frames,
		InputProps:       job.InputProps,
	}, outPath)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	key := blob.RenderKey(job.ID)
	if err := p.blobs.UploadFile(ctx, key, outPath, "video/mp4"); err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}

	url, err := p.blobs.SignGet(ctx, key, p.cfg.SignTTL)
	if err != nil {
		// The key is durable; readers re-sign it on demand.
		zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", job.ID).Msg("sign result url")
		url = ""
	}

	if err := p.store.MarkDone(ctx, job.ID, key, url); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

// compositions returns the render bundle's composition set, fetched once per
// process and cached afterwards.
func (p *Processor) compositions(ctx context.Context) ([]renderer.Composition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.comps != nil {
		return p.comps, nil
	}
	comps, err := p.renderer.Compositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve render bundle: %w", err)
	}
	p.comps = comps
	return p.comps, nil
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
