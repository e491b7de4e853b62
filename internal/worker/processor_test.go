package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"chatreel/internal/blob"
	"chatreel/internal/config"
	"chatreel/internal/models"
	"chatreel/internal/queue"
	"chatreel/internal/renderer"
	"chatreel/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*models.RenderJob
}

func newFakeStore(jobs ...*models.RenderJob) *fakeStore {
	fs := &fakeStore{jobs: make(map[string]*models.RenderJob)}
	for _, j := range jobs {
		fs.jobs[j.ID] = j
	}
	return fs
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.RenderJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.RenderJob{}, store.ErrNotFound
	}
	return *j, nil
}

func (f *fakeStore) ClaimJob(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.StatusPending {
		return false, nil
	}
	j.Status = models.StatusProcessing
	j.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) ReclaimJob(_ context.Context, id string, staleAfter time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.StatusProcessing || time.Since(j.UpdatedAt) < staleAfter {
		return false, nil
	}
	j.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) MarkDone(_ context.Context, id, blobKey, resultURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j.Status != models.StatusProcessing {
		return nil
	}
	j.Status = models.StatusDone
	j.BlobKey = &blobKey
	if resultURL != "" {
		j.ResultURL = &resultURL
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) MarkError(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j.Status != models.StatusPending && j.Status != models.StatusProcessing {
		return nil
	}
	j.Status = models.StatusError
	j.ErrorMessage = &message
	j.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = status
	f.jobs[id].UpdatedAt = time.Now()
}

func (f *fakeStore) backdate(id string, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].UpdatedAt = time.Now().Add(-age)
}

func (f *fakeStore) PendingJobIDs(_ context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, j := range f.jobs {
		if j.Status == models.StatusPending && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) PendingCount(_ context.Context) (int64, error) {
	ids, _ := f.PendingJobIDs(context.Background(), 1<<30)
	return int64(len(ids)), nil
}

type fakeRenderer struct {
	mu      sync.Mutex
	comps   []renderer.Composition
	fail    error
	renders int
	lastReq renderer.RenderRequest
}

func (f *fakeRenderer) Compositions(context.Context) ([]renderer.Composition, error) {
	return f.comps, nil
}

func (f *fakeRenderer) Render(_ context.Context, req renderer.RenderRequest, outputPath string) error {
	f.mu.Lock()
	f.renders++
	f.lastReq = req
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	return os.WriteFile(outputPath, []byte("video-bytes"), 0o644)
}

func (f *fakeRenderer) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renders
}

type fakeBlobs struct {
	mu       sync.Mutex
	uploads  map[string]string
	signFail error
}

func (f *fakeBlobs) UploadFile(_ context.Context, key, path, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = make(map[string]string)
	}
	f.uploads[key] = path
	return nil
}

func (f *fakeBlobs) SignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.signFail != nil {
		return "", f.signFail
	}
	return fmt.Sprintf("https://blobs.test/%s?sig=%d", key, time.Now().UnixNano()), nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		WorkDir:            t.TempDir(),
		WorkerPollInterval: 10 * time.Millisecond,
		PendingScanBatch:   20,
		FramesPerMessage:   90,
		TailFrames:         60,
		MinDurationFrames:  150,
		SignTTL:            time.Hour,
		RenderTimeout:      time.Minute,
		MaxDeliveries:      3,
	}
}

func pendingJob(id, composition string, props map[string]any) *models.RenderJob {
	now := time.Now()
	return &models.RenderJob{
		ID:            id,
		Status:        models.StatusPending,
		CompositionID: composition,
		InputProps:    props,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

var chatComps = []renderer.Composition{{ID: "ChatVideo", FPS: 30, Width: 1080, Height: 1920}}

func TestProcessorCompletesJob(t *testing.T) {
	ctx := context.Background()
	props := map[string]any{"messages": []any{
		map[string]any{"text": "hi"},
		map[string]any{"text": "hello"},
	}}
	st := newFakeStore(pendingJob("job-1", "ChatVideo", props))
	rc := &fakeRenderer{comps: chatComps}
	blobs := &fakeBlobs{}

	p := New(testConfig(t), st, nil, rc, blobs, "w1")
	if !p.handle(ctx, "job-1", false) {
		t.Fatal("handle should consume the job")
	}

	job, _ := st.GetJob(ctx, "job-1")
	if job.Status != models.StatusDone {
		t.Fatalf("expected done, got %s (%v)", job.Status, job.ErrorMessage)
	}
	wantKey := blob.RenderKey("job-1")
	if job.BlobKey == nil || *job.BlobKey != wantKey {
		t.Fatalf("expected blob key %s, got %v", wantKey, job.BlobKey)
	}
	if job.ResultURL == nil || !strings.Contains(*job.ResultURL, wantKey) {
		t.Fatalf("expected signed result url for %s, got %v", wantKey, job.ResultURL)
	}
	if job.ErrorMessage != nil {
		t.Fatalf("done job must not carry an error: %v", *job.ErrorMessage)
	}
	if _, ok := blobs.uploads[wantKey]; !ok {
		t.Fatalf("artifact was not uploaded under %s", wantKey)
	}
	if rc.lastReq.DurationInFrames != 2*90+60 {
		t.Fatalf("expected derived duration 240, got %d", rc.lastReq.DurationInFrames)
	}
}

func TestProcessorUnknownComposition(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(pendingJob("job-1", "DoesNotExist", map[string]any{}))
	rc := &fakeRenderer{comps: chatComps}

	p := New(testConfig(t), st, nil, rc, &fakeBlobs{}, "w1")
	p.handle(ctx, "job-1", false)

	job, _ := st.GetJob(ctx, "job-1")
	if job.Status != models.StatusError {
		t.Fatalf("expected error, got %s", job.Status)
	}
	if job.ErrorMessage == nil || !strings.Contains(*job.ErrorMessage, "DoesNotExist") {
		t.Fatalf("error should name the composition, got %v", job.ErrorMessage)
	}
	if job.BlobKey != nil {
		t.Fatal("failed job must not have a blob key")
	}
	if rc.renderCount() != 0 {
		t.Fatal("renderer must not run for an unknown composition")
	}
}

func TestProcessorRenderFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(pendingJob("job-1", "ChatVideo", map[string]any{}))
	rc := &fakeRenderer{comps: chatComps, fail: errors.New("renderer http 500: chromium crashed")}

	p := New(testConfig(t), st, nil, rc, &fakeBlobs{}, "w1")
	p.handle(ctx, "job-1", false)

	job, _ := st.GetJob(ctx, "job-1")
	if job.Status != models.StatusError {
		t.Fatalf("expected error, got %s", job.Status)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage == "" {
		t.Fatal("expected a non-empty error message")
	}
	if job.BlobKey != nil {
		t.Fatal("failed job must not have a blob key")
	}
}

func TestProcessorSignFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(pendingJob("job-1", "ChatVideo", map[string]any{}))
	blobs := &fakeBlobs{signFail: errors.New("sts unavailable")}

	p := New(testConfig(t), st, nil, &fakeRenderer{comps: chatComps}, blobs, "w1")
	p.handle(ctx, "job-1", false)

	job, _ := st.GetJob(ctx, "job-1")
	if job.Status != models.StatusDone {
		t.Fatalf("expected done despite sign failure, got %s", job.Status)
	}
	if job.BlobKey == nil {
		t.Fatal("blob key must survive a signing failure")
	}
	if job.ResultURL != nil {
		t.Fatal("no stale url should be stored when signing failed")
	}
}

func TestProcessorSkipsNonPendingJob(t *testing.T) {
	ctx := context.Background()
	done := pendingJob("job-1", "ChatVideo", map[string]any{})
	done.Status = models.StatusDone
	st := newFakeStore(done)
	rc := &fakeRenderer{comps: chatComps}

	p := New(testConfig(t), st, nil, rc, &fakeBlobs{}, "w1")
	if !p.handle(ctx, "job-1", false) {
		t.Fatal("terminal job should still consume the pointer")
	}
	if rc.renderCount() != 0 {
		t.Fatal("terminal job must not be rendered again")
	}
}

func TestProcessorConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(pendingJob("job-1", "ChatVideo", map[string]any{}))
	rc := &fakeRenderer{comps: chatComps}
	blobs := &fakeBlobs{}

	a := New(testConfig(t), st, nil, rc, blobs, "worker-a")
	b := New(testConfig(t), st, nil, rc, blobs, "worker-b")

	var wg sync.WaitGroup
	for _, p := range []*Processor{a, b} {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			p.handle(ctx, "job-1", false)
		}(p)
	}
	wg.Wait()

	if rc.renderCount() != 1 {
		t.Fatalf("exactly one worker must render, got %d renders", rc.renderCount())
	}
	job, _ := st.GetJob(ctx, "job-1")
	if job.Status != models.StatusDone {
		t.Fatalf("expected done, got %s", job.Status)
	}
}

// queueConfig shrinks the queue timings so lease expiry, backoff and
// redelivery all play out within a test run.
func queueConfig(t *testing.T, maxDeliveries int) config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	cfg.VisibilityTimeout = 20 * time.Millisecond
	cfg.RequeueBackoff = time.Millisecond
	cfg.RequeueBackoffMax = 2 * time.Millisecond
	cfg.WorkerPollInterval = 5 * time.Millisecond
	cfg.MaxDeliveries = maxDeliveries
	return cfg
}

func runProcessor(t *testing.T, p *Processor, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	met := false
	for time.Now().Before(deadline) {
		if until() {
			met = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if !met {
		t.Fatal("processor never reached the expected state")
	}
}

// A worker that claims a job and dies mid-render leaves the row in
// processing with an expired lease. The redelivered pointer must reclaim the
// row and render it, not drop it.
func TestProcessorRecoversJobFromCrashedWorker(t *testing.T) {
	ctx := context.Background()
	cfg := queueConfig(t, 3)
	d := queue.NewDispatcher(cfg)
	st := newFakeStore(pendingJob("job-1", "ChatVideo", map[string]any{}))
	rc := &fakeRenderer{comps: chatComps}

	if err := d.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, _, _ := d.Dequeue(ctx); id != "job-1" {
		t.Fatalf("setup dequeue got %q", id)
	}
	if claimed, _ := st.ClaimJob(ctx, "job-1"); !claimed {
		t.Fatal("setup claim failed")
	}
	// The crashed worker claimed the row well before its lease ran out.
	st.backdate("job-1", time.Minute)

	p := New(cfg, st, d, rc, &fakeBlobs{}, "w2")
	runProcessor(t, p, func() bool {
		job, _ := st.GetJob(ctx, "job-1")
		return job.Status == models.StatusDone
	})

	if rc.renderCount() != 1 {
		t.Fatalf("reclaimed job must be rendered once, got %d", rc.renderCount())
	}
	if depth, _ := d.Depth(ctx); depth != 0 {
		t.Fatalf("queue should be drained, depth=%d", depth)
	}
}

// A job whose deliveries are exhausted without ever finishing must be failed
// rather than left in processing forever.
func TestProcessorFailsJobAfterDeliveryBudget(t *testing.T) {
	ctx := context.Background()
	cfg := queueConfig(t, 1)
	d := queue.NewDispatcher(cfg)
	st := newFakeStore(pendingJob("job-1", "ChatVideo", map[string]any{}))
	rc := &fakeRenderer{comps: chatComps}

	if err := d.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, _, _ := d.Dequeue(ctx); id != "job-1" {
		t.Fatalf("setup dequeue got %q", id)
	}
	if claimed, _ := st.ClaimJob(ctx, "job-1"); !claimed {
		t.Fatal("setup claim failed")
	}

	p := New(cfg, st, d, rc, &fakeBlobs{}, "w2")
	runProcessor(t, p, func() bool {
		job, _ := st.GetJob(ctx, "job-1")
		return job.Status == models.StatusError
	})

	job, _ := st.GetJob(ctx, "job-1")
	if job.ErrorMessage == nil || !strings.Contains(*job.ErrorMessage, "giving up") {
		t.Fatalf("expected a crash-loop message, got %v", job.ErrorMessage)
	}
	if rc.renderCount() != 0 {
		t.Fatalf("dead-lettered job must not be rendered, got %d", rc.renderCount())
	}
}

// A worker that finishes a job but dies before acking leaves an orphaned
// lease. When that lease exhausts its deliveries, the done row must stay
// done.
func TestProcessorDeadLetterLeavesDoneRowAlone(t *testing.T) {
	ctx := context.Background()
	cfg := queueConfig(t, 1)
	d := queue.NewDispatcher(cfg)
	st := newFakeStore(pendingJob("job-1", "ChatVideo", map[string]any{}))
	rc := &fakeRenderer{comps: chatComps}

	if err := d.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, _, _ := d.Dequeue(ctx); id != "job-1" {
		t.Fatalf("setup dequeue got %q", id)
	}
	st.setStatus("job-1", models.StatusDone)

	p := New(cfg, st, d, rc, &fakeBlobs{}, "w2")
	runProcessor(t, p, func() bool {
		inflight, _ := d.Client().ZCard(ctx, "renderq:inflight").Result()
		return inflight == 0
	})

	job, _ := st.GetJob(ctx, "job-1")
	if job.Status != models.StatusDone {
		t.Fatalf("done row must stay done, got %s", job.Status)
	}
	if job.ErrorMessage != nil {
		t.Fatalf("done row must not pick up an error: %v", *job.ErrorMessage)
	}
}
