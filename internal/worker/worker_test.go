package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"video-pipeline/internal/config"
	"video-pipeline/internal/enhance"
	"video-pipeline/internal/events"
	"video-pipeline/internal/media"
	"video-pipeline/internal/media/mediatest"
	"video-pipeline/internal/models"
	"video-pipeline/internal/objectstore"
	"video-pipeline/internal/store"
)

type memStore struct {
	mu         sync.Mutex
	jobs       []*models.Job
	posts      map[string]string
	updates    map[string]models.PostUpdate
	claimErrs  int
	extendErr  error
	reapReport models.ReapReport
}

func newMemStore() *memStore {
	return &memStore{posts: map[string]string{}, updates: map[string]models.PostUpdate{}}
}

func (m *memStore) add(jobType string, payload map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.jobs = append(m.jobs, &models.Job{ID: id, Type: jobType, Status: models.StatusPending, Payload: payload, CreatedAt: time.Now()})
	if postID, ok := payload["post_id"].(string); ok {
		m.posts[postID] = models.PostPending
	}
	return id
}

func (m *memStore) job(id string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return *j
		}
	}
	return models.Job{}
}

func (m *memStore) postStatus(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[id]
}

func (m *memStore) ClaimNext(_ context.Context, types []string, workerID string, _ time.Duration) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErrs > 0 {
		m.claimErrs--
		return models.Job{}, false, fmt.Errorf("%w: connection refused", store.ErrClaim)
	}
	for _, j := range m.jobs {
		if j.Status != models.StatusPending || !containsType(types, j.Type) {
			continue
		}
		now := time.Now()
		j.Status = models.StatusProcessing
		j.WorkerID = &workerID
		j.StartedAt = &now
		j.Attempts++
		return *j, true, nil
	}
	return models.Job{}, false, nil
}

// ExtendLease fails with extendErr. A lost lease also hands the job to another
// worker, as a reaper sweep followed by a fresh claim would.
func (m *memStore) ExtendLease(_ context.Context, id, _ string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if errors.Is(m.extendErr, store.ErrLeaseLost) {
		for _, j := range m.jobs {
			if j.ID == id {
				other := "reclaimed-by-other"
				j.WorkerID = &other
			}
		}
	}
	return m.extendErr
}

func (m *memStore) resolve(id, workerID string, fn func(j *models.Job)) error {
	for _, j := range m.jobs {
		if j.ID != id {
			continue
		}
		if j.Status != models.StatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
			return fmt.Errorf("%w: %w", store.ErrStoreUpdate, store.ErrLeaseLost)
		}
		fn(j)
		return nil
	}
	return store.ErrNotFound
}

func (m *memStore) Complete(_ context.Context, id, workerID string, res models.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolve(id, workerID, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Result = res.Result
		if _, ok := m.posts[res.Post.PostID]; ok {
			m.posts[res.Post.PostID] = models.PostReady
			m.updates[res.Post.PostID] = res.Post
		}
	})
}

func (m *memStore) Fail(_ context.Context, id, workerID, postID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolve(id, workerID, func(j *models.Job) {
		j.Status = models.StatusFailed
		j.Error = &message
		if _, ok := m.posts[postID]; ok {
			m.posts[postID] = models.PostFailed
		}
	})
}

func (m *memStore) ReapExpired(context.Context, int) (models.ReapReport, error) {
	return m.reapReport, nil
}

func (m *memStore) CountPending(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusPending {
			n++
		}
	}
	return n, nil
}

func containsType(types []string, t string) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return events.Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recordingPublisher) stages() []events.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Stage, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Stage)
	}
	return out
}

type harness struct {
	cfg       config.Config
	store     *memStore
	publisher *recordingPublisher
	runner    *mediatest.Runner
	processor *Processor
	outDir    string
	srcURL    string
}

func newHarness(t *testing.T, runner *mediatest.Runner) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	source := bytes.Repeat([]byte{0x42}, 5*1024*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(source)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{
		ScratchDir:         t.TempDir(),
		LeaseTimeout:       time.Minute,
		WorkerPollInterval: 10 * time.Millisecond,
		StorageUpsert:      true,
		EnhancerScale:      2,
	}
	engine := media.NewEngine(runner, media.Options{
		Limits: media.Limits{MaxBytes: 100 * 1024 * 1024, MinDuration: 3 * time.Second, MaxDuration: 180 * time.Second},
	}, logger)
	outDir := t.TempDir()
	uploader := objectstore.NewLocalUploader(outDir, "https://cdn.test/videos")
	handlers := NewMediaHandlers(cfg, objectstore.NewDownloader(5*time.Second, 0), engine, enhance.NewPassthrough(logger), uploader, logger)

	st := newMemStore()
	pub := &recordingPublisher{}
	p := NewProcessorWithID(cfg, st, pub, logger, "worker-test")
	handlers.Register(p)

	return &harness{cfg: cfg, store: st, publisher: pub, runner: runner, processor: p, outDir: outDir, srcURL: srv.URL + "/clip.mp4"}
}

func (h *harness) assertScratchClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.cfg.ScratchDir)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch not cleaned, found %d entries", len(entries))
	}
}

func TestProcessor_TranscodeEndToEnd(t *testing.T) {
	h := newHarness(t, &mediatest.Runner{Duration: 10 * time.Second})
	postID := uuid.NewString()
	jobID := h.store.add(models.TypeTranscodePost, map[string]any{
		"post_id":   postID,
		"user_id":   "user-7",
		"video_url": h.srcURL,
		"filter":    "vintage",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	claimed, err := h.processor.RunOnce(ctx)
	if err != nil || !claimed {
		t.Fatalf("run once: claimed=%v err=%v", claimed, err)
	}

	job := h.store.job(jobID)
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s (error %v)", job.Status, job.Error)
	}
	for _, key := range []string{"video_high_url", "video_medium_url", "video_low_url", "thumbnail_url"} {
		url, _ := job.Result[key].(string)
		if !strings.HasPrefix(url, "https://cdn.test/videos/") || !strings.Contains(url, postID+"_") {
			t.Fatalf("%s not populated correctly: %q", key, url)
		}
	}
	if h.store.postStatus(postID) != models.PostReady {
		t.Fatalf("post not marked ready")
	}
	update := h.store.updates[postID]
	if update.Renditions == nil || update.Renditions.Thumbnail == "" {
		t.Fatalf("post renditions not written: %+v", update)
	}

	high := strings.TrimPrefix(job.Result["video_high_url"].(string), "https://cdn.test/videos/")
	data, err := os.ReadFile(filepath.Join(h.outDir, filepath.FromSlash(high)))
	if err != nil {
		t.Fatalf("uploaded high rendition missing: %v", err)
	}
	if !strings.Contains(string(data), "colorchannelmixer") {
		t.Fatalf("high rendition was not filtered")
	}
	if !strings.HasPrefix(high, "renditions/high/") {
		t.Fatalf("unexpected high key %s", high)
	}

	h.assertScratchClean(t)

	want := []events.Stage{events.StageDownloading, events.StageProcessing, events.StageUploading, events.StageCompleted}
	got := h.publisher.stages()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected progress %v", got)
	}
}

func TestProcessor_ResolveOnTranscodeFailure(t *testing.T) {
	h := newHarness(t, &mediatest.Runner{FailStep: mediatest.StepTranscode})
	postID := uuid.NewString()
	jobID := h.store.add(models.TypeTranscodePost, map[string]any{"post_id": postID, "video_url": h.srcURL})

	if _, err := h.processor.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	job := h.store.job(jobID)
	if job.Status != models.StatusFailed || job.Error == nil || *job.Error == "" {
		t.Fatalf("expected failed job with error, got %s %v", job.Status, job.Error)
	}
	if !strings.Contains(*job.Error, "transcode") {
		t.Fatalf("error should name the failing step: %s", *job.Error)
	}
	if h.store.postStatus(postID) != models.PostFailed {
		t.Fatalf("post not marked failed")
	}
	h.assertScratchClean(t)
	stages := h.publisher.stages()
	if stages[len(stages)-1] != events.StageFailed {
		t.Fatalf("expected failed event last, got %v", stages)
	}
	// subscribers get a reason code, never paths or tool output
	if ev := h.publisher.last(); ev.Error != "transcode_failed" {
		t.Fatalf("unexpected failure reason %q", ev.Error)
	}
}

func TestFailureCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: post_id is required", models.ErrInvalidPayload), "invalid_payload"},
		{fmt.Errorf("%w: status 404", objectstore.ErrDownload), "download_failed"},
		{&media.ToolError{Kind: media.ErrValidation, Path: "/scratch/raw.mp4", Err: errors.New("too short")}, "validation_failed"},
		{&enhance.Error{Reason: enhance.ReasonTimeout, Input: "/scratch/raw.mp4"}, "enhance_failed"},
		{fmt.Errorf("%w: denied", objectstore.ErrUpload), "upload_failed"},
		{errors.New("handler panic: boom"), "processing_failed"},
	}
	for _, tc := range cases {
		if got := failureCode(tc.err); got != tc.want {
			t.Fatalf("failureCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestProcessor_ValidationRejectsShortClip(t *testing.T) {
	h := newHarness(t, &mediatest.Runner{Duration: 2 * time.Second})
	postID := uuid.NewString()
	jobID := h.store.add(models.TypeTranscodePost, map[string]any{"post_id": postID, "video_url": h.srcURL})

	if _, err := h.processor.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if job := h.store.job(jobID); job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if h.runner.Count(mediatest.StepTranscode) != 0 {
		t.Fatalf("no transcode should run after a validation failure")
	}
	h.assertScratchClean(t)
}

func TestProcessor_UpscaleWithPassthrough(t *testing.T) {
	h := newHarness(t, &mediatest.Runner{})
	postID := uuid.NewString()
	jobID := h.store.add(models.TypeUpscaleVideo, map[string]any{"post_id": postID, "video_url": h.srcURL})

	if _, err := h.processor.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := h.store.job(jobID)
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", job.Status, job.Error)
	}
	url, _ := job.Result["public_url"].(string)
	if !strings.HasPrefix(url, "https://cdn.test/videos/enhanced/"+postID+"_") {
		t.Fatalf("unexpected public url %q", url)
	}
	if h.store.updates[postID].EnhancedURL != url {
		t.Fatalf("post enhanced url not written")
	}
	h.assertScratchClean(t)
}

func TestProcessor_InvalidPayloadFailsJob(t *testing.T) {
	h := newHarness(t, &mediatest.Runner{})
	jobID := h.store.add(models.TypeTranscodePost, map[string]any{"post_id": "not-a-uuid", "video_url": h.srcURL})

	if _, err := h.processor.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := h.store.job(jobID)
	if job.Status != models.StatusFailed || !strings.Contains(*job.Error, "invalid payload") {
		t.Fatalf("expected payload failure, got %s %v", job.Status, job.Error)
	}
}

func TestProcessor_PanicBecomesFailure(t *testing.T) {
	st := newMemStore()
	p := NewProcessorWithID(config.Config{ScratchDir: t.TempDir()}, st, nil, zaptest.NewLogger(t), "w")
	p.RegisterHandler("explode", func(context.Context, Task) (models.Resolution, error) {
		panic("boom")
	})
	jobID := st.add("explode", map[string]any{})

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := st.job(jobID)
	if job.Status != models.StatusFailed || !strings.Contains(*job.Error, "handler panic: boom") {
		t.Fatalf("expected panic to fail the job, got %s %v", job.Status, job.Error)
	}
}

func TestProcessor_RunSurvivesStoreErrors(t *testing.T) {
	st := newMemStore()
	st.claimErrs = 3
	cfg := config.Config{ScratchDir: t.TempDir(), WorkerPollInterval: 5 * time.Millisecond}
	p := NewProcessorWithID(cfg, st, nil, zaptest.NewLogger(t), "w")
	p.RegisterHandler("noop", func(context.Context, Task) (models.Resolution, error) {
		return models.Resolution{Result: map[string]any{"ok": true}}, nil
	})
	jobID := st.add("noop", map[string]any{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for st.job(jobID).Status != models.StatusCompleted {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("job not resolved, status %s", st.job(jobID).Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProcessor_LeaseLossCancelsHandler(t *testing.T) {
	st := newMemStore()
	st.extendErr = store.ErrLeaseLost
	cfg := config.Config{ScratchDir: t.TempDir(), LeaseTimeout: 30 * time.Millisecond}
	p := NewProcessorWithID(cfg, st, nil, zaptest.NewLogger(t), "w")

	cancelled := make(chan bool, 1)
	p.RegisterHandler("slow", func(ctx context.Context, _ Task) (models.Resolution, error) {
		select {
		case <-ctx.Done():
			cancelled <- true
			return models.Resolution{}, ctx.Err()
		case <-time.After(2 * time.Second):
			cancelled <- false
			return models.Resolution{}, nil
		}
	})
	jobID := st.add("slow", map[string]any{})

	// the outcome is discarded, which is not a poll error
	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !<-cancelled {
		t.Fatalf("handler should be cancelled once the lease is lost")
	}
	if job := st.job(jobID); job.Status != models.StatusProcessing || *job.WorkerID != "reclaimed-by-other" {
		t.Fatalf("stale worker must not resolve a reclaimed job, got %s", job.Status)
	}
}

func TestProcessor_TypesAndNoHandlers(t *testing.T) {
	p := NewProcessorWithID(config.Config{}, newMemStore(), nil, nil, "w")
	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error without handlers")
	}
	noop := func(context.Context, Task) (models.Resolution, error) { return models.Resolution{}, nil }
	p.RegisterHandler(models.TypeUpscaleVideo, noop)
	p.RegisterHandler(models.TypeTranscodePost, noop)
	p.RegisterHandler("", noop)
	if got := p.Types(); fmt.Sprint(got) != fmt.Sprint([]string{models.TypeTranscodePost, models.TypeUpscaleVideo}) {
		t.Fatalf("unexpected types %v", got)
	}
	if DefaultWorkerID() == DefaultWorkerID() {
		t.Fatalf("worker ids should be unique")
	}
}

func TestReaper_Sweep(t *testing.T) {
	st := newMemStore()
	st.reapReport = models.ReapReport{Requeued: []string{"a"}, Failed: []string{"b"}}
	r := NewReaper(st, time.Minute, 3, zaptest.NewLogger(t))

	report, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.Requeued) != 1 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}
