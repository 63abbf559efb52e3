package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"video-pipeline/internal/models"
)

// These tests need a disposable database; set TEST_POSTGRES_DSN to run them.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return st
}

// uniqueType isolates each test's rows from anything else in the table.
func uniqueType() string {
	return "test_" + uuid.NewString()
}

func insertPost(t *testing.T, st *Store) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := st.pool.Exec(context.Background(),
		`INSERT INTO posts (id, media_url) VALUES ($1, $2)`, id, "https://cdn.example.com/raw.mp4"); err != nil {
		t.Fatalf("insert post: %v", err)
	}
	return id
}

func TestClaimNext_AtMostOneWorker(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobType := uniqueType()

	created, err := st.CreateJob(ctx, CreateJobParams{Type: jobType, Payload: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	const workers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			job, ok, err := st.ClaimNext(ctx, []string{jobType}, "w-"+uuid.NewString(), time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				if job.ID != created.ID {
					t.Errorf("claimed unexpected job %s", job.ID)
				}
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	got, err := st.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusProcessing || got.StartedAt == nil || got.Attempts != 1 {
		t.Fatalf("unexpected claimed row: status=%s started=%v attempts=%d", got.Status, got.StartedAt, got.Attempts)
	}
}

func TestClaimNext_FIFOPerType(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobType := uniqueType()

	a, err := st.CreateJob(ctx, CreateJobParams{Type: jobType})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	b, err := st.CreateJob(ctx, CreateJobParams{Type: jobType})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	first, ok, err := st.ClaimNext(ctx, []string{jobType}, "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim first: ok=%v err=%v", ok, err)
	}
	second, ok, err := st.ClaimNext(ctx, []string{jobType}, "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim second: ok=%v err=%v", ok, err)
	}
	if first.ID != a.ID || second.ID != b.ID {
		t.Fatalf("expected %s then %s, got %s then %s", a.ID, b.ID, first.ID, second.ID)
	}
	if _, ok, _ := st.ClaimNext(ctx, []string{jobType}, "w1", time.Minute); ok {
		t.Fatalf("claimed a job that already left pending")
	}
}

func TestCompleteAndFail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobType := uniqueType()

	okPost := insertPost(t, st)
	badPost := insertPost(t, st)
	_, _ = st.CreateJob(ctx, CreateJobParams{Type: jobType, Payload: map[string]any{"post_id": okPost}})
	_, _ = st.CreateJob(ctx, CreateJobParams{Type: jobType, Payload: map[string]any{"post_id": badPost}})

	j1, _, err := st.ClaimNext(ctx, []string{jobType}, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	r := models.Renditions{High: "h", Medium: "m", Low: "l", Thumbnail: "t"}
	if err := st.Complete(ctx, j1.ID, "w1", models.Resolution{
		Result: r.AsResult(),
		Post:   models.PostUpdate{PostID: okPost, Renditions: &r},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := st.GetJob(ctx, j1.ID)
	if got.Status != models.StatusCompleted || got.Result["video_low_url"] != "l" || got.CompletedAt == nil {
		t.Fatalf("unexpected completed row: %+v", got)
	}
	post, _ := st.GetPost(ctx, okPost)
	if post.ProcessingStatus != models.PostReady || post.VideoHighURL == nil || *post.VideoHighURL != "h" {
		t.Fatalf("unexpected post after completion: %+v", post)
	}

	// Terminal rows never move again.
	if err := st.Fail(ctx, j1.ID, "w1", okPost, "late"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lease lost on terminal job, got %v", err)
	}

	j2, _, _ := st.ClaimNext(ctx, []string{jobType}, "w2", time.Minute)
	if err := st.Fail(ctx, j2.ID, "someone-else", badPost, "boom"); !errors.Is(err, ErrStoreUpdate) {
		t.Fatalf("expected ownership check to reject foreign worker, got %v", err)
	}
	if err := st.Fail(ctx, j2.ID, "w2", badPost, "transcode failed"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ = st.GetJob(ctx, j2.ID)
	if got.Status != models.StatusFailed || got.Error == nil || *got.Error == "" {
		t.Fatalf("unexpected failed row: %+v", got)
	}
	post, _ = st.GetPost(ctx, badPost)
	if post.ProcessingStatus != models.PostFailed {
		t.Fatalf("expected failed post, got %s", post.ProcessingStatus)
	}
}

func TestReapExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobType := uniqueType()
	post := insertPost(t, st)

	created, _ := st.CreateJob(ctx, CreateJobParams{Type: jobType, Payload: map[string]any{"post_id": post}})
	if _, _, err := st.ClaimNext(ctx, []string{jobType}, "crashed", time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	report, err := st.ReapExpired(ctx, 2)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if !contains(report.Requeued, created.ID) {
		t.Fatalf("expected %s requeued, got %+v", created.ID, report)
	}
	if err := st.Complete(ctx, created.ID, "crashed", models.Resolution{}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale worker must not resolve a requeued job, got %v", err)
	}

	// Second expiry exhausts the attempt budget.
	if _, ok, _ := st.ClaimNext(ctx, []string{jobType}, "crashed-again", time.Millisecond); !ok {
		t.Fatalf("expected requeued job to be claimable")
	}
	time.Sleep(20 * time.Millisecond)
	report, err = st.ReapExpired(ctx, 2)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if !contains(report.Failed, created.ID) {
		t.Fatalf("expected %s failed, got %+v", created.ID, report)
	}
	p, _ := st.GetPost(ctx, post)
	if p.ProcessingStatus != models.PostFailed {
		t.Fatalf("expected failed post after exhausted lease, got %s", p.ProcessingStatus)
	}
}

func TestBeginEnhance(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := insertPost(t, st)

	post, job, err := st.BeginEnhance(ctx, id, "vintage")
	if err != nil {
		t.Fatalf("begin enhance: %v", err)
	}
	if post.ProcessingStatus != models.PostPending || post.VisualFilter != "vintage" || post.EnhanceStartedAt == nil {
		t.Fatalf("unexpected post: %+v", post)
	}
	stored, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("enhance job not committed with the post: %v", err)
	}
	if stored.Type != models.TypeUpscaleVideo || stored.PostID() != id || stored.Payload["filter"] != "vintage" {
		t.Fatalf("unexpected enhance job %+v", stored)
	}
	if _, _, err := st.BeginEnhance(ctx, uuid.NewString(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
