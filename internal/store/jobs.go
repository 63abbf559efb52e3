package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"video-pipeline/internal/models"
)

const maxErrorLen = 1024

const jobColumns = `id::text, type, status, payload, result, error, worker_id, attempts, created_at, started_at, completed_at, lease_expires_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type    string
	Payload map[string]any
}

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	return insertJob(ctx, s.pool, p)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertJob(ctx context.Context, db execer, p CreateJobParams) (models.Job, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = db.Exec(ctx, `
		INSERT INTO jobs (id, type, status, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
	`, id, p.Type, models.StatusPending, payloadJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:        id,
		Type:      p.Type,
		Status:    models.StatusPending,
		Payload:   p.Payload,
		CreatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ClaimNext atomically moves the oldest pending job of the given types to
// processing under workerID. Rows locked by concurrent claimers are skipped, so
// no worker ever waits on another's lock. ok is false when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, types []string, workerID string, lease time.Duration) (models.Job, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("%w: begin tx: %w", ErrClaim, err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id::text FROM jobs
		WHERE status = $1 AND type = ANY($2)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, models.StatusPending, types).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("%w: select pending: %w", ErrClaim, err)
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, started_at = NOW(), worker_id = $3, attempts = attempts + 1,
		    lease_expires_at = NOW() + make_interval(secs => $4)
		WHERE id = $1
		RETURNING `+jobColumns,
		id, models.StatusProcessing, workerID, lease.Seconds()))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("%w: mark processing: %w", ErrClaim, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("%w: commit: %w", ErrClaim, err)
	}
	return job, true, nil
}

// ExtendLease pushes the lease deadline of a job this worker still owns.
func (s *Store) ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = NOW() + make_interval(secs => $4)
		WHERE id = $1 AND worker_id = $2 AND status = $3
	`, id, workerID, models.StatusProcessing, lease.Seconds())
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete resolves a job as completed and applies the content record update in
// the same transaction.
func (s *Store) Complete(ctx context.Context, id, workerID string, res models.Resolution) error {
	resultJSON, err := json.Marshal(res.Result)
	if err != nil {
		return fmt.Errorf("%w: marshal result: %w", ErrStoreUpdate, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrStoreUpdate, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $3, completed_at = NOW(), result = $4, error = NULL, lease_expires_at = NULL
		WHERE id = $1 AND worker_id = $2 AND status = $5
	`, id, workerID, models.StatusCompleted, resultJSON, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("%w: complete job %s: %w", ErrStoreUpdate, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: complete job %s: %w", ErrStoreUpdate, id, ErrLeaseLost)
	}

	if err := applyPostUpdate(ctx, tx, res.Post); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUpdate, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrStoreUpdate, err)
	}
	return nil
}

// Fail resolves a job as failed and flags the owning content record.
func (s *Store) Fail(ctx context.Context, id, workerID, postID, message string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrStoreUpdate, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $3, completed_at = NOW(), error = $4, lease_expires_at = NULL
		WHERE id = $1 AND worker_id = $2 AND status = $5
	`, id, workerID, models.StatusFailed, truncate(message, maxErrorLen), models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("%w: fail job %s: %w", ErrStoreUpdate, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: fail job %s: %w", ErrStoreUpdate, id, ErrLeaseLost)
	}

	if err := markPostFailed(ctx, tx, postID); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUpdate, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrStoreUpdate, err)
	}
	return nil
}

// ReapExpired sweeps processing jobs whose lease ran out. Jobs that already used
// maxAttempts claims are failed (and their post flagged); the rest go back to
// pending for another worker.
func (s *Store) ReapExpired(ctx context.Context, maxAttempts int) (models.ReapReport, error) {
	var report models.ReapReport

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return report, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE jobs
		SET status = $1, completed_at = NOW(), error = $2, lease_expires_at = NULL
		WHERE status = $3 AND lease_expires_at < NOW() AND attempts >= $4
		RETURNING id::text, COALESCE(payload->>'post_id', '')
	`, models.StatusFailed, fmt.Sprintf("lease expired after %d attempts", maxAttempts), models.StatusProcessing, maxAttempts)
	if err != nil {
		return report, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	var posts []string
	for rows.Next() {
		var id, postID string
		if err := rows.Scan(&id, &postID); err != nil {
			rows.Close()
			return report, fmt.Errorf("scan reaped job: %w", err)
		}
		report.Failed = append(report.Failed, id)
		posts = append(posts, postID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	for _, postID := range posts {
		if err := markPostFailed(ctx, tx, postID); err != nil {
			return report, err
		}
	}

	rows, err = tx.Query(ctx, `
		UPDATE jobs
		SET status = $1, started_at = NULL, worker_id = NULL, lease_expires_at = NULL
		WHERE status = $2 AND lease_expires_at < NOW()
		RETURNING id::text
	`, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return report, fmt.Errorf("requeue expired jobs: %w", err)
	}
	report.Requeued, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return report, fmt.Errorf("requeue expired jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ReapReport{}, fmt.Errorf("commit: %w", err)
	}
	return report, nil
}

// CountPending returns the number of jobs waiting to be claimed.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON, resultJSON []byte
	var lastErr, workerID pgtype.Text
	var startedAt, completedAt, leaseAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Type, &job.Status, &payloadJSON, &resultJSON, &lastErr, &workerID,
		&job.Attempts, &job.CreatedAt, &startedAt, &completedAt, &leaseAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Error = textPtr(lastErr)
	job.WorkerID = textPtr(workerID)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.LeaseExpiresAt = timePtr(leaseAt)
	return job, nil
}
