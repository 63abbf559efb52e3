package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrClaim marks a transactional failure while claiming a job.
	ErrClaim = errors.New("claim job")
	// ErrStoreUpdate marks a failure writing a job's final status.
	ErrStoreUpdate = errors.New("store update")
	// ErrLeaseLost means the job is no longer processing under this worker,
	// typically because the reaper requeued it.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrNotFound is returned when a job or post does not exist.
	ErrNotFound = errors.New("not found")
)

// Store wraps pgxpool for Postgres persistence of jobs and content records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

// validID guards uuid columns from free-form payload values.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// truncate cuts s to at most n bytes without splitting a rune. Postgres rejects
// invalid UTF-8 in text columns.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
