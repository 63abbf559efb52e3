package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job types handled by the worker.
const (
	TypeTranscodePost = "transcode_post"
	TypeUpscaleVideo  = "upscale_video"
)

// KnownType reports whether t is part of the fixed job catalog.
func KnownType(t string) bool {
	return t == TypeTranscodePost || t == TypeUpscaleVideo
}

// Job represents a unit of deferred work persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Status         string         `json:"status"`
	Payload        map[string]any `json:"payload"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *string        `json:"error,omitempty"`
	WorkerID       *string        `json:"worker_id,omitempty"`
	Attempts       int            `json:"attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
}

// PostID returns the owning content record id from the payload, if any.
func (j Job) PostID() string {
	if v, ok := j.Payload["post_id"].(string); ok {
		return v
	}
	return ""
}

// UserID returns the submitting user's id from the payload, if any.
func (j Job) UserID() string {
	if v, ok := j.Payload["user_id"].(string); ok {
		return v
	}
	return ""
}

// Resolution is what a successful handler hands back for the final store update.
type Resolution struct {
	Result map[string]any
	Post   PostUpdate
}

// ReapReport lists jobs touched by an orphan sweep.
type ReapReport struct {
	Requeued []string
	Failed   []string
}
