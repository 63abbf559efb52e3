// Package events fans job progress out to subscribers. Delivery is best effort;
// the job table stays the source of truth.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"video-pipeline/internal/config"
)

// Stage is a step in a job's visible progress.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageProcessing  Stage = "processing"
	StageUploading   Stage = "uploading"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Progress is the percentage reported for each stage.
func (s Stage) Progress() int {
	switch s {
	case StageDownloading:
		return 10
	case StageProcessing:
		return 50
	case StageUploading:
		return 80
	case StageCompleted:
		return 100
	default:
		return 0
	}
}

// Event kinds.
const (
	KindProgress  = "progress"
	KindCompleted = "completed"
	KindFailed    = "failed"
)

type Event struct {
	Kind     string         `json:"type"`
	JobID    string         `json:"job_id"`
	JobType  string         `json:"job_type"`
	PostID   string         `json:"post_id,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Stage    Stage          `json:"stage"`
	Progress int            `json:"progress"`
	Error    string         `json:"error,omitempty"`
	Result   map[string]any `json:"urls,omitempty"`
	At       time.Time      `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// New builds the publisher named by cfg.EventsBackend. rdb is only used by the
// redis backend.
func New(cfg config.Config, rdb *redis.Client) (Publisher, error) {
	switch cfg.EventsBackend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis events backend needs a redis client")
		}
		return NewRedisPublisher(rdb), nil
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "none", "":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.EventsBackend)
	}
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

func stamp(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Progress == 0 {
		ev.Progress = ev.Stage.Progress()
	}
	if ev.Kind == "" {
		switch ev.Stage {
		case StageCompleted:
			ev.Kind = KindCompleted
		case StageFailed:
			ev.Kind = KindFailed
		default:
			ev.Kind = KindProgress
		}
	}
	return ev
}
