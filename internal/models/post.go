package models

import "time"

// Content record processing states.
const (
	PostPending = "pending"
	PostReady   = "ready"
	PostFailed  = "failed"
)

// Post is the user-facing content record. The pipeline only writes the
// processing status, the rendition/enhanced URLs and their timestamps.
type Post struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	MediaURL          string     `json:"media_url"`
	ProcessingStatus  string     `json:"processing_status"`
	VisualFilter      string     `json:"visual_filter"`
	VideoHighURL      *string    `json:"video_high_url,omitempty"`
	VideoMediumURL    *string    `json:"video_medium_url,omitempty"`
	VideoLowURL       *string    `json:"video_low_url,omitempty"`
	ThumbnailURL      *string    `json:"thumbnail_url,omitempty"`
	EnhancedURL       *string    `json:"enhanced_url,omitempty"`
	EnhanceStartedAt  *time.Time `json:"enhance_started_at,omitempty"`
	EnhanceFinishedAt *time.Time `json:"enhance_finished_at,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
}

// Renditions are the public URLs produced by the standard transcode pipeline.
type Renditions struct {
	High      string `json:"video_high_url"`
	Medium    string `json:"video_medium_url"`
	Low       string `json:"video_low_url"`
	Thumbnail string `json:"thumbnail_url"`
}

// AsResult flattens the renditions into a job result document.
func (r Renditions) AsResult() map[string]any {
	return map[string]any{
		"video_high_url":   r.High,
		"video_medium_url": r.Medium,
		"video_low_url":    r.Low,
		"thumbnail_url":    r.Thumbnail,
	}
}

// PostUpdate is the narrow write the worker performs on a content record when a
// job succeeds. Exactly one of Renditions or EnhancedURL is set.
type PostUpdate struct {
	PostID      string
	Renditions  *Renditions
	EnhancedURL string
}
