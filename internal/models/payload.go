package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// ErrInvalidPayload marks a job whose payload cannot be executed.
var ErrInvalidPayload = errors.New("invalid payload")

// MediaPayload is the payload shape shared by transcode_post and upscale_video.
// Scale is only read by upscale_video.
type MediaPayload struct {
	PostID   string `json:"post_id"`
	UserID   string `json:"user_id,omitempty"`
	VideoURL string `json:"video_url"`
	Filter   string `json:"filter,omitempty"`
	Scale    int    `json:"scale,omitempty"`
}

// DecodeMediaPayload maps a generic job payload onto MediaPayload and checks the
// fields every media job needs.
func DecodeMediaPayload(raw map[string]any) (MediaPayload, error) {
	var p MediaPayload
	data, err := json.Marshal(raw)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.PostID == "" {
		return p, errors.New("post_id is required")
	}
	if _, err := uuid.Parse(p.PostID); err != nil {
		return p, fmt.Errorf("post_id %q is not a uuid", p.PostID)
	}
	if p.VideoURL == "" {
		return p, errors.New("video_url is required")
	}
	u, err := url.Parse(p.VideoURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return p, fmt.Errorf("video_url %q is not an http(s) url", p.VideoURL)
	}
	if p.Scale < 0 {
		return p, fmt.Errorf("scale must be positive, got %d", p.Scale)
	}
	return p, nil
}

// Map converts the payload back into the generic form stored in the jobs table.
func (p MediaPayload) Map() map[string]any {
	out := map[string]any{
		"post_id":   p.PostID,
		"video_url": p.VideoURL,
	}
	if p.UserID != "" {
		out["user_id"] = p.UserID
	}
	if p.Filter != "" {
		out["filter"] = p.Filter
	}
	if p.Scale > 0 {
		out["scale"] = p.Scale
	}
	return out
}
