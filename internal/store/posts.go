package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"video-pipeline/internal/models"
)

const postColumns = `id::text, COALESCE(user_id::text, ''), media_url, processing_status, visual_filter,
	video_high_url, video_medium_url, video_low_url, thumbnail_url, enhanced_url,
	enhance_started_at, enhance_finished_at, processed_at`

// GetPost fetches a content record by id.
func (s *Store) GetPost(ctx context.Context, id string) (models.Post, error) {
	if !validID(id) {
		return models.Post{}, fmt.Errorf("post %q: %w", id, ErrNotFound)
	}
	post, err := scanPost(s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return post, err
}

// BeginEnhance flags a post as pending enhancement and queues the upscale_video
// job for it in the same transaction, so a post is never left pending without a
// job to resolve it.
func (s *Store) BeginEnhance(ctx context.Context, id, filter string) (models.Post, models.Job, error) {
	if !validID(id) {
		return models.Post{}, models.Job{}, fmt.Errorf("post %q: %w", id, ErrNotFound)
	}
	if filter == "" {
		filter = "none"
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Post{}, models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	post, err := scanPost(tx.QueryRow(ctx, `
		UPDATE posts
		SET processing_status = $2, enhance_started_at = NOW(), visual_filter = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+postColumns,
		id, models.PostPending, filter))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, models.Job{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Post{}, models.Job{}, fmt.Errorf("mark post %s: %w", id, err)
	}

	payload := models.MediaPayload{
		PostID:   post.ID,
		UserID:   post.UserID,
		VideoURL: post.MediaURL,
		Filter:   post.VisualFilter,
	}
	job, err := insertJob(ctx, tx, CreateJobParams{Type: models.TypeUpscaleVideo, Payload: payload.Map()})
	if err != nil {
		return models.Post{}, models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Post{}, models.Job{}, fmt.Errorf("commit enhance: %w", err)
	}
	return post, job, nil
}

// applyPostUpdate writes the success side effects of a job onto its post.
// Both branches are plain assignments, so replaying them is harmless.
func applyPostUpdate(ctx context.Context, tx pgx.Tx, u models.PostUpdate) error {
	if !validID(u.PostID) {
		return nil
	}
	switch {
	case u.Renditions != nil:
		r := u.Renditions
		_, err := tx.Exec(ctx, `
			UPDATE posts
			SET video_high_url = $2, video_medium_url = $3, video_low_url = $4, thumbnail_url = $5,
			    processing_status = $6, processed_at = NOW(), updated_at = NOW()
			WHERE id = $1
		`, u.PostID, r.High, r.Medium, r.Low, r.Thumbnail, models.PostReady)
		if err != nil {
			return fmt.Errorf("update post %s renditions: %w", u.PostID, err)
		}
	case u.EnhancedURL != "":
		_, err := tx.Exec(ctx, `
			UPDATE posts
			SET enhanced_url = $2, processing_status = $3, enhance_finished_at = NOW(), updated_at = NOW()
			WHERE id = $1
		`, u.PostID, u.EnhancedURL, models.PostReady)
		if err != nil {
			return fmt.Errorf("update post %s enhanced url: %w", u.PostID, err)
		}
	}
	return nil
}

func markPostFailed(ctx context.Context, tx pgx.Tx, postID string) error {
	if !validID(postID) {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE posts SET processing_status = $2, updated_at = NOW() WHERE id = $1
	`, postID, models.PostFailed)
	if err != nil {
		return fmt.Errorf("mark post %s failed: %w", postID, err)
	}
	return nil
}

func scanPost(row pgx.Row) (models.Post, error) {
	var p models.Post
	var high, medium, low, thumb, enhanced pgtype.Text
	var started, finished, processed pgtype.Timestamptz
	if err := row.Scan(&p.ID, &p.UserID, &p.MediaURL, &p.ProcessingStatus, &p.VisualFilter,
		&high, &medium, &low, &thumb, &enhanced, &started, &finished, &processed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Post{}, err
		}
		return models.Post{}, fmt.Errorf("scan post: %w", err)
	}
	p.VideoHighURL = textPtr(high)
	p.VideoMediumURL = textPtr(medium)
	p.VideoLowURL = textPtr(low)
	p.ThumbnailURL = textPtr(thumb)
	p.EnhancedURL = textPtr(enhanced)
	p.EnhanceStartedAt = timePtr(started)
	p.EnhanceFinishedAt = timePtr(finished)
	p.ProcessedAt = timePtr(processed)
	return p, nil
}
