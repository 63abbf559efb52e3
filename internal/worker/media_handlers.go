package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"video-pipeline/internal/config"
	"video-pipeline/internal/enhance"
	"video-pipeline/internal/events"
	"video-pipeline/internal/media"
	"video-pipeline/internal/models"
	"video-pipeline/internal/objectstore"
)

// MediaHandlers executes the two media job types: transcode_post runs the
// rendition pipeline, upscale_video runs the enhancer.
type MediaHandlers struct {
	downloader *objectstore.Downloader
	engine     *media.Engine
	enhancer   enhance.Enhancer
	uploader   objectstore.Uploader
	upsert     bool
	scale      int
	logger     *zap.Logger
	now        func() time.Time
}

func NewMediaHandlers(cfg config.Config, dl *objectstore.Downloader, engine *media.Engine, enh enhance.Enhancer, up objectstore.Uploader, logger *zap.Logger) *MediaHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	scale := cfg.EnhancerScale
	if scale < 1 {
		scale = 2
	}
	return &MediaHandlers{
		downloader: dl,
		engine:     engine,
		enhancer:   enh,
		uploader:   up,
		upsert:     cfg.StorageUpsert,
		scale:      scale,
		logger:     logger,
		now:        time.Now,
	}
}

// Register binds both job types on p.
func (h *MediaHandlers) Register(p *Processor) {
	p.RegisterHandler(models.TypeTranscodePost, h.TranscodePost)
	p.RegisterHandler(models.TypeUpscaleVideo, h.UpscaleVideo)
}

// TranscodePost downloads the source, renders the renditions and thumbnail and
// uploads all four.
func (h *MediaHandlers) TranscodePost(ctx context.Context, task Task) (models.Resolution, error) {
	payload, err := models.DecodeMediaPayload(task.Job.Payload)
	if err != nil {
		return models.Resolution{}, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}

	task.Progress(events.StageDownloading)
	raw, err := h.downloader.Download(ctx, payload.VideoURL, task.ScratchDir)
	if err != nil {
		return models.Resolution{}, err
	}
	defer os.Remove(raw)

	task.Progress(events.StageProcessing)
	out, err := h.engine.Render(ctx, raw, filepath.Join(task.ScratchDir, "render"), payload.Filter)
	if err != nil {
		return models.Resolution{}, err
	}
	defer func() {
		for _, p := range out.Paths() {
			_ = os.Remove(p)
		}
	}()

	task.Progress(events.StageUploading)
	at := h.now()
	var r models.Renditions
	for _, u := range []struct {
		path     string
		category string
		dst      *string
	}{
		{out.High, "renditions/" + media.High.Name, &r.High},
		{out.Medium, "renditions/" + media.Medium.Name, &r.Medium},
		{out.Low, "renditions/" + media.Low.Name, &r.Low},
		{out.Thumbnail, "thumbnails", &r.Thumbnail},
	} {
		url, err := h.upload(ctx, u.path, u.category, payload.PostID, at)
		if err != nil {
			return models.Resolution{}, err
		}
		*u.dst = url
	}

	h.logger.Info("renditions uploaded",
		zap.String("job_id", task.Job.ID),
		zap.String("post_id", payload.PostID),
		zap.String("filter", payload.Filter),
		zap.Duration("source_duration", out.Probe.Duration),
	)
	return models.Resolution{
		Result: r.AsResult(),
		Post:   models.PostUpdate{PostID: payload.PostID, Renditions: &r},
	}, nil
}

// UpscaleVideo runs the enhancer over the source and uploads the result.
func (h *MediaHandlers) UpscaleVideo(ctx context.Context, task Task) (models.Resolution, error) {
	payload, err := models.DecodeMediaPayload(task.Job.Payload)
	if err != nil {
		return models.Resolution{}, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}
	scale := payload.Scale
	if scale == 0 {
		scale = h.scale
	}

	task.Progress(events.StageDownloading)
	raw, err := h.downloader.Download(ctx, payload.VideoURL, task.ScratchDir)
	if err != nil {
		return models.Resolution{}, err
	}
	defer os.Remove(raw)

	task.Progress(events.StageProcessing)
	enhanced := filepath.Join(task.ScratchDir, "enhanced.mp4")
	defer os.Remove(enhanced)
	if err := h.enhancer.Enhance(ctx, raw, enhanced, scale); err != nil {
		return models.Resolution{}, err
	}

	task.Progress(events.StageUploading)
	url, err := h.upload(ctx, enhanced, "enhanced", payload.PostID, h.now())
	if err != nil {
		return models.Resolution{}, err
	}
	return models.Resolution{
		Result: map[string]any{"public_url": url},
		Post:   models.PostUpdate{PostID: payload.PostID, EnhancedURL: url},
	}, nil
}

func (h *MediaHandlers) upload(ctx context.Context, path, category, postID string, at time.Time) (string, error) {
	key := objectstore.Key(category, postID, filepath.Ext(path), at)
	return h.uploader.Upload(ctx, path, key, objectstore.ContentType(path), objectstore.UploadOptions{Upsert: h.upsert})
}

// failureCode maps a job error onto the short reason published to subscribers.
// Paths and tool output stay in the logs and the job row.
func failureCode(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, objectstore.ErrDownload):
		return "download_failed"
	case errors.Is(err, media.ErrValidation):
		return "validation_failed"
	case errors.Is(err, media.ErrTranscode):
		return "transcode_failed"
	case errors.Is(err, media.ErrFilter):
		return "filter_failed"
	case errors.Is(err, media.ErrThumbnail):
		return "thumbnail_failed"
	case errors.Is(err, enhance.ErrEnhance):
		return "enhance_failed"
	case errors.Is(err, objectstore.ErrUpload):
		return "upload_failed"
	default:
		return "processing_failed"
	}
}
