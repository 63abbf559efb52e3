package media

import (
	"context"
	"fmt"
	"strconv"
)

// Rendition is one delivery variant of a post.
type Rendition struct {
	Name    string
	Width   int
	Height  int
	Bitrate string
}

var (
	High   = Rendition{Name: "high", Width: 1080, Height: 1920, Bitrate: "5000k"}
	Medium = Rendition{Name: "medium", Width: 720, Height: 1280, Bitrate: "2500k"}
	Low    = Rendition{Name: "low", Width: 480, Height: 854, Bitrate: "1000k"}
)

const (
	frameRate    = 30
	audioBitrate = "128k"
)

// scaleAndPad fits the source inside the frame and pads the rest with black.
func (r Rendition) scaleAndPad() string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black",
		r.Width, r.Height, r.Width, r.Height)
}

// Transcode re-encodes in to H.264/AAC at the rendition's frame size and bitrate.
func (e *Engine) Transcode(ctx context.Context, in, out string, r Rendition) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-y",
		"-i", in,
		"-vf", r.scaleAndPad(),
		"-r", strconv.Itoa(frameRate),
		"-c:v", "libx264",
		"-preset", e.opts.Preset,
		"-b:v", r.Bitrate,
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-movflags", "+faststart",
		out,
	}
	if _, err := e.runner.Run(ctx, e.opts.FFmpegPath, args...); err != nil {
		return toolError(ErrTranscode, in, fmt.Errorf("%s rendition: %w", r.Name, err))
	}
	return nil
}
