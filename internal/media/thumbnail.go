package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

const (
	thumbWidth   = 360
	thumbHeight  = 640
	thumbQuality = 85
)

// Thumbnail extracts the frame at the given offset and writes a 360x640 JPEG,
// letterboxed in black. An offset past the end of the clip is an error.
func (e *Engine) Thumbnail(ctx context.Context, in, out string, at time.Duration) error {
	probe, err := e.Probe(ctx, in)
	if err != nil {
		return toolError(ErrThumbnail, in, fmt.Errorf("probe: %v", err))
	}
	if at > probe.Duration {
		return toolError(ErrThumbnail, in, fmt.Errorf("offset %s beyond clip duration %s", at, probe.Duration))
	}

	frame := out + ".frame.png"
	defer os.Remove(frame)

	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-y",
		"-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64),
		"-i", in,
		"-frames:v", "1",
		frame,
	}
	if _, err := e.runner.Run(ctx, e.opts.FFmpegPath, args...); err != nil {
		return toolError(ErrThumbnail, in, fmt.Errorf("extract frame: %w", err))
	}

	src, err := imaging.Open(frame)
	if err != nil {
		return toolError(ErrThumbnail, frame, fmt.Errorf("decode frame: %w", err))
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return toolError(ErrThumbnail, frame, fmt.Errorf("empty frame"))
	}

	w, h := fitInside(src.Bounds().Dx(), src.Bounds().Dy(), thumbWidth, thumbHeight)
	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Over, nil)

	canvas := imaging.New(thumbWidth, thumbHeight, color.Black)
	canvas = imaging.PasteCenter(canvas, scaled)
	if err := imaging.Save(canvas, out, imaging.JPEGQuality(thumbQuality)); err != nil {
		return toolError(ErrThumbnail, out, fmt.Errorf("encode: %w", err))
	}
	return nil
}

func fitInside(srcW, srcH, maxW, maxH int) (int, int) {
	w, h := maxW, srcH*maxW/srcW
	if h > maxH {
		w, h = srcW*maxH/srcH, maxH
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
