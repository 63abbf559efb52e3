package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ProbeResult is the subset of container metadata the pipeline relies on.
type ProbeResult struct {
	Duration time.Duration
	Width    int
	Height   int
	HasVideo bool
	HasAudio bool
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads container metadata with ffprobe. Any failure, including output
// that cannot be parsed, is a validation error.
func (e *Engine) Probe(ctx context.Context, path string) (ProbeResult, error) {
	out, err := e.runner.Run(ctx, e.opts.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return ProbeResult{}, toolError(ErrValidation, path, fmt.Errorf("probe: %w", err))
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return ProbeResult{}, toolError(ErrValidation, path, fmt.Errorf("decode probe output: %w", err))
	}

	var res ProbeResult
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if !res.HasVideo {
				res.Width, res.Height = s.Width, s.Height
			}
			res.HasVideo = true
		case "audio":
			res.HasAudio = true
		}
	}
	if parsed.Format.Duration != "" {
		secs, err := strconv.ParseFloat(parsed.Format.Duration, 64)
		if err != nil {
			return ProbeResult{}, toolError(ErrValidation, path, fmt.Errorf("parse duration %q: %w", parsed.Format.Duration, err))
		}
		res.Duration = time.Duration(secs * float64(time.Second))
	}
	return res, nil
}
