package media

import (
	"time"

	"go.uber.org/zap"

	"video-pipeline/internal/config"
)

// Limits bound what Validate accepts. Both duration bounds are inclusive.
type Limits struct {
	MaxBytes    int64
	MinDuration time.Duration
	MaxDuration time.Duration
}

// Options configure an Engine.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	Preset      string
	Limits      Limits
	ThumbnailAt time.Duration
}

// OptionsFromConfig maps worker configuration onto engine options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Preset:      cfg.FFmpegPreset,
		Limits: Limits{
			MaxBytes:    cfg.MaxInputBytes,
			MinDuration: cfg.MinDuration,
			MaxDuration: cfg.MaxDuration,
		},
		ThumbnailAt: cfg.ThumbnailAt,
	}
}

// Engine performs the local file transforms. It keeps no per-job state and is
// safe for concurrent use when its Runner is.
type Engine struct {
	runner Runner
	opts   Options
	logger *zap.Logger
}

func NewEngine(runner Runner, opts Options, logger *zap.Logger) *Engine {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.Preset == "" {
		opts.Preset = "fast"
	}
	if opts.ThumbnailAt <= 0 {
		opts.ThumbnailAt = time.Second
	}
	return &Engine{runner: runner, opts: opts, logger: logger}
}
