// Package mediatest provides a stand-in for ffmpeg and ffprobe so the pipeline
// can be exercised without the real tools.
package mediatest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
	"time"

	"video-pipeline/internal/media"
)

const (
	StepProbe     = "probe"
	StepTranscode = "transcode"
	StepFilter    = "filter"
	StepThumbnail = "thumbnail"
)

// Call records one tool invocation.
type Call struct {
	Step string
	Args []string
}

// Runner fakes ffprobe and ffmpeg. Transcode and filter steps prepend a marker
// line to the input bytes, so an output records every step that produced it.
// Frame extraction writes a small PNG.
type Runner struct {
	// Duration reported by probes. Defaults to 10s.
	Duration time.Duration
	// FailStep makes every call of that step exit non-zero.
	FailStep string

	mu    sync.Mutex
	calls []Call
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := classify(args)
	r.mu.Lock()
	r.calls = append(r.calls, Call{Step: step, Args: append([]string(nil), args...)})
	fail := r.FailStep == step
	r.mu.Unlock()

	if fail {
		return nil, &media.ExitError{Code: 1, Stderr: "forced " + step + " failure", Err: fmt.Errorf("exit status 1")}
	}

	switch step {
	case StepProbe:
		d := r.Duration
		if d == 0 {
			d = 10 * time.Second
		}
		return []byte(fmt.Sprintf(`{"streams":[{"codec_type":"video","width":1080,"height":1920},{"codec_type":"audio"}],"format":{"duration":"%.6f"}}`, d.Seconds())), nil
	case StepThumbnail:
		return nil, writeFrame(args[len(args)-1])
	default:
		in, err := os.ReadFile(argAfter(args, "-i"))
		if err != nil {
			return nil, &media.ExitError{Code: 1, Stderr: err.Error(), Err: err}
		}
		marker := fmt.Sprintf("%s(%s)\n", step, argAfter(args, "-vf"))
		return nil, os.WriteFile(args[len(args)-1], append([]byte(marker), in...), 0o644)
	}
}

// Calls returns a copy of the recorded invocations.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count reports how many invocations of step were made.
func (r *Runner) Count(step string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Step == step {
			n++
		}
	}
	return n
}

func classify(args []string) string {
	switch {
	case contains(args, "-show_streams"):
		return StepProbe
	case contains(args, "-frames:v"):
		return StepThumbnail
	case strings.HasPrefix(argAfter(args, "-vf"), "scale="):
		return StepTranscode
	default:
		return StepFilter
	}
}

func contains(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func writeFrame(path string) error {
	img := image.NewRGBA(image.Rect(0, 0, 108, 192))
	for y := 0; y < 192; y++ {
		for x := 0; x < 108; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
