package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outputs are the artifacts a render leaves behind for upload.
type Outputs struct {
	High      string
	Medium    string
	Low       string
	Thumbnail string
	Probe     ProbeResult
}

// Paths lists the artifacts in upload order.
func (o Outputs) Paths() []string {
	return []string{o.High, o.Medium, o.Low, o.Thumbnail}
}

// Render validates raw, produces the three renditions and a thumbnail in workDir,
// and removes every intermediate it created. The filter runs once on the high
// master; medium and low are derived from the filtered master. raw itself is
// left for the caller to remove.
func (e *Engine) Render(ctx context.Context, raw, workDir, filter string) (out Outputs, err error) {
	probe, err := e.Validate(ctx, raw)
	if err != nil {
		return Outputs{}, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Outputs{}, toolError(ErrTranscode, workDir, err)
	}

	id := uuid.NewString()
	master := filepath.Join(workDir, id+"_master.mp4")
	filtered := filepath.Join(workDir, id+"_filtered.mp4")
	out = Outputs{
		High:      filepath.Join(workDir, id+"_high.mp4"),
		Medium:    filepath.Join(workDir, id+"_medium.mp4"),
		Low:       filepath.Join(workDir, id+"_low.mp4"),
		Thumbnail: filepath.Join(workDir, id+"_thumb.jpg"),
		Probe:     probe,
	}

	defer func() {
		removeAll(master, filtered)
		if err != nil {
			removeAll(out.Paths()...)
			out = Outputs{}
		}
	}()

	log := e.logger.With(zap.String("source", raw), zap.String("filter", filter))

	if err := e.Transcode(ctx, raw, master, High); err != nil {
		return out, err
	}
	if err := e.ApplyFilter(ctx, master, filtered, filter); err != nil {
		return out, err
	}
	if err := os.Rename(filtered, out.High); err != nil {
		return out, toolError(ErrFilter, filtered, fmt.Errorf("promote filtered master: %w", err))
	}
	if err := e.Transcode(ctx, out.High, out.Medium, Medium); err != nil {
		return out, err
	}
	if err := e.Transcode(ctx, out.High, out.Low, Low); err != nil {
		return out, err
	}
	if err := e.Thumbnail(ctx, out.High, out.Thumbnail, e.opts.ThumbnailAt); err != nil {
		return out, err
	}

	log.Debug("render finished", zap.Duration("duration", probe.Duration))
	return out, nil
}

func removeAll(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		_ = os.Remove(p)
	}
}
