package media

import (
	"context"
	"fmt"
	"os"
)

// Validate is the hard gate in front of every transform. It rejects files larger
// than Limits.MaxBytes, containers without a video stream, and durations outside
// [MinDuration, MaxDuration].
func (e *Engine) Validate(ctx context.Context, path string) (ProbeResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ProbeResult{}, toolError(ErrValidation, path, err)
	}
	limits := e.opts.Limits
	if limits.MaxBytes > 0 && info.Size() > limits.MaxBytes {
		return ProbeResult{}, toolError(ErrValidation, path,
			fmt.Errorf("size %d bytes exceeds limit of %d", info.Size(), limits.MaxBytes))
	}

	res, err := e.Probe(ctx, path)
	if err != nil {
		return ProbeResult{}, err
	}
	if !res.HasVideo {
		return ProbeResult{}, toolError(ErrValidation, path, fmt.Errorf("no video stream"))
	}
	if res.Duration < limits.MinDuration || (limits.MaxDuration > 0 && res.Duration > limits.MaxDuration) {
		return ProbeResult{}, toolError(ErrValidation, path,
			fmt.Errorf("duration %s outside [%s, %s]", res.Duration, limits.MinDuration, limits.MaxDuration))
	}
	return res, nil
}
