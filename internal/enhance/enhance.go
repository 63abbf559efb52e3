// Package enhance runs the external upscaling tool against a single video file.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"video-pipeline/internal/config"
)

var ErrEnhance = errors.New("enhance")

// Reason classifies an enhancement failure.
type Reason string

const (
	ReasonMissingBinary Reason = "missing_binary"
	ReasonTimeout       Reason = "timeout"
	ReasonExit          Reason = "exit"
	ReasonStderr        Reason = "stderr"
	ReasonOutput        Reason = "output"
	ReasonIO            Reason = "io"
)

// Error is returned for every failed enhancement. It matches ErrEnhance.
type Error struct {
	Reason   Reason
	Input    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "enhance %s: %s", e.Input, e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEnhance}
	}
	return []error{ErrEnhance, e.Err}
}

// Enhancer produces out from in at the given scale factor.
type Enhancer interface {
	Enhance(ctx context.Context, in, out string, scale int) error
}

// New selects the implementation named by cfg.EnhancerMode. Passthrough is
// refused in production.
func New(cfg config.Config, logger *zap.Logger) (Enhancer, error) {
	switch cfg.EnhancerMode {
	case config.EnhancerBinary:
		return NewBinary(cfg.EnhancerPath, cfg.EnhancerTimeout, logger), nil
	case config.EnhancerPassthrough:
		if cfg.IsProduction() {
			return nil, fmt.Errorf("enhancer mode %q is not allowed in production", cfg.EnhancerMode)
		}
		logger.Warn("enhancer running in passthrough mode, enhanced videos are unmodified copies")
		return NewPassthrough(logger), nil
	default:
		return nil, fmt.Errorf("unknown enhancer mode %q", cfg.EnhancerMode)
	}
}
