package enhance

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"
)

// Passthrough copies the input unchanged. It exists so the enhancement job path
// can run where the upscaler is not installed, and warns on every call.
type Passthrough struct {
	logger *zap.Logger
}

func NewPassthrough(logger *zap.Logger) *Passthrough {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Passthrough{logger: logger}
}

func (p *Passthrough) Enhance(_ context.Context, in, out string, scale int) error {
	p.logger.Warn("passthrough enhancer: output is an unmodified copy of the input",
		zap.String("input", in),
		zap.Int("scale", scale),
	)

	src, err := os.Open(in)
	if err != nil {
		return &Error{Reason: ReasonIO, Input: in, Err: err}
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return &Error{Reason: ReasonIO, Input: in, Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return &Error{Reason: ReasonIO, Input: in, Err: err}
	}
	if err := dst.Close(); err != nil {
		return &Error{Reason: ReasonIO, Input: in, Err: err}
	}
	return nil
}
