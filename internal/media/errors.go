package media

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation")
	ErrTranscode  = errors.New("transcode")
	ErrFilter     = errors.New("filter")
	ErrThumbnail  = errors.New("thumbnail")
)

// ToolError describes a failed transform step. Kind is one of the package
// sentinels so callers can match with errors.Is. ExitCode and Stderr are set
// when the step failed inside an external tool.
type ToolError struct {
	Kind     error
	Path     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v %s", e.Kind, e.Path)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ToolError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func toolError(kind error, path string, err error) *ToolError {
	te := &ToolError{Kind: kind, Path: path, Err: err}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.Code
		te.Stderr = exitErr.Stderr
	}
	return te
}
