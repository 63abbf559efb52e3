package enhance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 10 * time.Minute
	maxStderr      = 2048
)

// Binary invokes the upscaler as `<path> -i <in> -o <out> -s <scale>`.
type Binary struct {
	path    string
	timeout time.Duration
	logger  *zap.Logger
}

func NewBinary(path string, timeout time.Duration, logger *zap.Logger) *Binary {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binary{path: path, timeout: timeout, logger: logger}
}

// Enhance runs the tool under the configured timeout. The process and everything
// it spawned are killed when the timeout expires. A non-zero exit, anything written to stderr, or a missing
// output file fails the call.
func (b *Binary) Enhance(ctx context.Context, in, out string, scale int) error {
	bin, err := exec.LookPath(b.path)
	if err != nil {
		return &Error{Reason: ReasonMissingBinary, Input: in, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "-i", in, "-o", out, "-s", strconv.Itoa(scale))
	cmd.WaitDelay = 5 * time.Second
	killProcessGroup(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	errText := stderrTail(stderr.String())

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Reason: ReasonTimeout, Input: in, Err: fmt.Errorf("killed after %s", b.timeout)}
	}
	if runErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &Error{Reason: ReasonExit, Input: in, ExitCode: code, Stderr: errText, Err: runErr}
	}
	if errText != "" {
		return &Error{Reason: ReasonStderr, Input: in, Stderr: errText}
	}

	info, err := os.Stat(out)
	if err != nil {
		return &Error{Reason: ReasonOutput, Input: in, Err: err}
	}
	if info.Size() == 0 {
		return &Error{Reason: ReasonOutput, Input: in, Err: errors.New("empty output")}
	}

	b.logger.Info("enhancement finished",
		zap.String("input", in),
		zap.Int("scale", scale),
		zap.Duration("took", time.Since(start)),
		zap.Int64("output_bytes", info.Size()),
	)
	return nil
}

// stderrTail keeps the end of the tool's stderr, which is where the failure is
// usually reported, cut on a rune boundary.
func stderrTail(s string) string {
	s = strings.ToValidUTF8(strings.TrimSpace(s), "\uFFFD")
	if len(s) <= maxStderr {
		return s
	}
	start := len(s) - maxStderr
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
