// Package toolchain runs the external build toolchain. The toolchain
// is an opaque process: it gets a working directory and arguments, and
// communicates failure purely via exit status plus its combined
// stdout/stderr text.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"sketchd/pkg/types"
)

// Runner invokes the toolchain once. Implementations must capture both
// output streams; the combined text is the primary diagnostic surface
// returned to end users on failure.
type Runner interface {
	Run(ctx context.Context, workDir string, args ...string) (output []byte, err error)
}

// ExecRunner runs the configured toolchain executable as a subprocess.
// Every invocation carries a deadline: a hung toolchain must not pin a
// build slot forever.
type ExecRunner struct {
	command string
	timeout time.Duration
}

// NewExecRunner creates a runner for the given executable. A zero
// timeout means no deadline beyond the caller's context.
func NewExecRunner(command string, timeout time.Duration) *ExecRunner {
	return &ExecRunner{command: command, timeout: timeout}
}

// Run executes the toolchain in workDir. The returned output is stdout
// followed by stderr, verbatim. A non-zero exit returns the exec error
// alongside the captured output; a deadline expiry returns ErrTimeout.
func (r *ExecRunner) Run(ctx context.Context, workDir string, args ...string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := append(stdout.Bytes(), stderr.Bytes()...)

	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("%w: %s %v after %s", types.ErrTimeout, r.command, args, r.timeout)
	}
	if err != nil {
		return output, fmt.Errorf("%s %v: %w", r.command, args, err)
	}
	return output, nil
}
