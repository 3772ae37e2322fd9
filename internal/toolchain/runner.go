package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes tool invocations. Implementations must block until the
// process exits and return its captured stdout.
type Runner interface {
	Run(ctx context.Context, inv Invocation) ([]byte, error)
}

// ExecRunner runs invocations as subprocesses via os/exec. A zero Timeout
// means no limit.
type ExecRunner struct {
	Timeout time.Duration
}

func (r *ExecRunner) Run(ctx context.Context, inv Invocation) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Info("running tool", "program", inv.Program, "args", strings.Join(inv.Args, " "), "dir", inv.Dir)

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %s failed: %w: %s", inv.Program, strings.Join(inv.Args, " "), err, lastLines(stderr.Bytes(), 10))
	}

	slog.Info("tool finished", "program", inv.Program, "duration", time.Since(start))
	return stdout.Bytes(), nil
}

// lastLines returns the trailing lines of output for error messages, since
// training tools can produce very long logs.
func lastLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
