package toolchain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerCapturesStdout(t *testing.T) {
	runner := &ExecRunner{}

	output, err := runner.Run(context.Background(), Invocation{
		Program: "sh",
		Args:    []string{"-c", "echo hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(output))
}

func TestExecRunnerRunsInDir(t *testing.T) {
	runner := &ExecRunner{}
	dir := t.TempDir()

	_, err := runner.Run(context.Background(), Invocation{
		Program: "sh",
		Args:    []string{"-c", "echo data > out.txt"},
		Dir:     dir,
	})
	require.NoError(t, err)
	assert.FileExists(t, dir+"/out.txt")
}

func TestExecRunnerReportsStderr(t *testing.T) {
	runner := &ExecRunner{}

	_, err := runner.Run(context.Background(), Invocation{
		Program: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecRunnerTimeout(t *testing.T) {
	runner := &ExecRunner{Timeout: 100 * time.Millisecond}

	start := time.Now()
	_, err := runner.Run(context.Background(), Invocation{
		Program: "sleep",
		Args:    []string{"5"},
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "a\nb", lastLines([]byte("a\nb\n"), 10))
	assert.Equal(t, "d\ne", lastLines([]byte("a\nb\nc\nd\ne"), 2))
}
