package toolchain

import (
	"fmt"
	"regexp"
	"sort"
)

// An Invocation is a fully rendered command line for one of the external
// pipeline tools. Dir is the working directory the tool must run in, since the
// training tool persists checkpoints relative to its cwd.
type Invocation struct {
	Program string
	Args    []string
	Dir     string
}

var runIdRe = regexp.MustCompile(`^[0-9]{2}$`)

// FormatRunId renders a run number as the zero-padded two-digit identifier
// used in saved_models/<id> directory names.
func FormatRunId(n int) (string, error) {
	if n < 0 || n > 99 {
		return "", fmt.Errorf("run number %d out of range for two-digit run id", n)
	}
	return fmt.Sprintf("%02d", n), nil
}

func ValidateRunId(id string) error {
	if !runIdRe.MatchString(id) {
		return fmt.Errorf("invalid run id %q: must be a zero-padded two-digit string", id)
	}
	return nil
}

// Toolchain builds invocations of the external training, evaluation, and
// ensembling programs. The scripts are run through Interpreter (typically
// python3); an empty Interpreter executes the scripts directly.
type Toolchain struct {
	Interpreter    string
	TrainScript    string
	EvalScript     string
	EnsembleScript string
}

func (t *Toolchain) invocation(script string, args []string, dir string) Invocation {
	if t.Interpreter == "" {
		return Invocation{Program: script, Args: args, Dir: dir}
	}
	return Invocation{Program: t.Interpreter, Args: append([]string{script}, args...), Dir: dir}
}

func (t *Toolchain) Train(seed int64, runId string, positionalAttention bool, dir string) (Invocation, error) {
	if err := ValidateRunId(runId); err != nil {
		return Invocation{}, err
	}

	args := []string{"--seed", fmt.Sprintf("%d", seed), "--id", runId}
	if positionalAttention {
		args = append(args, "--diagonal_positional_attention")
	}
	return t.invocation(t.TrainScript, args, dir), nil
}

func (t *Toolchain) Eval(modelDir, outPath, dir string) Invocation {
	return t.invocation(t.EvalScript, []string{modelDir, "--out", outPath}, dir)
}

// Ensemble combines the given prediction files. The files are passed in
// lexicographic order so that the argument list is deterministic and matches
// run-id order regardless of how the caller assembled the slice.
func (t *Toolchain) Ensemble(dataset string, predictions []string, dir string) Invocation {
	sorted := make([]string, len(predictions))
	copy(sorted, predictions)
	sort.Strings(sorted)

	args := append([]string{"--dataset", dataset}, sorted...)
	return t.invocation(t.EnsembleScript, args, dir)
}
