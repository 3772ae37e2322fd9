package toolchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatRunId(t *testing.T) {
	id, err := FormatRunId(1)
	require.NoError(t, err)
	assert.Equal(t, "01", id)

	id, err = FormatRunId(42)
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	_, err = FormatRunId(-1)
	assert.Error(t, err)

	_, err = FormatRunId(100)
	assert.Error(t, err)
}

func TestValidateRunId(t *testing.T) {
	for _, id := range []string{"00", "01", "99"} {
		assert.NoError(t, ValidateRunId(id))
	}
	for _, id := range []string{"", "1", "001", "5a", "ab", " 1"} {
		assert.Error(t, ValidateRunId(id), "run id %q should be rejected", id)
	}
}

func TestTrainInvocation(t *testing.T) {
	tools := &Toolchain{
		Interpreter: "python3",
		TrainScript: "runner.py",
	}

	inv, err := tools.Train(1234, "03", true, "/work")
	require.NoError(t, err)
	assert.Equal(t, "python3", inv.Program)
	assert.Equal(t, []string{"runner.py", "--seed", "1234", "--id", "03", "--diagonal_positional_attention"}, inv.Args)
	assert.Equal(t, "/work", inv.Dir)

	inv, err = tools.Train(5, "01", false, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"runner.py", "--seed", "5", "--id", "01"}, inv.Args)

	_, err = tools.Train(5, "1", true, "")
	assert.Error(t, err)
}

func TestTrainInvocationWithoutInterpreter(t *testing.T) {
	tools := &Toolchain{TrainScript: "./runner"}

	inv, err := tools.Train(7, "02", true, "")
	require.NoError(t, err)
	assert.Equal(t, "./runner", inv.Program)
	assert.Equal(t, []string{"--seed", "7", "--id", "02", "--diagonal_positional_attention"}, inv.Args)
}

func TestEvalInvocation(t *testing.T) {
	tools := &Toolchain{
		Interpreter: "python3",
		EvalScript:  "eval.py",
	}

	inv := tools.Eval("saved_models/04", "04.pkl", "/work")
	assert.Equal(t, "python3", inv.Program)
	assert.Equal(t, []string{"eval.py", "saved_models/04", "--out", "04.pkl"}, inv.Args)
	assert.Equal(t, "/work", inv.Dir)
}

func TestEnsembleInvocation(t *testing.T) {
	tools := &Toolchain{
		Interpreter:    "python3",
		EnsembleScript: "ensemble.py",
	}

	inv := tools.Ensemble("test", []string{"03.pkl", "01.pkl", "02.pkl"}, "/work")
	assert.Equal(t, "python3", inv.Program)
	assert.Equal(t, []string{"ensemble.py", "--dataset", "test", "01.pkl", "02.pkl", "03.pkl"}, inv.Args)

	// The caller's slice is left alone.
	unsorted := []string{"02.pkl", "01.pkl"}
	tools.Ensemble("dev", unsorted, "")
	assert.Equal(t, []string{"02.pkl", "01.pkl"}, unsorted)
}
