package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"relex-backend/internal/pipeline"
	"relex-backend/internal/toolchain"

	"github.com/schollz/progressbar/v3"
)

// Runs a full training pipeline in the current process: one training and one
// evaluation per configured run, then a single ensemble over all predictions.
// Steps run strictly in order and the first failure aborts the pipeline.

func main() {
	manifestPath := flag.String("manifest", "", "path to a pipeline manifest (optional, defaults to 5 runs on the test set)")
	root := flag.String("root", ".", "working directory for the pipeline scripts")
	python := flag.String("python", "python3", "python interpreter")
	trainScript := flag.String("runner", "runner.py", "training script")
	evalScript := flag.String("eval", "eval.py", "evaluation script")
	ensembleScript := flag.String("ensemble", "ensemble.py", "ensembling script")
	flag.Parse()

	manifest := pipeline.DefaultManifest()
	if *manifestPath != "" {
		var err error
		manifest, err = pipeline.LoadManifest(*manifestPath)
		if err != nil {
			log.Fatalf("error loading manifest: %v", err)
		}
	}

	tools := &toolchain.Toolchain{
		Interpreter:    *python,
		TrainScript:    *trainScript,
		EvalScript:     *evalScript,
		EnsembleScript: *ensembleScript,
	}
	runner := &toolchain.ExecRunner{}

	bar := progressbar.NewOptions(2*len(manifest.Runs)+1,
		progressbar.OptionSetDescription("⏳ training"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	ctx := context.Background()

	for _, run := range manifest.Runs {
		bar.Describe(fmt.Sprintf("⏳ training run %s", run.Id))
		inv, err := tools.Train(run.Seed, run.Id, manifest.Attention(), *root)
		if err != nil {
			log.Fatalf("error building training invocation for run %s: %v", run.Id, err)
		}
		if _, err := runner.Run(ctx, inv); err != nil {
			log.Fatalf("training run %s failed: %v", run.Id, err)
		}
		_ = bar.Add(1)
	}

	for _, run := range manifest.Runs {
		bar.Describe(fmt.Sprintf("⏳ evaluating run %s", run.Id))
		modelDir := filepath.Join("saved_models", run.Id)
		if _, err := os.Stat(filepath.Join(*root, modelDir)); err != nil {
			log.Fatalf("model directory for run %s not found: %v", run.Id, err)
		}
		inv := tools.Eval(modelDir, run.Id+".pkl", *root)
		if _, err := runner.Run(ctx, inv); err != nil {
			log.Fatalf("evaluation of run %s failed: %v", run.Id, err)
		}
		_ = bar.Add(1)
	}

	bar.Describe("⏳ ensembling")
	predictions := make([]string, 0, len(manifest.Runs))
	for _, run := range manifest.Runs {
		predictions = append(predictions, run.Id+".pkl")
	}
	inv := tools.Ensemble(manifest.Dataset, predictions, *root)
	output, err := runner.Run(ctx, inv)
	if err != nil {
		log.Fatalf("ensembling failed: %v", err)
	}
	_ = bar.Add(1)
	_ = bar.Finish()

	fmt.Print(string(output))
}
