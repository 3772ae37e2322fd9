package api

import (
	"sort"

	"relex-backend/internal/database"
	"relex-backend/pkg/api"
)

func convertPipeline(record *database.Pipeline) api.Pipeline {
	p := api.Pipeline{
		Id:                  record.Id,
		Name:                record.Name,
		Dataset:             record.Dataset,
		PositionalAttention: record.PositionalAttention,
		Status:              record.Status,
		CreationTime:        record.CreationTime,
		Stopped:             record.Stopped,
	}

	if record.CompletionTime.Valid {
		t := record.CompletionTime.Time
		p.CompletionTime = &t
	}
	if record.ResultKey.Valid {
		p.ResultKey = record.ResultKey.String
	}
	if record.EnsembleTask != nil {
		p.EnsembleStatus = record.EnsembleTask.Status
	}

	evalByRun := make(map[string]*database.EvalTask, len(record.EvalTasks))
	for i := range record.EvalTasks {
		evalByRun[record.EvalTasks[i].RunId] = &record.EvalTasks[i]
	}

	for _, train := range record.TrainTasks {
		run := api.RunState{
			RunId:       train.RunId,
			Seed:        train.Seed,
			TrainStatus: train.Status,
		}
		if train.ModelKey.Valid {
			run.ModelKey = train.ModelKey.String
		}
		if eval, ok := evalByRun[train.RunId]; ok {
			run.EvalStatus = eval.Status
			if eval.PredictionsKey.Valid {
				run.PredictionsKey = eval.PredictionsKey.String
			}
		}
		p.Runs = append(p.Runs, run)
	}
	sort.Slice(p.Runs, func(i, j int) bool { return p.Runs[i].RunId < p.Runs[j].RunId })

	for _, e := range record.Errors {
		p.Errors = append(p.Errors, api.PipelineError{Error: e.Error, Timestamp: e.Timestamp})
	}

	return p
}
