// Package jobs holds the concrete work units this deployment knows how
// to run: a model-training job on the thread runner and a model-export
// job on the process runner. It exists to give the composition root
// something real to wire, grounded on original_source's
// app/application/use_cases/train_model.py (the training request shape)
// translated into this codebase's ProgressFunc/CancelToken contract
// rather than a Python TrainerPort protocol.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/modules/procrunner"
	"github.com/shalfeiok/mlbench-jobcore/modules/threadrunner"
)

// TrainModelRequest mirrors train_model.py's TrainModelRequest dataclass.
type TrainModelRequest struct {
	DataYAML  string         `json:"data_yaml"`
	ModelName string         `json:"model_name"`
	Epochs    int            `json:"epochs"`
	Batch     int            `json:"batch"`
	ImgSize   int            `json:"imgsz"`
	Device    string         `json:"device"`
	Patience  int            `json:"patience"`
	Project   string         `json:"project"`
	Workers   int            `json:"workers"`
	Optimizer string         `json:"optimizer"`
	Advanced  map[string]any `json:"advanced_options,omitempty"`
}

// Trainer is the subset of the training backend a TrainModel job needs.
// Production wiring supplies a real implementation; tests supply a fake.
type Trainer interface {
	Train(ctx context.Context, req TrainModelRequest, onProgress func(fraction float64, message string)) (weightsPath string, err error)
}

// TrainModel returns a threadrunner.Func closed over trainer. Training
// runs in-process (thread runner) because its heavy lifting happens
// inside a GPU library call that already releases the Go scheduler, and
// it needs the progress callback to fire at high frequency without the
// overhead of IPC framing.
func TrainModel(trainer Trainer, req TrainModelRequest) threadrunner.Func {
	return func(ctx context.Context, token job.CancelToken, progress threadrunner.ProgressFunc) (any, error) {
		if req.DataYAML == "" {
			return nil, job.NewError(job.KindValidation, fmt.Errorf("data_yaml is required"))
		}
		weights, err := trainer.Train(ctx, req, progress)
		if err != nil {
			return nil, job.NewError(job.KindIntegration, err)
		}
		return map[string]any{"weights_path": weights}, nil
	}
}

// ModelExportRequest is the payload for the "model-export" process job.
type ModelExportRequest struct {
	WeightsPath string `json:"weights_path"`
	Format      string `json:"format"` // e.g. "onnx", "torchscript"
}

// Exporter is the subset of the export backend the process job needs.
type Exporter interface {
	Export(ctx context.Context, req ModelExportRequest, onProgress func(fraction float64, message string)) (artifactPath string, err error)
}

// RegisterModelExport registers the "model-export" ProcessFunc against
// exporter. It runs on the process runner because export libraries
// sometimes crash the interpreter/runtime outright on malformed
// weights; a child process crash there must not take the parent down.
func RegisterModelExport(exporter Exporter) {
	procrunner.Register("model-export", func(ctx context.Context, token job.CancelToken, progress procrunner.ProgressFunc, payload json.RawMessage) (any, error) {
		var req ModelExportRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, job.NewError(job.KindValidation, fmt.Errorf("decode model-export payload: %w", err))
		}
		if req.WeightsPath == "" {
			return nil, job.NewError(job.KindValidation, fmt.Errorf("weights_path is required"))
		}
		artifact, err := exporter.Export(ctx, req, progress)
		if err != nil {
			return nil, job.NewError(job.KindIntegration, err)
		}
		return map[string]any{"artifact_path": artifact}, nil
	})
}
