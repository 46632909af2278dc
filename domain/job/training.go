package job

import "time"

// Training-domain events mirror the generic Job* lifecycle so a training
// run appears in the registry as a job named "Training: <model>"
// (spec.md §3, §4.4 Training bridge). The registry maps these onto
// synthetic Job* records; nothing downstream of the registry needs to
// know training events exist.

type TrainingStarted struct {
	Model string
	At    time.Time
}

type TrainingProgress struct {
	Model    string
	Progress float64
	Message  string
	At       time.Time
}

type TrainingFinished struct {
	Model  string
	Result any
	At     time.Time
}

type TrainingFailed struct {
	Model string
	Error string
	At    time.Time
}

type TrainingCancelled struct {
	Model   string
	Message string
	At      time.Time
}

// TrainingJobName formats the synthetic registry job name for a model.
func TrainingJobName(model string) string {
	return "Training: " + model
}
