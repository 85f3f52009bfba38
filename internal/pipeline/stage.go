package pipeline

import (
	"time"

	"shaggydog/internal/telemetry"
)

// Stage names one step of a generation.
type Stage string

const (
	StageLoad     Stage = "load"
	StageDetect   Stage = "detect"
	StagePrepare  Stage = "prepare"
	StageEdit1    Stage = "edit1"
	StageEdit2    Stage = "edit2"
	StageGenerate Stage = "generate"
)

// StageResult is what a stage hands back to the orchestrator: a value on
// success, or the error that ended it.
type StageResult[T any] struct {
	Stage    Stage
	Value    T
	Err      error
	Duration time.Duration
}

func (r StageResult[T]) OK() bool { return r.Err == nil }

// runStage times fn and records the outcome.
func runStage[T any](stage Stage, fn func() (T, error)) StageResult[T] {
	start := time.Now()
	v, err := fn()
	res := StageResult[T]{Stage: stage, Value: v, Err: err, Duration: time.Since(start)}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.StageDuration.WithLabelValues(string(stage), outcome).Observe(res.Duration.Seconds())
	return res
}
