// Package scheduler drives a pipeline run as an explicit state machine over
// content stages. One control goroutine per run dispatches tasks onto the
// queue, collects completions within a stage deadline, feeds candidates to
// the resolver, and decides transitions, retries, and termination.
package scheduler

// Stage is one phase of the pipeline state machine.
type Stage string

const (
	StageIdle         Stage = "Idle"
	StageResearching  Stage = "Researching"
	StageWriting      Stage = "Writing"
	StageEditing      Stage = "Editing"
	StageOptimizing   Stage = "Optimizing"
	StageIllustrating Stage = "Illustrating"
	StagePublishing   Stage = "Publishing"
	StageCompleted    Stage = "Completed"
	StageFailed       Stage = "Failed"
	StageAborted      Stage = "Aborted"
)

// pipelineStages is the canonical working-stage order. Failed and Aborted are
// reachable from any non-terminal stage; Completed follows Publishing.
var pipelineStages = []Stage{
	StageResearching,
	StageWriting,
	StageEditing,
	StageOptimizing,
	StageIllustrating,
	StagePublishing,
}

// Terminal reports whether the stage is a terminal state.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageAborted:
		return true
	}
	return false
}

// RunStatus is the overall status of a pipeline run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusAborted   RunStatus = "aborted"
)
