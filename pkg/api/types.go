package api

// Public types shared by the pipeline, the run ledger and the CLI.

// UnitState is the lifecycle state of one work unit. Units never move
// backwards; a retry is a fresh unit.
type UnitState string

const (
	UnitDiscovered       UnitState = "discovered"
	UnitDispatched       UnitState = "dispatched"
	UnitToolSucceeded    UnitState = "tool_succeeded"
	UnitToolFailed       UnitState = "tool_failed"
	UnitRelocated        UnitState = "relocated"
	UnitRelocationFailed UnitState = "relocation_failed"
	// UnitSubmitFailed means the scheduler rejected the submission; no
	// tool ever ran for this unit.
	UnitSubmitFailed UnitState = "submit_failed"
)

// Terminal reports whether a unit in this state is finished.
func (s UnitState) Terminal() bool {
	switch s {
	case UnitToolFailed, UnitRelocated, UnitRelocationFailed, UnitSubmitFailed:
		return true
	default:
		return false
	}
}

// Mode selects how a batch of units is submitted to the scheduler.
type Mode string

const (
	// ModeParallel submits every unit independently, no ordering constraint.
	ModeParallel Mode = "parallel"
	// ModeSequential chains each submission on the previous one.
	ModeSequential Mode = "sequential"
)

// Pipeline names the batch flavors the CLI exposes.
type Pipeline string

const (
	PipelineQSM       Pipeline = "qsm"
	PipelineExtract   Pipeline = "extract"
	PipelineTransform Pipeline = "transform"
	PipelineAverage   Pipeline = "average"
)
