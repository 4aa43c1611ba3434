package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/bidsflow/bidsflow/internal/metrics"
	"github.com/bidsflow/bidsflow/internal/slurm"
	"github.com/bidsflow/bidsflow/pkg/api"
)

// Ledger records dispatch decisions for later inspection. Implemented by
// the SQLite store; NopLedger stands in when no ledger is configured.
type Ledger interface {
	RecordUnit(runID, subject, session string, state api.UnitState) error
	RecordSubmission(runID, subject, session, jobID, dependsOn, relationship string) error
}

// NopLedger discards everything.
type NopLedger struct{}

func (NopLedger) RecordUnit(string, string, string, api.UnitState) error { return nil }
func (NopLedger) RecordSubmission(string, string, string, string, string, string) error {
	return nil
}

// Dispatcher fans work units out to the scheduler. It never waits for a job
// to finish; dependency links are the only ordering it establishes.
type Dispatcher struct {
	Submitter *slurm.Submitter
	Ledger    Ledger
	Metrics   *metrics.Collector

	Partition string
	Account   string
	TimeLimit string
	// ExcludedNodes is the static incompatibility list of the tool spec
	// this dispatcher submits, never computed at runtime.
	ExcludedNodes []string

	// Payload renders the command a job runs, typically a run-unit
	// invocation of this binary.
	Payload func(WorkUnit) string
}

// Dispatch submits every unit, chaining dependencies in sequential mode with
// an after-any relationship so one failure does not block the remainder. A
// unit whose submission fails is counted and skipped; siblings continue.
// Dependency wiring is a pure function of the handles submitted so far.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, units []WorkUnit, mode api.Mode) ([]slurm.JobHandle, int) {
	ledger := d.Ledger
	if ledger == nil {
		ledger = NopLedger{}
	}
	var handles []slurm.JobHandle
	failed := 0
	for _, u := range units {
		req := slurm.Request{
			Name:          u.Name(),
			Partition:     d.Partition,
			Account:       d.Account,
			TimeLimit:     d.TimeLimit,
			ExcludedNodes: d.ExcludedNodes,
			Command:       d.Payload(u),
		}
		if mode == api.ModeSequential {
			req.Dependency = slurm.NextDependency(handles)
			req.Relationship = slurm.AfterAny
		}
		h, err := d.Submitter.Submit(ctx, req)
		if err != nil {
			log.Error().Str("unit", u.Name()).Err(err).Msg("submission failed, continuing with remaining units")
			failed++
			d.count("submissions_failed")
			_ = ledger.RecordUnit(runID, u.Subject, u.Session, api.UnitSubmitFailed)
			continue
		}
		handles = append(handles, h)
		d.count("units_dispatched")
		_ = ledger.RecordUnit(runID, u.Subject, u.Session, api.UnitDispatched)
		dependsOn := ""
		if h.DependsOn != nil {
			dependsOn = h.DependsOn.ID
		}
		_ = ledger.RecordSubmission(runID, u.Subject, u.Session, h.ID, dependsOn, string(h.Relationship))
	}
	return handles, failed
}

// DispatchAverage submits the chi-map averaging job. It runs only if its
// predecessor succeeded: both predecessor outputs must exist for the mean
// to be meaningful.
func (d *Dispatcher) DispatchAverage(ctx context.Context, runID string, u WorkUnit, command string, dep *slurm.JobHandle) (slurm.JobHandle, error) {
	ledger := d.Ledger
	if ledger == nil {
		ledger = NopLedger{}
	}
	req := slurm.Request{
		Name:          "avg-" + u.Subject,
		Partition:     d.Partition,
		Account:       d.Account,
		TimeLimit:     d.TimeLimit,
		ExcludedNodes: d.ExcludedNodes,
		Command:       command,
		Dependency:    dep,
		Relationship:  slurm.AfterOK,
	}
	h, err := d.Submitter.Submit(ctx, req)
	if err != nil {
		d.count("submissions_failed")
		return slurm.JobHandle{}, err
	}
	d.count("units_dispatched")
	dependsOn := ""
	if dep != nil {
		dependsOn = dep.ID
	}
	_ = ledger.RecordSubmission(runID, u.Subject, u.Session, h.ID, dependsOn, string(slurm.AfterOK))
	return h, nil
}

func (d *Dispatcher) count(name string) {
	if d.Metrics != nil {
		d.Metrics.Inc(name)
	}
}
