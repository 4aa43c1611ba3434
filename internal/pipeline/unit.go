// Package pipeline turns discovered BIDS sessions into dispatched work and
// tracks each unit through its lifecycle. One work unit is one
// subject/session combination; units are independent of each other.
package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/bidsflow/bidsflow/internal/bids"
	"github.com/bidsflow/bidsflow/pkg/api"
)

// Options carries the tool-specific switches a unit was requested with.
type Options struct {
	IncludeCSF bool
	HoleFill   int
	UseGPU     bool
	Target     string
}

// WorkUnit is one subject/session unit of work. Immutable once dispatched;
// identity is (Subject, Session).
type WorkUnit struct {
	Subject    string
	Session    string
	AcqTypes   []string
	AnatDir    string
	InputRoot  string
	OutputRoot string
	Options    Options
}

// Name renders the unit identity for job names and logs.
func (u WorkUnit) Name() string {
	if u.Session == "" {
		return u.Subject
	}
	return u.Subject + "_" + u.Session
}

// ScratchDir is the unit's exclusively owned working area under the
// supplementary tree. The path is keyed by subject/session, so no two units
// contend for it.
func (u WorkUnit) ScratchDir(scratchRoot string) string {
	if scratchRoot == "" {
		scratchRoot = filepath.Join(u.OutputRoot, "Supplementary")
	}
	return filepath.Join(scratchRoot, u.Subject, u.Session)
}

// FinalDir is the unit's destination under the output root.
func (u WorkUnit) FinalDir() string {
	return filepath.Join(u.OutputRoot, u.Subject, u.Session)
}

// UnitsFromSessions builds one work unit per valid discovered session.
// Invalid sessions are counted and skipped, never fatal.
func UnitsFromSessions(sessions []bids.Session, inputRoot, outputRoot string, acqTypes []string, opts Options) (units []WorkUnit, skipped int) {
	for _, s := range sessions {
		if !s.HasValidData {
			skipped++
			continue
		}
		units = append(units, WorkUnit{
			Subject:    s.SubjectID,
			Session:    s.SessionID,
			AcqTypes:   acqTypes,
			AnatDir:    s.AnatDir,
			InputRoot:  inputRoot,
			OutputRoot: outputRoot,
			Options:    opts,
		})
	}
	return units, skipped
}

// Unit couples a work unit with its lifecycle state.
type Unit struct {
	WorkUnit
	State api.UnitState
}

func NewUnit(w WorkUnit) *Unit {
	return &Unit{WorkUnit: w, State: api.UnitDiscovered}
}

var allowedTransitions = map[api.UnitState][]api.UnitState{
	api.UnitDiscovered:    {api.UnitDispatched},
	api.UnitDispatched:    {api.UnitToolSucceeded, api.UnitToolFailed},
	api.UnitToolSucceeded: {api.UnitRelocated, api.UnitRelocationFailed},
}

// Transition advances the unit's state, rejecting anything outside
// Discovered -> Dispatched -> {ToolSucceeded, ToolFailed} ->
// {Relocated, RelocationFailed}. Terminal states never transition.
func (u *Unit) Transition(to api.UnitState) error {
	for _, next := range allowedTransitions[u.State] {
		if next == to {
			u.State = to
			return nil
		}
	}
	return fmt.Errorf("unit %s: disallowed transition %s -> %s", u.Name(), u.State, to)
}
