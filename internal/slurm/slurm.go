// Package slurm submits work to the cluster scheduler. The orchestrator
// never polls job status; it captures the submission acknowledgment's job id
// and forwards it as a dependency token to later submissions.
package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Relationship is the scheduler-level dependency kind between chained jobs.
type Relationship string

const (
	// AfterAny runs the job once its predecessor reaches any terminal
	// state, so one failure does not block the rest of the chain.
	AfterAny Relationship = "afterany"
	// AfterOK runs the job only if its predecessor succeeded. Used by the
	// averaging step, which needs both predecessor outputs to exist.
	AfterOK Relationship = "afterok"
)

// JobHandle identifies a submitted job and the handle it depends on.
type JobHandle struct {
	ID           string
	DependsOn    *JobHandle
	Relationship Relationship
}

// Request describes one sbatch submission.
type Request struct {
	Name          string
	Partition     string
	Account       string
	TimeLimit     string
	ExcludedNodes []string
	Command       string
	Dependency    *JobHandle
	Relationship  Relationship
}

// Runner executes the submission command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// LocalRunner executes sbatch on the current host.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("run %s: %w", name, err)
	}
	return string(out), nil
}

// Submitter turns requests into scheduler jobs.
type Submitter struct {
	SbatchPath string
	Runner     Runner
}

func NewSubmitter(sbatchPath string, runner Runner) *Submitter {
	if sbatchPath == "" {
		sbatchPath = "sbatch"
	}
	return &Submitter{SbatchPath: sbatchPath, Runner: runner}
}

// Submit dispatches one request and returns its handle. A submission whose
// acknowledgment cannot be parsed is an error: an empty id must never be
// forwarded as a dependency token.
func (s *Submitter) Submit(ctx context.Context, req Request) (JobHandle, error) {
	args, err := BuildArgs(req)
	if err != nil {
		return JobHandle{}, err
	}
	out, err := s.Runner.Run(ctx, s.SbatchPath, args...)
	if err != nil {
		return JobHandle{}, fmt.Errorf("submit %s: %w", req.Name, err)
	}
	id, err := ParseJobID(out)
	if err != nil {
		return JobHandle{}, fmt.Errorf("submit %s: %w", req.Name, err)
	}
	handle := JobHandle{ID: id, DependsOn: req.Dependency, Relationship: req.Relationship}
	ev := log.Info().Str("job", req.Name).Str("id", id)
	if req.Dependency != nil {
		ev = ev.Str("after", req.Dependency.ID).Str("relationship", string(req.Relationship))
	}
	ev.Msg("job submitted")
	return handle, nil
}

// BuildArgs renders the sbatch argument list for a request. Pure function;
// dependency wiring comes entirely from the request.
func BuildArgs(req Request) ([]string, error) {
	args := []string{"--parsable", "--job-name", req.Name}
	if req.Partition != "" {
		args = append(args, "--partition", req.Partition)
	}
	if req.Account != "" {
		args = append(args, "--account", req.Account)
	}
	if req.TimeLimit != "" {
		args = append(args, "--time", req.TimeLimit)
	}
	if len(req.ExcludedNodes) > 0 {
		args = append(args, "--exclude", strings.Join(req.ExcludedNodes, ","))
	}
	if req.Dependency != nil {
		if req.Dependency.ID == "" {
			return nil, fmt.Errorf("dependency for %s has empty job id", req.Name)
		}
		rel := req.Relationship
		if rel == "" {
			rel = AfterAny
		}
		args = append(args, fmt.Sprintf("--dependency=%s:%s", rel, req.Dependency.ID))
	}
	args = append(args, "--wrap", req.Command)
	return args, nil
}

// ParseJobID extracts the job id from a submission acknowledgment. It
// accepts both --parsable output ("123" or "123;cluster") and the prose
// form ("Submitted batch job 123").
func ParseJobID(output string) (string, error) {
	line := strings.TrimSpace(output)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.TrimPrefix(line, "Submitted batch job ")
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	if line == "" {
		return "", fmt.Errorf("empty job id in submission output %q", output)
	}
	for _, r := range line {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("malformed job id %q in submission output", line)
		}
	}
	return line, nil
}

// NextDependency returns the handle a sequential submission should depend
// on, given every handle submitted so far. Nil for the first link.
func NextDependency(submitted []JobHandle) *JobHandle {
	if len(submitted) == 0 {
		return nil
	}
	return &submitted[len(submitted)-1]
}
