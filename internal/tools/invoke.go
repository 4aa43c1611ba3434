package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bidsflow/bidsflow/internal/config"
)

// Invoker runs a tool spec to completion and reports its exit outcome.
// The exec implementation blocks; pipelines dispatching through SLURM wrap
// specs into batch jobs instead and never see this interface.
type Invoker interface {
	Invoke(ctx context.Context, spec ToolSpec) error
}

// ExecInvoker executes tool specs as local subprocesses. Any non-zero exit
// is a unit failure: no retries, no rollback of partial outputs.
type ExecInvoker struct{}

func (ExecInvoker) Invoke(ctx context.Context, spec ToolSpec) error {
	start := time.Now()
	cmd := exec.CommandContext(ctx, spec.Executable, spec.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debug().Str("tool", spec.Name).Str("cmd", spec.CommandLine()).Msg("invoking tool")
	if err := cmd.Run(); err != nil {
		log.Error().Str("tool", spec.Name).Dur("elapsed", time.Since(start)).Err(err).Msg("tool failed")
		return fmt.Errorf("run %s: %w", spec.Name, err)
	}
	log.Info().Str("tool", spec.Name).Dur("elapsed", time.Since(start)).Msg("tool finished")
	return nil
}

// HoleFill refines a previously produced mask in place: rounds dilations
// followed by rounds erosions, then rederives the extracted image by masking
// the original input with the refined mask. Skipped entirely unless the
// operator requested it.
func HoleFill(ctx context.Context, inv Invoker, cfg config.Config, input, mask, output string, rounds int) error {
	for i := 0; i < rounds; i++ {
		if err := inv.Invoke(ctx, Dilate(cfg, mask)); err != nil {
			return fmt.Errorf("dilate round %d: %w", i+1, err)
		}
	}
	for i := 0; i < rounds; i++ {
		if err := inv.Invoke(ctx, Erode(cfg, mask)); err != nil {
			return fmt.Errorf("erode round %d: %w", i+1, err)
		}
	}
	if err := inv.Invoke(ctx, ApplyMask(cfg, input, mask, output)); err != nil {
		return fmt.Errorf("remask: %w", err)
	}
	return nil
}
