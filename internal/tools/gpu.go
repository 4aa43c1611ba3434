package tools

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// DetectGPU probes once for accelerator availability: a CUDA device node,
// then the configured probe executable. Callers append GPU flags only when
// this returns true.
func DetectGPU(ctx context.Context, probe string) bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	path, err := exec.LookPath(probe)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "-L").Run(); err != nil {
		log.Debug().Str("probe", probe).Err(err).Msg("gpu probe negative")
		return false
	}
	return true
}
