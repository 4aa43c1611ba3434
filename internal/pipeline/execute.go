package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bidsflow/bidsflow/internal/bids"
	"github.com/bidsflow/bidsflow/internal/config"
	"github.com/bidsflow/bidsflow/internal/metrics"
	"github.com/bidsflow/bidsflow/internal/relocate"
	"github.com/bidsflow/bidsflow/internal/tools"
	"github.com/bidsflow/bidsflow/pkg/api"
)

// Executor runs one unit to completion in-process: the tool invocation is a
// blocking subprocess call, and relocation happens only after it succeeds.
// This is the payload of a cluster job and the whole story in --local mode.
type Executor struct {
	Cfg     config.Config
	Invoker tools.Invoker
	Metrics *metrics.Collector
}

// ExecuteExtract runs brain extraction for every acquisition match of the
// unit, with optional hole filling, then relocates the results.
func (e *Executor) ExecuteExtract(ctx context.Context, u WorkUnit) error {
	unit := NewUnit(u)
	if err := unit.Transition(api.UnitDispatched); err != nil {
		return err
	}
	scratchAnat := filepath.Join(u.ScratchDir(e.Cfg.Paths.ScratchDir), "anat")
	if err := os.MkdirAll(scratchAnat, 0755); err != nil {
		return e.toolFailed(unit, fmt.Errorf("create scratch: %w", err))
	}

	notFound := 0
	produced := 0
	for _, token := range u.AcqTypes {
		matches, err := bids.Match(u.AnatDir, bids.FirstEchoMagnitude(token))
		if err != nil {
			return e.toolFailed(unit, err)
		}
		if len(matches) == 0 {
			notFound++
			continue
		}
		for _, input := range matches {
			if err := e.stripOne(ctx, u, input, scratchAnat); err != nil {
				return e.toolFailed(unit, err)
			}
			produced++
		}
	}
	if notFound > 0 {
		log.Warn().Str("unit", u.Name()).Int("missing", notFound).Msg("acquisition types without matching files")
	}
	// Nothing ran, nothing to relocate.
	if produced == 0 {
		_ = os.RemoveAll(u.ScratchDir(e.Cfg.Paths.ScratchDir))
		return e.toolFailed(unit, fmt.Errorf("no acquisition matches in %s", u.AnatDir))
	}
	return e.finish(unit, u.ScratchDir(e.Cfg.Paths.ScratchDir))
}

func (e *Executor) stripOne(ctx context.Context, u WorkUnit, input, scratchAnat string) error {
	outImage, outMask := tools.StripOutputNames(scratchAnat, input)
	spec := tools.SynthStrip(e.Cfg, input, outImage, outMask, tools.SynthStripOptions{
		IncludeCSF: u.Options.IncludeCSF,
		UseGPU:     u.Options.UseGPU,
	})
	if err := e.Invoker.Invoke(ctx, spec); err != nil {
		return err
	}
	if u.Options.HoleFill > 0 {
		if err := tools.HoleFill(ctx, e.Invoker, e.Cfg, input, outMask, outImage, u.Options.HoleFill); err != nil {
			return err
		}
	}
	return tools.WriteSidecar(tools.SidecarName(outImage), tools.Sidecar{
		Sources: []string{input},
		Parameters: map[string]string{
			"include_csf": strconv.FormatBool(u.Options.IncludeCSF),
			"holefill":    strconv.Itoa(u.Options.HoleFill),
		},
		Tool: "synthstrip",
	})
}

// ExecuteQSM runs the susceptibility-mapping reconstruction into the unit's
// scratch area and relocates on success.
func (e *Executor) ExecuteQSM(ctx context.Context, u WorkUnit) error {
	unit := NewUnit(u)
	if err := unit.Transition(api.UnitDispatched); err != nil {
		return err
	}
	scratch := u.ScratchDir(e.Cfg.Paths.ScratchDir)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return e.toolFailed(unit, fmt.Errorf("create scratch: %w", err))
	}
	spec := tools.QSMxT(e.Cfg, u.InputRoot, scratch, u.Subject, u.Session)
	if err := e.Invoker.Invoke(ctx, spec); err != nil {
		return e.toolFailed(unit, err)
	}
	err := tools.WriteSidecar(filepath.Join(scratch, "qsm.json"), tools.Sidecar{
		Sources: []string{filepath.Join(u.InputRoot, u.Subject, u.Session)},
		Tool:    "qsmxt",
	})
	if err != nil {
		return e.toolFailed(unit, err)
	}
	return e.finish(unit, scratch)
}

// transformSubdirs maps the requested target space to its output subtree.
var transformSubdirs = map[string]string{
	"orig": "transform_to_orig",
	"mpm":  "transform_to_mpm",
	"":     "coreg_toPDw",
}

// ExecuteTransform coregisters each acquisition to the PDw reference and
// writes the resampled images into the target-space subtree. Interpolation
// is trilinear throughout.
func (e *Executor) ExecuteTransform(ctx context.Context, u WorkUnit) error {
	unit := NewUnit(u)
	if err := unit.Transition(api.UnitDispatched); err != nil {
		return err
	}
	subdir, ok := transformSubdirs[u.Options.Target]
	if !ok {
		return fmt.Errorf("unknown transform target %q", u.Options.Target)
	}
	refs, err := bids.Match(u.AnatDir, bids.FirstEchoMagnitude("PDw"))
	if err != nil {
		return e.toolFailed(unit, err)
	}
	if len(refs) == 0 {
		return e.toolFailed(unit, fmt.Errorf("no PDw reference in %s", u.AnatDir))
	}
	reference := refs[0]

	outDir := filepath.Join(u.ScratchDir(e.Cfg.Paths.ScratchDir), subdir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return e.toolFailed(unit, fmt.Errorf("create scratch: %w", err))
	}
	for _, token := range u.AcqTypes {
		if token == "PDw" {
			continue
		}
		matches, err := bids.Match(u.AnatDir, bids.FirstEchoMagnitude(token))
		if err != nil {
			return e.toolFailed(unit, err)
		}
		for _, moving := range matches {
			output := filepath.Join(outDir, filepath.Base(moving))
			spec := tools.Flirt(e.Cfg, moving, reference, output, "", false)
			if err := e.Invoker.Invoke(ctx, spec); err != nil {
				return e.toolFailed(unit, err)
			}
			err = tools.WriteSidecar(tools.SidecarName(output), tools.Sidecar{
				Sources:    []string{moving, reference},
				Parameters: map[string]string{"interp": "trilinear", "target": subdir},
				Tool:       "flirt",
			})
			if err != nil {
				return e.toolFailed(unit, err)
			}
		}
	}
	return e.finish(unit, u.ScratchDir(e.Cfg.Paths.ScratchDir))
}

// ExecuteAverage merges the subject's per-session chi maps along the
// temporal axis and reduces them to their mean. It demands at least two
// volumes; the step only makes sense when all predecessors produced output.
func (e *Executor) ExecuteAverage(ctx context.Context, u WorkUnit) error {
	unit := NewUnit(u)
	if err := unit.Transition(api.UnitDispatched); err != nil {
		return err
	}
	volumes, err := FindChiMaps(u.OutputRoot, u.Subject)
	if err != nil {
		return e.toolFailed(unit, err)
	}
	if len(volumes) < 2 {
		return e.toolFailed(unit, fmt.Errorf("averaging needs at least 2 chi maps, found %d", len(volumes)))
	}
	scratch := u.ScratchDir(e.Cfg.Paths.ScratchDir)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return e.toolFailed(unit, fmt.Errorf("create scratch: %w", err))
	}
	merged := filepath.Join(scratch, u.Subject+"_desc-merged_Chimap.nii.gz")
	mean := filepath.Join(scratch, u.Subject+"_desc-mean_Chimap.nii.gz")
	if err := e.Invoker.Invoke(ctx, tools.MergeTime(e.Cfg, merged, volumes...)); err != nil {
		return e.toolFailed(unit, err)
	}
	if err := e.Invoker.Invoke(ctx, tools.MeanTime(e.Cfg, merged, mean)); err != nil {
		return e.toolFailed(unit, err)
	}
	err = tools.WriteSidecar(tools.SidecarName(mean), tools.Sidecar{
		Sources: volumes,
		Tool:    "fslmerge+fslmaths",
	})
	if err != nil {
		return e.toolFailed(unit, err)
	}
	return e.finish(unit, scratch)
}

// FindChiMaps locates every per-session chi map of a subject under the
// output root, in lexicographic path order. The reconstruction tool decides
// its own output layout, so each relocated session tree is walked whole
// rather than assuming any particular subdirectory.
func FindChiMaps(outputRoot, subject string) ([]string, error) {
	subjectDir := filepath.Join(outputRoot, subject)
	entries, err := os.ReadDir(subjectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read subject output dir: %w", err)
	}
	rule := bids.Rule{Token: "Chimap"}
	var volumes []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "ses-") {
			continue
		}
		walkErr := filepath.WalkDir(filepath.Join(subjectDir, e.Name()), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if rule.Matches(bids.ParseName(d.Name())) {
				volumes = append(volumes, path)
			}
			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("scan session outputs: %w", walkErr)
		}
	}
	sort.Strings(volumes)
	return volumes, nil
}

// toolFailed marks the unit terminally failed; its remaining steps
// (post-processing, relocation) are skipped, sibling units are unaffected.
func (e *Executor) toolFailed(unit *Unit, err error) error {
	_ = unit.Transition(api.UnitToolFailed)
	e.count("units_tool_failed")
	log.Error().Str("unit", unit.Name()).Err(err).Msg("unit failed, skipping downstream steps")
	return err
}

// finish moves the unit's scratch output to its final destination. On
// relocation failure the scratch copy survives so the data is not lost.
func (e *Executor) finish(unit *Unit, scratch string) error {
	if err := unit.Transition(api.UnitToolSucceeded); err != nil {
		return err
	}
	if err := relocate.Relocate(scratch, unit.FinalDir()); err != nil {
		_ = unit.Transition(api.UnitRelocationFailed)
		e.count("units_relocation_failed")
		log.Error().Str("unit", unit.Name()).Err(err).Msg("relocation failed, scratch retained")
		return err
	}
	if err := unit.Transition(api.UnitRelocated); err != nil {
		return err
	}
	e.count("units_relocated")
	return nil
}

func (e *Executor) count(name string) {
	if e.Metrics != nil {
		e.Metrics.Inc(name)
	}
}
