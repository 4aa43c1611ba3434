// Package tools describes the external executables the pipelines delegate
// to. A ToolSpec is declarative: the executable, its argument list and its
// static scheduler placement constraints. Nothing in this package interprets
// image data; files are opaque blobs named by convention.
package tools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bidsflow/bidsflow/internal/config"
)

// ToolSpec is one fully resolved external tool invocation.
type ToolSpec struct {
	Name       string
	Executable string
	Args       []string
	// ExcludedNodes lists compute nodes the containerized tool is known to
	// be incompatible with. Static configuration, never computed at runtime.
	ExcludedNodes []string
}

// CommandLine renders the spec as a single shell-safe command string for
// batch script wrapping.
func (s ToolSpec) CommandLine() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, s.Executable)
	for _, a := range s.Args {
		if strings.ContainsAny(a, " \t'\"") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Registry holds named tool spec builders so pipelines look tools up by
// name instead of constructing argument lists inline.
type Registry struct {
	specs map[string]func() ToolSpec
}

func NewRegistry() *Registry {
	return &Registry{specs: map[string]func() ToolSpec{}}
}

func (r *Registry) Register(name string, build func() ToolSpec) {
	r.specs[name] = build
}

func (r *Registry) Get(name string) (ToolSpec, error) {
	build, ok := r.specs[name]
	if !ok {
		return ToolSpec{}, fmt.Errorf("tool not registered: %s", name)
	}
	return build(), nil
}

// QSMxT builds the susceptibility-mapping reconstruction invocation for one
// subject/session.
func QSMxT(cfg config.Config, inputRoot, outputRoot, subject, session string) ToolSpec {
	args := []string{
		inputRoot,
		outputRoot,
		"--premade", "fast",
		"--subjects", subject,
		"--auto_yes",
	}
	if session != "" {
		args = append(args, "--sessions", session)
	}
	return ToolSpec{
		Name:          "qsmxt",
		Executable:    cfg.Tools.QSMxT,
		Args:          args,
		ExcludedNodes: cfg.Slurm.ExcludedNodes,
	}
}

// SynthStripOptions selects the optional brain-extraction behavior.
type SynthStripOptions struct {
	IncludeCSF bool
	UseGPU     bool
}

// SynthStrip builds the brain-extraction invocation for one input image.
// The GPU flag is appended only when the caller detected an accelerator.
func SynthStrip(cfg config.Config, input, outImage, outMask string, opts SynthStripOptions) ToolSpec {
	args := []string{
		"-i", input,
		"-o", outImage,
		"-m", outMask,
	}
	if !opts.IncludeCSF {
		args = append(args, "--no-csf")
	}
	if opts.UseGPU {
		args = append(args, "-g")
	}
	return ToolSpec{
		Name:          "synthstrip",
		Executable:    cfg.Tools.SynthStrip,
		Args:          args,
		ExcludedNodes: cfg.Slurm.ExcludedNodes,
	}
}

// Flirt builds the registration/resampling invocation. Interpolation is
// fixed to trilinear.
func Flirt(cfg config.Config, moving, reference, output, initMatrix string, applyOnly bool) ToolSpec {
	args := []string{
		"-in", moving,
		"-ref", reference,
		"-out", output,
		"-interp", "trilinear",
	}
	if applyOnly {
		args = append(args, "-applyxfm")
	}
	if initMatrix != "" {
		args = append(args, "-init", initMatrix)
	}
	return ToolSpec{Name: "flirt", Executable: cfg.Tools.Flirt, Args: args}
}

// Dilate and Erode are single morphological rounds on a mask, applied in
// place. Hole filling runs N of each in order.
func Dilate(cfg config.Config, mask string) ToolSpec {
	return ToolSpec{Name: "fslmaths-dilate", Executable: cfg.Tools.FSLMaths, Args: []string{mask, "-dilM", mask}}
}

func Erode(cfg config.Config, mask string) ToolSpec {
	return ToolSpec{Name: "fslmaths-erode", Executable: cfg.Tools.FSLMaths, Args: []string{mask, "-ero", mask}}
}

// ApplyMask rederives the extracted image by masking input with mask.
func ApplyMask(cfg config.Config, input, mask, output string) ToolSpec {
	return ToolSpec{Name: "fslmaths-mas", Executable: cfg.Tools.FSLMaths, Args: []string{input, "-mas", mask, output}}
}

// MergeTime concatenates volumes along the temporal axis.
func MergeTime(cfg config.Config, output string, volumes ...string) ToolSpec {
	args := append([]string{"-t", output}, volumes...)
	return ToolSpec{Name: "fslmerge", Executable: cfg.Tools.FSLMerge, Args: args}
}

// MeanTime reduces a merged series to its temporal mean.
func MeanTime(cfg config.Config, merged, output string) ToolSpec {
	return ToolSpec{Name: "fslmaths-tmean", Executable: cfg.Tools.FSLMaths, Args: []string{merged, "-Tmean", output}}
}

// StripOutputNames derives the extracted-image and mask paths for an input,
// preserving the compression variant.
func StripOutputNames(outDir, input string) (image, mask string) {
	name := filepath.Base(input)
	ext := ".nii"
	if strings.HasSuffix(name, ".nii.gz") {
		ext = ".nii.gz"
	}
	base := strings.TrimSuffix(name, ext)
	image = filepath.Join(outDir, base+"_brain"+ext)
	mask = filepath.Join(outDir, base+"_brain_mask"+ext)
	return image, mask
}
