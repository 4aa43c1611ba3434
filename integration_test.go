package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestFullWorkflow tests the complete end-to-end workflow
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	bin := filepath.Join(tmpDir, "bidsflow")

	if err := buildBinary(bin); err != nil {
		t.Fatalf("Failed to build binary: %v", err)
	}

	t.Run("CLI_Commands", func(t *testing.T) {
		testCLICommands(t, bin, tmpDir)
	})

	t.Run("Init", func(t *testing.T) {
		testInit(t, bin, tmpDir)
	})

	t.Run("Local_Extract", func(t *testing.T) {
		testLocalExtract(t, bin, tmpDir)
	})

	t.Run("Batch_Submission", func(t *testing.T) {
		testBatchSubmission(t, bin, tmpDir)
	})

	t.Run("Average_Input_Validation", func(t *testing.T) {
		testAverageInputValidation(t, bin, tmpDir)
	})
}

// testAverageInputValidation checks that average refuses a missing input
// root before doing any work, like the other verbs.
func testAverageInputValidation(t *testing.T, bin, tmpDir string) {
	cmd := exec.Command(bin, "average",
		filepath.Join(tmpDir, "no-such-bids"), filepath.Join(tmpDir, "derived3"), "sub-01", "--local")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected non-zero exit for missing input root, output: %s", out)
	}
	if !strings.Contains(string(out), "input directory") {
		t.Fatalf("expected input validation message, got: %s", out)
	}
}

func buildBinary(out string) error {
	cmd := exec.Command("go", "build", "-o", out, "./cmd/bidsflow")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("build failed: %v\nOutput: %s", err, output)
	}
	return nil
}

func testCLICommands(t *testing.T, bin, tmpDir string) {
	tests := []struct {
		name string
		args []string
	}{
		{"version", []string{"version"}},
		{"help", []string{"--help"}},
		{"completion", []string{"completion", "bash"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cmd := exec.Command(bin, test.args...)
			output, err := cmd.CombinedOutput()
			if err != nil {
				t.Fatalf("Command %v failed: %v\nOutput: %s", test.args, err, output)
			}
			t.Logf("Command %v output: %s", test.args, output)
		})
	}
}

func testInit(t *testing.T, bin, tmpDir string) {
	configPath := filepath.Join(tmpDir, "config.yaml")

	cmd := exec.Command(bin, "--config", configPath, "init")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("init failed: %v\nOutput: %s", err, output)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("init did not write config: %v", err)
	}

	// Second run must leave the existing file alone.
	cmd = exec.Command(bin, "--config", configPath, "init")
	output, err = cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("repeated init failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(string(output), "already exists") {
		t.Fatalf("repeated init should refuse to overwrite: %s", output)
	}
}

// testLocalExtract runs the extract pipeline with --local against a miniature
// dataset, with the external tools replaced by stub scripts on PATH.
func testLocalExtract(t *testing.T, bin, tmpDir string) {
	input := filepath.Join(tmpDir, "bids")
	output := filepath.Join(tmpDir, "derived")
	anat := filepath.Join(input, "sub-01", "ses-01", "anat")
	if err := os.MkdirAll(anat, 0755); err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	image := filepath.Join(anat, "sub-01_ses-01_acq-T1w_echo-1_part-mag_MPM.nii.gz")
	if err := os.WriteFile(image, []byte("nifti"), 0644); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}

	toolDir := writeStubTools(t, tmpDir)
	configPath := writeTestConfig(t, tmpDir)

	cmd := exec.Command(bin, "--config", configPath,
		"extract", input, output, "sub-01", "--local", "--acq", "T1w")
	cmd.Env = append(os.Environ(), "PATH="+toolDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("extract --local failed: %v\nOutput: %s", err, out)
	}

	brain := filepath.Join(output, "sub-01", "ses-01", "anat",
		"sub-01_ses-01_acq-T1w_echo-1_part-mag_MPM_brain.nii.gz")
	if _, err := os.Stat(brain); err != nil {
		t.Fatalf("expected extracted image at %s: %v", brain, err)
	}
	sidecar := strings.TrimSuffix(brain, ".nii.gz") + ".json"
	if _, err := os.Stat(sidecar); err != nil {
		t.Fatalf("expected sidecar at %s: %v", sidecar, err)
	}
}

// testBatchSubmission dispatches through a stub sbatch and checks the
// dependency chain reaches the scheduler.
func testBatchSubmission(t *testing.T, bin, tmpDir string) {
	input := filepath.Join(tmpDir, "bids2")
	output := filepath.Join(tmpDir, "derived2")
	for _, ses := range []string{"ses-01", "ses-02"} {
		anat := filepath.Join(input, "sub-02", ses, "anat")
		if err := os.MkdirAll(anat, 0755); err != nil {
			t.Fatalf("Failed to create dataset: %v", err)
		}
		image := filepath.Join(anat, "sub-02_"+ses+"_acq-T1w_echo-1_part-mag_MPM.nii.gz")
		if err := os.WriteFile(image, []byte("nifti"), 0644); err != nil {
			t.Fatalf("Failed to write image: %v", err)
		}
	}

	argLog := filepath.Join(tmpDir, "sbatch-args.log")
	sbatch := filepath.Join(tmpDir, "stubs", "sbatch")
	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %s\necho $$\n", argLog)
	if err := os.MkdirAll(filepath.Dir(sbatch), 0755); err != nil {
		t.Fatalf("Failed to create stub dir: %v", err)
	}
	if err := os.WriteFile(sbatch, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write sbatch stub: %v", err)
	}

	configPath := filepath.Join(tmpDir, "submit-config.yaml")
	content := fmt.Sprintf("paths:\n  ledger_path: %s\nslurm:\n  sbatch_path: %s\n",
		filepath.Join(tmpDir, "ledger.db"), sbatch)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cmd := exec.Command(bin, "--config", configPath,
		"qsm", input, output, "sub-02", "--sequential")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("qsm submission failed: %v\nOutput: %s", err, out)
	}

	logged, err := os.ReadFile(argLog)
	if err != nil {
		t.Fatalf("sbatch stub was never called: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(logged)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 sbatch calls, got %d:\n%s", len(lines), logged)
	}
	if strings.Contains(lines[0], "--dependency") {
		t.Fatalf("first job must not carry a dependency: %s", lines[0])
	}
	if !strings.Contains(lines[1], "--dependency=afterany:") {
		t.Fatalf("second job should chain after-any on the first: %s", lines[1])
	}

	// The ledger recorded the run.
	status := exec.Command(bin, "--config", configPath, "status")
	statusOut, err := status.CombinedOutput()
	if err != nil {
		t.Fatalf("status failed: %v\nOutput: %s", err, statusOut)
	}
	if !strings.Contains(string(statusOut), "qsm") {
		t.Fatalf("status should list the qsm run: %s", statusOut)
	}
}

// writeStubTools drops shell stand-ins for the external imaging tools.
func writeStubTools(t *testing.T, tmpDir string) string {
	t.Helper()
	dir := filepath.Join(tmpDir, "tools")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create tool dir: %v", err)
	}

	// mri_synthstrip: copy -i input to the -o and -m targets.
	synthstrip := `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift 2 ;;
    -o) out="$2"; shift 2 ;;
    -m) mask="$2"; shift 2 ;;
    *) shift ;;
  esac
done
cp "$in" "$out"
cp "$in" "$mask"
`
	stubs := map[string]string{
		"mri_synthstrip": synthstrip,
		"qsmxt":          "#!/bin/sh\nexit 0\n",
		"flirt":          "#!/bin/sh\nexit 0\n",
		"fslmaths":       "#!/bin/sh\nexit 0\n",
		"fslmerge":       "#!/bin/sh\nexit 0\n",
	}
	for name, body := range stubs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0755); err != nil {
			t.Fatalf("Failed to write %s stub: %v", name, err)
		}
	}
	return dir
}

func writeTestConfig(t *testing.T, tmpDir string) string {
	t.Helper()
	path := filepath.Join(tmpDir, "local-config.yaml")
	content := fmt.Sprintf("paths:\n  ledger_path: %s\n  scratch_dir: %s\n",
		filepath.Join(tmpDir, "ledger.db"), filepath.Join(tmpDir, "scratch"))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}
