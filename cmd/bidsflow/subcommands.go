package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bidsflow/bidsflow/internal/bids"
	"github.com/bidsflow/bidsflow/internal/config"
	"github.com/bidsflow/bidsflow/internal/metrics"
	"github.com/bidsflow/bidsflow/internal/pipeline"
	"github.com/bidsflow/bidsflow/internal/slurm"
	"github.com/bidsflow/bidsflow/internal/sshexec"
	"github.com/bidsflow/bidsflow/internal/store"
	"github.com/bidsflow/bidsflow/internal/tools"
	"github.com/bidsflow/bidsflow/pkg/api"
)

// Resolve configuration for a command: explicit --config must exist, an
// absent default file falls back to built-in defaults.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		if path == "" && errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return cfg, err
	}
	return cfg, nil
}

// Resolve the submission runner: local sbatch, or sbatch on the configured
// login node over SSH.
func resolveRunner(cfg config.Config) (slurm.Runner, error) {
	if cfg.Submit.Host == "" {
		return slurm.LocalRunner{}, nil
	}
	signer, err := sshexec.LoadPrivateKeySigner(cfg.Submit.KeyPath)
	if err != nil {
		return nil, err
	}
	kh, err := sshexec.LoadKnownHostsCallback(cfg.Submit.KnownHosts)
	if err != nil {
		return nil, err
	}
	client := &sshexec.Client{
		Addr:       fmt.Sprintf("%s:%d", cfg.Submit.Host, cfg.Submit.Port),
		User:       cfg.Submit.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    15 * time.Second,
		Retries:    2,
		Backoff:    500 * time.Millisecond,
	}
	return slurm.SSHRunner{Client: client}, nil
}

// Open the run ledger; a broken ledger degrades to a warning, never blocks
// the batch.
func openLedger(cfg config.Config) (pipeline.Ledger, *store.Store) {
	s, err := store.Open(cfg.Paths.LedgerPath)
	if err != nil {
		log.Warn().Err(err).Msg("run ledger unavailable, continuing without it")
		return pipeline.NopLedger{}, nil
	}
	return s, s
}

// runUnitPayload renders the command a cluster job executes for one unit.
func runUnitPayload(pipe api.Pipeline, u pipeline.WorkUnit) string {
	self, err := os.Executable()
	if err != nil {
		self = "bidsflow"
	}
	args := []string{
		"run-unit",
		"--pipeline", string(pipe),
		"--input", u.InputRoot,
		"--output", u.OutputRoot,
		"--subject", u.Subject,
	}
	if u.Session != "" {
		args = append(args, "--session", u.Session)
	}
	if u.AnatDir != "" {
		args = append(args, "--anat", u.AnatDir)
	}
	if len(u.AcqTypes) > 0 {
		args = append(args, "--acq", strings.Join(u.AcqTypes, ","))
	}
	if u.Options.IncludeCSF {
		args = append(args, "--csf")
	}
	if u.Options.HoleFill > 0 {
		args = append(args, "--holefill", strconv.Itoa(u.Options.HoleFill))
	}
	if u.Options.Target != "" {
		args = append(args, "--target", u.Options.Target)
	}
	return tools.ToolSpec{Executable: self, Args: args}.CommandLine()
}

// collectUnits discovers work units for the requested subjects. Discovery
// gaps are warnings; the batch continues with what exists.
func collectUnits(inputRoot, outputRoot string, subjects, acqTypes []string, opts pipeline.Options) []pipeline.WorkUnit {
	var units []pipeline.WorkUnit
	for _, subject := range subjects {
		sessions, err := bids.Discover(inputRoot, subject)
		if err != nil {
			log.Warn().Str("subject", subject).Err(err).Msg("discovery failed, skipping subject")
			continue
		}
		bids.SortSessions(sessions)
		subjectUnits, skipped := pipeline.UnitsFromSessions(sessions, inputRoot, outputRoot, acqTypes, opts)
		if skipped > 0 {
			log.Warn().Str("subject", subject).Int("skipped", skipped).Msg("sessions without usable anatomical data")
		}
		units = append(units, subjectUnits...)
	}
	return units
}

func requireDir(path, what string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s directory %s: %w", what, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s path %s is not a directory", what, path)
	}
	return nil
}

type batchFlags struct {
	sequential bool
	local      bool
	partition  string
}

func addBatchFlags(cmd *cobra.Command, f *batchFlags) {
	cmd.Flags().BoolVar(&f.sequential, "sequential", false, "chain each job on the previous one instead of submitting all in parallel")
	cmd.Flags().BoolVar(&f.local, "local", false, "run units in-process instead of submitting cluster jobs")
	cmd.Flags().String("partition", "", "override the configured scheduler partition")
}

func (f *batchFlags) mode() api.Mode {
	if f.sequential {
		return api.ModeSequential
	}
	return api.ModeParallel
}

// batchEnv bundles what a non-local dispatch needs: resolved config,
// dispatcher, ledger handle and run id.
type batchEnv struct {
	cfg   config.Config
	d     *pipeline.Dispatcher
	store *store.Store
	runID string
	coll  *metrics.Collector
}

func (e *batchEnv) close() {
	if e != nil && e.store != nil {
		_ = e.store.Close()
	}
}

func newBatchEnv(cmd *cobra.Command, pipe api.Pipeline, f batchFlags) (*batchEnv, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	if f.partition != "" {
		cfg.Slurm.Partition = f.partition
	}
	runner, err := resolveRunner(cfg)
	if err != nil {
		return nil, err
	}
	ledger, ledgerStore := openLedger(cfg)
	runID := ""
	if ledgerStore != nil {
		if runID, err = ledgerStore.CreateRun(pipe, f.mode()); err != nil {
			log.Warn().Err(err).Msg("could not record run")
		}
	}
	env := &batchEnv{cfg: cfg, store: ledgerStore, runID: runID, coll: metrics.NewCollector()}
	env.d = &pipeline.Dispatcher{
		Submitter:     slurm.NewSubmitter(cfg.Slurm.SbatchPath, runner),
		Ledger:        ledger,
		Metrics:       env.coll,
		Partition:     cfg.Slurm.Partition,
		Account:       cfg.Slurm.Account,
		TimeLimit:     cfg.Slurm.TimeLimit,
		ExcludedNodes: cfg.Slurm.ExcludedNodes,
		Payload:       func(u pipeline.WorkUnit) string { return runUnitPayload(pipe, u) },
	}
	return env, nil
}

// runBatch executes or dispatches a set of units and reports the outcome.
// execute is the per-unit local path used with --local; elsewhere each unit
// becomes one scheduler job running the equivalent run-unit payload. The
// returned env (nil in local mode) is the caller's to close.
func runBatch(cmd *cobra.Command, pipe api.Pipeline, units []pipeline.WorkUnit, f batchFlags,
	execute func(*pipeline.Executor, context.Context, pipeline.WorkUnit) error) ([]slurm.JobHandle, *batchEnv, error) {

	if len(units) == 0 {
		return nil, nil, errors.New("no work units to process")
	}
	if f.local {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return nil, nil, err
		}
		coll := metrics.NewCollector()
		exec := &pipeline.Executor{Cfg: cfg, Invoker: tools.ExecInvoker{}, Metrics: coll}
		failed := 0
		for _, u := range units {
			if err := execute(exec, cmd.Context(), u); err != nil {
				failed++
			}
		}
		coll.LogSummary()
		if failed > 0 {
			return nil, nil, fmt.Errorf("%d of %d units failed", failed, len(units))
		}
		return nil, nil, nil
	}

	env, err := newBatchEnv(cmd, pipe, f)
	if err != nil {
		return nil, nil, err
	}
	handles, failed := env.d.Dispatch(cmd.Context(), env.runID, units, f.mode())
	env.coll.LogSummary()
	if failed > 0 {
		return handles, env, fmt.Errorf("%d of %d submissions failed", failed, len(units))
	}
	return handles, env, nil
}

// Dispatch QSM reconstruction per subject/session
func newQSMCmd() *cobra.Command {
	var f batchFlags
	var average bool
	cmd := &cobra.Command{
		Use:   "qsm <input_root> <output_root> <subject>...",
		Short: "Run susceptibility-map reconstruction for each subject/session",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDir(args[0], "input"); err != nil {
				return err
			}
			subjects := args[2:]
			units := collectUnits(args[0], args[1], subjects, nil, pipeline.Options{})
			if average && !f.local && !f.sequential {
				return errors.New("--average requires --sequential (the mean needs every chi map present)")
			}
			handles, env, err := runBatch(cmd, api.PipelineQSM, units, f,
				(*pipeline.Executor).ExecuteQSM)
			defer env.close()
			if err != nil {
				return err
			}
			if !average {
				return nil
			}
			return runAverageStep(cmd, f, args[0], args[1], subjects, handles, env)
		},
	}
	addBatchFlags(cmd, &f)
	cmd.Flags().BoolVar(&average, "average", false, "follow up with a per-subject chi-map averaging job")
	return cmd
}

// runAverageStep appends the averaging unit per subject, locally or as a
// success-only dependent job.
func runAverageStep(cmd *cobra.Command, f batchFlags, inputRoot, outputRoot string, subjects []string,
	handles []slurm.JobHandle, env *batchEnv) error {

	if f.local {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		exec := &pipeline.Executor{Cfg: cfg, Invoker: tools.ExecInvoker{}}
		failed := 0
		for _, subject := range subjects {
			u := pipeline.WorkUnit{Subject: subject, InputRoot: inputRoot, OutputRoot: outputRoot}
			if err := exec.ExecuteAverage(cmd.Context(), u); err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d averaging units failed", failed)
		}
		return nil
	}
	for _, subject := range subjects {
		u := pipeline.WorkUnit{Subject: subject, InputRoot: inputRoot, OutputRoot: outputRoot}
		payload := runUnitPayload(api.PipelineAverage, u)
		if _, err := env.d.DispatchAverage(cmd.Context(), env.runID, u, payload, slurm.NextDependency(handles)); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch brain extraction per subject/session
func newExtractCmd() *cobra.Command {
	var f batchFlags
	var acq []string
	var csf bool
	var holefill int
	cmd := &cobra.Command{
		Use:   "extract <input_root> <output_root> <subject>...",
		Short: "Run brain extraction on first-echo magnitude images",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDir(args[0], "input"); err != nil {
				return err
			}
			if holefill < 0 {
				return errors.New("--holefill must be non-negative")
			}
			opts := pipeline.Options{IncludeCSF: csf, HoleFill: holefill}
			units := collectUnits(args[0], args[1], args[2:], acq, opts)
			_, env, err := runBatch(cmd, api.PipelineExtract, units, f,
				(*pipeline.Executor).ExecuteExtract)
			env.close()
			return err
		},
	}
	addBatchFlags(cmd, &f)
	cmd.Flags().StringSliceVar(&acq, "acq", []string{"T1w", "PDw", "MTw"}, "acquisition types to process")
	cmd.Flags().BoolVar(&csf, "csf", false, "keep CSF in the extracted image")
	cmd.Flags().IntVar(&holefill, "holefill", 0, "rounds of mask dilation then erosion (0 disables)")
	return cmd
}

// Dispatch spatial transforms per subject/session
func newTransformCmd() *cobra.Command {
	var f batchFlags
	var acq []string
	var toOrig, toMPM bool
	var interp string
	cmd := &cobra.Command{
		Use:   "transform <input_root> <output_root> <subject>...",
		Short: "Coregister acquisitions to the PDw reference and resample",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDir(args[0], "input"); err != nil {
				return err
			}
			if toOrig && toMPM {
				return errors.New("--to-orig and --to-mpm are mutually exclusive")
			}
			if interp != "trilinear" {
				return fmt.Errorf("unsupported interpolation %q, only trilinear is supported", interp)
			}
			target := ""
			if toOrig {
				target = "orig"
			}
			if toMPM {
				target = "mpm"
			}
			opts := pipeline.Options{Target: target}
			units := collectUnits(args[0], args[1], args[2:], acq, opts)
			_, env, err := runBatch(cmd, api.PipelineTransform, units, f,
				(*pipeline.Executor).ExecuteTransform)
			env.close()
			return err
		},
	}
	addBatchFlags(cmd, &f)
	cmd.Flags().StringSliceVar(&acq, "acq", []string{"T1w", "MTw"}, "acquisition types to transform")
	cmd.Flags().BoolVar(&toOrig, "to-orig", false, "write into the original-space subtree")
	cmd.Flags().BoolVar(&toMPM, "to-mpm", false, "write into the MPM-space subtree")
	cmd.Flags().StringVar(&interp, "interp", "trilinear", "resampling interpolation")
	return cmd
}

// Dispatch chi-map averaging per subject
func newAverageCmd() *cobra.Command {
	var f batchFlags
	var after string
	cmd := &cobra.Command{
		Use:   "average <input_root> <output_root> <subject>...",
		Short: "Merge each subject's per-session chi maps and compute their mean",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDir(args[0], "input"); err != nil {
				return err
			}
			var units []pipeline.WorkUnit
			for _, subject := range args[2:] {
				units = append(units, pipeline.WorkUnit{Subject: subject, InputRoot: args[0], OutputRoot: args[1]})
			}
			if f.local {
				_, env, err := runBatch(cmd, api.PipelineAverage, units, f,
					(*pipeline.Executor).ExecuteAverage)
				env.close()
				return err
			}
			env, err := newBatchEnv(cmd, api.PipelineAverage, f)
			if err != nil {
				return err
			}
			defer env.close()
			var dep *slurm.JobHandle
			if after != "" {
				dep = &slurm.JobHandle{ID: after}
			}
			for _, u := range units {
				if _, err := env.d.DispatchAverage(cmd.Context(), env.runID, u, runUnitPayload(api.PipelineAverage, u), dep); err != nil {
					return err
				}
			}
			env.coll.LogSummary()
			return nil
		},
	}
	addBatchFlags(cmd, &f)
	cmd.Flags().StringVar(&after, "after", "", "job id the averaging job must succeed after")
	return cmd
}

// Execute one unit in-process. This is the payload a cluster job runs.
func newRunUnitCmd() *cobra.Command {
	var (
		pipe     string
		in, out  string
		subject  string
		session  string
		anat     string
		acq      []string
		csf      bool
		holefill int
		target   string
	)
	cmd := &cobra.Command{
		Use:    "run-unit",
		Short:  "Execute a single work unit in-process (job payload)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			u := pipeline.WorkUnit{
				Subject:    subject,
				Session:    session,
				AcqTypes:   acq,
				AnatDir:    anat,
				InputRoot:  in,
				OutputRoot: out,
				Options:    pipeline.Options{IncludeCSF: csf, HoleFill: holefill, Target: target},
			}
			if u.AnatDir == "" {
				u.AnatDir = filepath.Join(in, subject, session, "anat")
			}
			exec := &pipeline.Executor{Cfg: cfg, Invoker: tools.ExecInvoker{}}
			switch api.Pipeline(pipe) {
			case api.PipelineQSM:
				return exec.ExecuteQSM(cmd.Context(), u)
			case api.PipelineExtract:
				u.Options.UseGPU = tools.DetectGPU(cmd.Context(), cfg.Tools.GPUProbe)
				return exec.ExecuteExtract(cmd.Context(), u)
			case api.PipelineTransform:
				return exec.ExecuteTransform(cmd.Context(), u)
			case api.PipelineAverage:
				return exec.ExecuteAverage(cmd.Context(), u)
			default:
				return fmt.Errorf("unknown pipeline %q", pipe)
			}
		},
	}
	cmd.Flags().StringVar(&pipe, "pipeline", "", "pipeline to run")
	cmd.Flags().StringVar(&in, "input", "", "BIDS input root")
	cmd.Flags().StringVar(&out, "output", "", "output root")
	cmd.Flags().StringVar(&subject, "subject", "", "subject id")
	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.Flags().StringVar(&anat, "anat", "", "anatomical directory")
	cmd.Flags().StringSliceVar(&acq, "acq", nil, "acquisition types")
	cmd.Flags().BoolVar(&csf, "csf", false, "keep CSF in the extracted image")
	cmd.Flags().IntVar(&holefill, "holefill", 0, "mask hole-fill rounds")
	cmd.Flags().StringVar(&target, "target", "", "transform target space")
	_ = cmd.MarkFlagRequired("pipeline")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// Inspect the run ledger
func newStatusCmd() *cobra.Command {
	var runID string
	var limit int
	var fetchLog string
	var dest string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded runs and submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if fetchLog != "" {
				return fetchJobLog(cmd.Context(), cfg, fetchLog, dest)
			}
			s, err := store.Open(cfg.Paths.LedgerPath)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer s.Close()
			if runID == "" {
				runs, err := s.Runs(limit)
				if err != nil {
					return err
				}
				for _, r := range runs {
					fmt.Printf("%s\t%s\t%s\t%s\n", r.ID, r.Pipeline, r.Mode, r.StartedAt.Format(time.RFC3339))
				}
				return nil
			}
			subs, err := s.Submissions(runID)
			if err != nil {
				return err
			}
			for _, sub := range subs {
				dep := sub.DependsOn
				if dep == "" {
					dep = "-"
				}
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n", sub.Subject, sub.Session, sub.JobID, dep, sub.Relationship)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "show submissions of one run")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().StringVar(&fetchLog, "fetch-log", "", "pull a job's SLURM log from the submit host")
	cmd.Flags().StringVar(&dest, "dest", ".", "destination directory for fetched logs")
	return cmd
}

// fetchJobLog pulls slurm-<id>.out from the configured submit host.
func fetchJobLog(ctx context.Context, cfg config.Config, jobID, dest string) error {
	if cfg.Submit.Host == "" {
		return errors.New("no submit host configured")
	}
	signer, err := sshexec.LoadPrivateKeySigner(cfg.Submit.KeyPath)
	if err != nil {
		return err
	}
	kh, err := sshexec.LoadKnownHostsCallback(cfg.Submit.KnownHosts)
	if err != nil {
		return err
	}
	client := &sshexec.Client{
		Addr:       fmt.Sprintf("%s:%d", cfg.Submit.Host, cfg.Submit.Port),
		User:       cfg.Submit.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    15 * time.Second,
	}
	cli, err := sshexec.Dial(ctx, client)
	if err != nil {
		return err
	}
	defer cli.Close()
	name := fmt.Sprintf("slurm-%s.out", jobID)
	return sshexec.PullFile(ctx, cli, name, filepath.Join(dest, name))
}

// Write a starter configuration file
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				base := os.Getenv("XDG_CONFIG_HOME")
				if base == "" {
					home, _ := os.UserHomeDir()
					base = filepath.Join(home, ".config")
				}
				path = filepath.Join(base, "bidsflow", "config.yaml")
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config already exists at %s\n", path)
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := os.WriteFile(path, []byte(starterConfig), 0644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote starter config to %s\n", path)
			return nil
		},
	}
}

const starterConfig = `paths:
  input_root: ""
  output_root: ""
  scratch_dir: ""
  ledger_path: ""
slurm:
  partition: ""
  excluded_nodes: []
  sbatch_path: sbatch
  account: ""
  time_limit: ""
tools:
  qsmxt: qsmxt
  synthstrip: mri_synthstrip
  flirt: flirt
  fslmaths: fslmaths
  fslmerge: fslmerge
  gpu_probe: nvidia-smi
submit:
  host: ""
  user: ""
  port: 22
  key_path: ""
  known_hosts: ""
`

// Shell completion
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			}
			return fmt.Errorf("unsupported shell %q", args[0])
		},
	}
}
