package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds everything the orchestrator needs that must never be
// hardcoded in logic: data roots, scheduler placement, tool locations
// and the optional SSH submit host.
type Config struct {
	Paths struct {
		InputRoot  string `yaml:"input_root"`
		OutputRoot string `yaml:"output_root"`
		ScratchDir string `yaml:"scratch_dir"`
		LedgerPath string `yaml:"ledger_path"`
	} `yaml:"paths"`
	Slurm struct {
		Partition     string   `yaml:"partition"`
		ExcludedNodes []string `yaml:"excluded_nodes"`
		SbatchPath    string   `yaml:"sbatch_path"`
		Account       string   `yaml:"account"`
		TimeLimit     string   `yaml:"time_limit"`
	} `yaml:"slurm"`
	Tools struct {
		QSMxT      string `yaml:"qsmxt"`
		SynthStrip string `yaml:"synthstrip"`
		Flirt      string `yaml:"flirt"`
		FSLMaths   string `yaml:"fslmaths"`
		FSLMerge   string `yaml:"fslmerge"`
		GPUProbe   string `yaml:"gpu_probe"`
	} `yaml:"tools"`
	Submit struct {
		Host       string `yaml:"host"`
		User       string `yaml:"user"`
		Port       int    `yaml:"port"`
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"submit"`
}

// Load reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/bidsflow/config.yaml or ~/.config/bidsflow/config.yaml.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "bidsflow", "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration usable without a config file: external
// tools resolved from PATH, ledger under the XDG data dir.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Slurm.SbatchPath == "" {
		c.Slurm.SbatchPath = "sbatch"
	}
	if c.Tools.QSMxT == "" {
		c.Tools.QSMxT = "qsmxt"
	}
	if c.Tools.SynthStrip == "" {
		c.Tools.SynthStrip = "mri_synthstrip"
	}
	if c.Tools.Flirt == "" {
		c.Tools.Flirt = "flirt"
	}
	if c.Tools.FSLMaths == "" {
		c.Tools.FSLMaths = "fslmaths"
	}
	if c.Tools.FSLMerge == "" {
		c.Tools.FSLMerge = "fslmerge"
	}
	if c.Tools.GPUProbe == "" {
		c.Tools.GPUProbe = "nvidia-smi"
	}
	if c.Submit.Port == 0 {
		c.Submit.Port = 22
	}
	if c.Submit.Host != "" {
		home, _ := os.UserHomeDir()
		if c.Submit.KeyPath == "" {
			c.Submit.KeyPath = filepath.Join(home, ".ssh", "id_ed25519")
		}
		if c.Submit.KnownHosts == "" {
			c.Submit.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	if c.Paths.LedgerPath == "" {
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".local", "share")
		}
		c.Paths.LedgerPath = filepath.Join(base, "bidsflow", "ledger.db")
	}
}
