// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mgrconfig

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/config"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
)

func LoadData(data []byte) (*Config, error) {
	cfg, err := LoadPartialData(data)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(filename string) (*Config, error) {
	cfg, err := LoadPartialFile(filename)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPartialData loads config without checking the target library files,
// used by tools that only need a subset of the parameters.
func LoadPartialData(data []byte) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialFile(filename string) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultValues() *Config {
	return &Config{
		CC:                  "clang++",
		Clang:               "clang",
		LLVMProfdata:        "llvm-profdata",
		LLVMCov:             "llvm-cov",
		MaxPathDepth:        6,
		Procs:               2,
		Attempts:            3,
		MinAPIs:             1,
		MaxAPIs:             5,
		Subsets:             16,
		GrowthWindow:        "60s",
		StabilizeWindow:     "10m",
		ProbeTimeout:        "30s",
		CompileTimeout:      "2m",
		Exploration:         4,
		Decay:               0.95,
		EnergyExponent:      1,
		CheckpointEvery:     5,
		SnapshotCompression: "none",
		Synthesizer: Synthesizer{
			Type:        "gemini",
			Model:       "gemini-1.5-pro",
			Temperature: 0.7,
			Timeout:     "5m",
		},
	}
}

func Complete(cfg *Config) error {
	if cfg.Workdir == "" {
		return fmt.Errorf("config param workdir is empty")
	}
	cfg.Workdir = osutil.Abs(cfg.Workdir)
	if cfg.Target == "" {
		return fmt.Errorf("config param target is empty")
	}
	if len(cfg.Headers) == 0 {
		return fmt.Errorf("config param headers is empty")
	}
	if cfg.LibPath == "" {
		return fmt.Errorf("config param lib_path is empty")
	}
	cfg.SrcDir = osutil.Abs(cfg.SrcDir)
	cfg.LibPath = osutil.Abs(cfg.LibPath)
	cfg.Corpus = osutil.Abs(cfg.Corpus)
	cfg.Dict = osutil.Abs(cfg.Dict)
	for i := range cfg.Headers {
		cfg.Headers[i] = osutil.Abs(cfg.Headers[i])
	}
	for i := range cfg.IncludeDirs {
		cfg.IncludeDirs[i] = osutil.Abs(cfg.IncludeDirs[i])
	}
	if cfg.Procs < 1 || cfg.Procs > 64 {
		return fmt.Errorf("bad config param procs: '%v', want [1, 64]", cfg.Procs)
	}
	if cfg.Attempts < 1 {
		return fmt.Errorf("bad config param attempts: '%v', want >= 1", cfg.Attempts)
	}
	if cfg.MinAPIs < 1 || cfg.MaxAPIs < cfg.MinAPIs {
		return fmt.Errorf("bad config params min_apis/max_apis: %v/%v", cfg.MinAPIs, cfg.MaxAPIs)
	}
	if cfg.MaxPathDepth < 1 {
		return fmt.Errorf("bad config param max_path_depth: '%v'", cfg.MaxPathDepth)
	}
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		return fmt.Errorf("bad config param decay: '%v', want (0, 1)", cfg.Decay)
	}
	if cfg.Exploration < 0 {
		return fmt.Errorf("bad config param exploration: '%v'", cfg.Exploration)
	}
	if cfg.CheckpointEvery < 1 {
		return fmt.Errorf("bad config param checkpoint_every: '%v'", cfg.CheckpointEvery)
	}
	switch cfg.SnapshotCompression {
	case "none", "xz":
	default:
		return fmt.Errorf("config param snapshot_compression must be one of none/xz")
	}
	for _, re := range append(append([]string{}, cfg.Sinks...), cfg.Entries...) {
		if _, err := regexp.Compile(re); err != nil {
			return fmt.Errorf("bad sink/entry regexp %q: %w", re, err)
		}
	}
	if err := completeDurations(cfg); err != nil {
		return err
	}
	if cfg.GrowthWindowDur >= cfg.StabilizeWindowDur {
		return fmt.Errorf("growth_window (%v) must be shorter than stabilize_window (%v)",
			cfg.GrowthWindowDur, cfg.StabilizeWindowDur)
	}
	return completeSynthesizer(&cfg.Synthesizer)
}

func completeDurations(cfg *Config) error {
	for _, d := range []struct {
		name string
		val  string
		res  *time.Duration
	}{
		{"growth_window", cfg.GrowthWindow, &cfg.GrowthWindowDur},
		{"stabilize_window", cfg.StabilizeWindow, &cfg.StabilizeWindowDur},
		{"probe_timeout", cfg.ProbeTimeout, &cfg.ProbeTimeoutDur},
		{"compile_timeout", cfg.CompileTimeout, &cfg.CompileTimeoutDur},
	} {
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("bad config param %v: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("bad config param %v: must be positive", d.name)
		}
		*d.res = v
	}
	return nil
}

func completeSynthesizer(s *Synthesizer) error {
	if s.Timeout != "" {
		v, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return fmt.Errorf("bad config param synthesizer.timeout: %w", err)
		}
		s.TimeoutDur = v
	}
	switch s.Type {
	case "gemini":
		if s.APIKey == "" {
			s.APIKey = os.Getenv("GEMINI_API_KEY")
		}
		if s.APIKey == "" {
			return fmt.Errorf("synthesizer.api_key is empty and GEMINI_API_KEY is not set")
		}
		if s.Model == "" {
			return fmt.Errorf("synthesizer.model is empty")
		}
		if s.MaxTurns < 0 {
			return fmt.Errorf("synthesizer.max_turns is negative")
		}
	case "command":
		if s.Agentic {
			return fmt.Errorf("synthesizer.agentic requires the gemini synthesizer")
		}
		if len(s.Command) == 0 {
			return fmt.Errorf("synthesizer.command is empty")
		}
	case "static":
		if s.Agentic {
			return fmt.Errorf("synthesizer.agentic requires the gemini synthesizer")
		}
		if s.Dir == "" {
			return fmt.Errorf("synthesizer.dir is empty")
		}
		s.Dir = osutil.Abs(s.Dir)
	default:
		return fmt.Errorf("synthesizer.type must be one of gemini/command/static")
	}
	return nil
}
