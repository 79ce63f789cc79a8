// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mgrconfig

import "time"

type Config struct {
	// Instance name (used for identification on the status page and in logs).
	Name string `json:"name"`
	// Name of the target library, substituted into synthesis prompts (e.g. "libpng").
	Target string `json:"target"`
	// URL that will display information about the running af-manager process (e.g. "localhost:50000").
	HTTP string `json:"http"`
	// Location of a working directory for the af-manager process. Outputs here include:
	// - <workdir>/session.json: scheduler snapshot (session.json.xz with compression)
	// - <workdir>/corpus/*: accepted fuzzing inputs
	// - <workdir>/harness.db: accepted harness sources
	// - <workdir>/crashes/*: crashes found by accepted harnesses
	// - <workdir>/work/*: per-candidate scratch workspaces
	Workdir string `json:"workdir"`

	// Library source directory (used to decide which declarations belong to the library).
	SrcDir string `json:"src_dir"`
	// Public headers of the library; gadgets are extracted from them.
	Headers []string `json:"headers"`
	// Include directories passed to both the AST dumper and the compiler.
	IncludeDirs []string `json:"include_dirs,omitempty"`
	// Static library or object to link harnesses against.
	LibPath string `json:"lib_path"`
	// Additional linker inputs (e.g. "-lz").
	Links []string `json:"links,omitempty"`

	// Harness compiler ("clang++" by default).
	CC string `json:"cc"`
	// Extra compiler flags appended to the sanitizer/coverage flags.
	CFlags []string `json:"cflags,omitempty"`
	// Compiler used to dump header ASTs ("clang" by default).
	Clang string `json:"clang"`
	// Extra flags for the AST dumper (e.g. "-xc++", "-std=c++17").
	ClangArgs    []string `json:"clang_args,omitempty"`
	LLVMProfdata string   `json:"llvm_profdata"`
	LLVMCov      string   `json:"llvm_cov"`

	// Seed corpus directory (optional). It is copied into the session corpus on start.
	Corpus string `json:"corpus,omitempty"`
	// AFL-style token dictionary passed to the fuzzer (optional).
	Dict string `json:"dict,omitempty"`

	// Regexps of gadget names considered interesting sinks (parsers, decoders).
	Sinks []string `json:"sinks,omitempty"`
	// Regexps of gadget names that can start a critical path.
	// If empty, every function gadget can.
	Entries      []string `json:"entries,omitempty"`
	MaxPathDepth int      `json:"max_path_depth"`

	// Number of parallel workers.
	Procs int `json:"procs"`
	// Synthesis+compile attempts per subset per round.
	Attempts int `json:"attempts"`
	// Bounds on the number of gadgets in one subset.
	MinAPIs int `json:"min_apis"`
	MaxAPIs int `json:"max_apis"`
	// Number of energy-sampled subsets registered at session start in addition
	// to the ones derived from critical paths.
	Subsets int `json:"subsets"`

	// Short timer: a run without coverage growth within this window is rejected.
	GrowthWindow string `json:"growth_window"`
	// Long timer: total fuzzing budget of a candidate.
	StabilizeWindow string `json:"stabilize_window"`
	// Budget for replaying the corpus once before fuzzing.
	ProbeTimeout   string `json:"probe_timeout"`
	CompileTimeout string `json:"compile_timeout"`

	// Scheduler parameters.
	Exploration    float64 `json:"exploration"`
	Decay          float64 `json:"decay"`
	EnergyExponent float64 `json:"energy_exponent"`

	// Write a checkpoint every that many validated rounds.
	CheckpointEvery int `json:"checkpoint_every"`
	// "none" or "xz".
	SnapshotCompression string `json:"snapshot_compression"`
	// Stop the session after that many rounds (0 means run until aborted).
	MaxRounds int `json:"max_rounds,omitempty"`
	// Seed for subset sampling and mutation (0 means derive from time).
	Seed int64 `json:"seed,omitempty"`

	Synthesizer Synthesizer `json:"synthesizer"`

	// Parsed values of the duration fields above.
	GrowthWindowDur    time.Duration `json:"-"`
	StabilizeWindowDur time.Duration `json:"-"`
	ProbeTimeoutDur    time.Duration `json:"-"`
	CompileTimeoutDur  time.Duration `json:"-"`
}

type Synthesizer struct {
	// "gemini", "command" or "static".
	Type string `json:"type"`
	// Model name for gemini.
	Model       string  `json:"model,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	// For "gemini": let the model look up declarations, read library sources
	// and validate drafts through function calls.
	Agentic bool `json:"agentic,omitempty"`
	// Bound on model turns of one agentic synthesis (30 by default).
	MaxTurns int `json:"max_turns,omitempty"`
	// For "command": the prompt is piped to stdin, the reply is read from stdout.
	Command []string `json:"command,omitempty"`
	// For "static": a directory with pre-written harness replies, used for dry runs.
	Dir string `json:"dir,omitempty"`
	// Request timeout.
	Timeout    string        `json:"timeout,omitempty"`
	TimeoutDur time.Duration `json:"-"`
}
