// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzrun executes compiled harnesses under a coverage-guided fuzzing
// engine with bounded time budgets and collects their source coverage.
package fuzzrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/build"
	"github.com/agentfuzz/agentfuzz/pkg/cover"
	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
	"github.com/agentfuzz/agentfuzz/pkg/report"
)

type StopReason string

const (
	// No coverage growth within the growth window.
	StopNoGrowth StopReason = "no-growth"
	// The fuzzing budget was used up normally.
	StopBudget StopReason = "budget"
	StopCrash  StopReason = "crash"
	// The engine did not finish within the hard deadline and was killed,
	// the run must not be trusted.
	StopDeadline StopReason = "deadline"
)

// Execution is the outcome of one engine invocation.
type Execution struct {
	Stop StopReason
	// Grew is set if the engine reported at least one coverage increase.
	Grew bool
	// Last coverage counter printed by the engine.
	Cov int
	// Crash is set for StopCrash.
	Crash *report.Report
	// Reproducer written by the engine, if any.
	CrashInput string
	Duration   time.Duration
}

type Budget struct {
	// Growth is the short timer: the run is stopped unless coverage grows within it.
	Growth time.Duration
	// Total is the long timer: the whole fuzzing time.
	Total time.Duration
}

// Engine is the fuzzing engine capability.
type Engine interface {
	// Replay runs every input of the corpus dir once.
	// Crash reproducers are written to artifacts.
	Replay(ctx context.Context, binary, corpus, artifacts string, timeout time.Duration) (*Execution, error)
	// Fuzz fuzzes starting from the corpus dir, new inputs are added to it.
	// Crash reproducers are written to artifacts.
	Fuzz(ctx context.Context, binary, corpus, artifacts string, budget Budget) (*Execution, error)
	// Collect returns the source coverage of running all corpus inputs, workdir is scratch space.
	Collect(ctx context.Context, binary, corpus, workdir string) (*cover.Report, error)
}

// Runner runs candidates on private copies of the session corpus.
type Runner struct {
	engine Engine
	// Session corpus, never written by the runner.
	corpus string
	budget Budget
	probe  time.Duration
}

type Result struct {
	Exec *Execution
	// Inputs generated by the run (paths inside the workspace).
	NewInputs []string
	// Coverage of all inputs of the private corpus, nil if the run was cut short.
	Coverage *cover.Report
	// Locations covered by the run but not by the baseline.
	Delta []string
}

func NewRunner(engine Engine, corpus string, budget Budget, probe time.Duration) *Runner {
	return &Runner{
		engine: engine,
		corpus: corpus,
		budget: budget,
		probe:  probe,
	}
}

func (r *Runner) Budget() Budget {
	return r.budget
}

func corpusDir(ws *build.Workspace) string {
	return ws.Path("corpus")
}

// artifactsDir holds crash reproducers written by the engine.
func artifactsDir(ws *build.Workspace) (string, error) {
	dir := ws.Path("artifacts")
	if err := osutil.MkdirAll(dir); err != nil {
		return "", harness.Infrastructure("workspace", err)
	}
	return dir, nil
}

// Prepare copies the session corpus into the workspace.
func (r *Runner) Prepare(ws *build.Workspace) error {
	dst := corpusDir(ws)
	if err := osutil.MkdirAll(dst); err != nil {
		return harness.Infrastructure("workspace", err)
	}
	if r.corpus == "" {
		return nil
	}
	files, err := osutil.ListDir(r.corpus)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return harness.Infrastructure("session corpus", err)
	}
	for _, name := range files {
		// Half-written files of concurrent corpus updates.
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := osutil.CopyFile(filepath.Join(r.corpus, name), filepath.Join(dst, name)); err != nil {
			return harness.Infrastructure("workspace", err)
		}
	}
	return nil
}

// Probe replays the known crash reproducers and then the private corpus once,
// it stops on the first crash. Prepare must be called first.
func (r *Runner) Probe(ctx context.Context, ws *build.Workspace, art *build.Artifact,
	reproducers []string) (*Execution, error) {
	artifacts, err := artifactsDir(ws)
	if err != nil {
		return nil, err
	}
	if len(reproducers) != 0 {
		dir := ws.Path("reproducers")
		if err := osutil.MkdirAll(dir); err != nil {
			return nil, harness.Infrastructure("workspace", err)
		}
		for i, file := range reproducers {
			if err := osutil.CopyFile(file, filepath.Join(dir, fmt.Sprintf("repro%v", i))); err != nil {
				return nil, harness.Infrastructure("crash reproducers", err)
			}
		}
		res, err := r.engine.Replay(ctx, art.Binary, dir, artifacts, r.probe)
		if err != nil || res.Stop == StopCrash {
			return res, err
		}
	}
	return r.engine.Replay(ctx, art.Binary, corpusDir(ws), artifacts, r.probe)
}

// Run fuzzes the candidate and, unless the run was cut short, collects its coverage
// and the delta against baseline. Prepare must be called first.
func (r *Runner) Run(ctx context.Context, ws *build.Workspace, art *build.Artifact,
	baseline cover.Cover) (*Result, error) {
	dir := corpusDir(ws)
	before, err := listInputs(dir)
	if err != nil {
		return nil, harness.Infrastructure("workspace", err)
	}
	artifacts, err := artifactsDir(ws)
	if err != nil {
		return nil, err
	}
	exec, err := r.engine.Fuzz(ctx, art.Binary, dir, artifacts, r.budget)
	if err != nil {
		return nil, err
	}
	res := &Result{Exec: exec}
	after, err := listInputs(dir)
	if err != nil {
		return nil, harness.Infrastructure("workspace", err)
	}
	for name := range after {
		if !before[name] {
			res.NewInputs = append(res.NewInputs, filepath.Join(dir, name))
		}
	}
	sort.Strings(res.NewInputs)
	if exec.Stop == StopNoGrowth || exec.Stop == StopDeadline || !exec.Grew {
		return res, nil
	}
	res.Coverage, err = r.engine.Collect(ctx, art.Binary, dir, ws.Path("coverage"))
	if err != nil {
		return nil, err
	}
	res.Delta = res.Coverage.Covered.Diff(baseline)
	return res, nil
}

func listInputs(dir string) (map[string]bool, error) {
	files, err := osutil.ListDir(dir)
	if err != nil {
		return nil, err
	}
	res := make(map[string]bool)
	for _, name := range files {
		res[name] = true
	}
	return res, nil
}

func (exec *Execution) String() string {
	s := fmt.Sprintf("%v after %v, cov %v", exec.Stop, exec.Duration.Round(time.Millisecond), exec.Cov)
	if exec.Crash != nil {
		s += ": " + exec.Crash.Title
	}
	return s
}
