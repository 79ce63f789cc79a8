// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzrun

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/cover"
	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/hash"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
	"github.com/agentfuzz/agentfuzz/pkg/report"
	"golang.org/x/sync/errgroup"
)

// LibFuzzer runs harnesses linked with -fsanitize=fuzzer and collects
// source-based coverage with llvm-profdata/llvm-cov.
type LibFuzzer struct {
	Profdata string
	Cov      string
	// Optional token dictionary.
	Dict string
	// Parallelism of per-input coverage replay.
	Procs int
	// Timeout of a single coverage replay.
	ReplayTimeout time.Duration
	// Extra time after the fuzzing budget before the engine is killed.
	Grace time.Duration
	// Keep selects source files that count for coverage.
	Keep func(file string) bool
}

func NewLibFuzzer(cfg *mgrconfig.Config) (*LibFuzzer, error) {
	profdata, err := osutil.LookPath(cfg.LLVMProfdata)
	if err != nil {
		return nil, harness.Infrastructure("llvm-profdata", err)
	}
	cov, err := osutil.LookPath(cfg.LLVMCov)
	if err != nil {
		return nil, harness.Infrastructure("llvm-cov", err)
	}
	return &LibFuzzer{
		Profdata:      profdata,
		Cov:           cov,
		Dict:          cfg.Dict,
		Procs:         cfg.Procs,
		ReplayTimeout: cfg.ProbeTimeoutDur,
		Grace:         defaultGrace,
		Keep:          gadget.LibraryFilter(cfg),
	}, nil
}

const (
	defaultGrace     = 30 * time.Second
	toolTimeout      = 10 * time.Minute
	maxOutput        = 1 << 20
	waitOutputPeriod = 10 * time.Second
)

var (
	progressRe = regexp.MustCompile(`^#([0-9]+)\s+(INITED|NEW|REDUCE|RELOAD|pulse|DONE)\s+cov: ([0-9]+)`)
	unitRe     = regexp.MustCompile(`Test unit written to (\S+)`)
)

func (lf *LibFuzzer) Replay(ctx context.Context, binary, corpus, artifacts string,
	timeout time.Duration) (*Execution, error) {
	start := time.Now()
	cmd := osutil.Command(binary, "-runs=0", "-artifact_prefix="+artifacts+string(filepath.Separator), corpus)
	// Whatever the harness writes relative to cwd stays in the workspace.
	cmd.Dir = filepath.Dir(artifacts)
	cmd.Env = append(os.Environ(), "LLVM_PROFILE_FILE="+os.DevNull)
	output, err := osutil.RunContext(ctx, timeout, cmd)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	res := &Execution{Stop: StopBudget, Duration: time.Since(start)}
	for _, line := range bytes.Split(output, []byte{'\n'}) {
		progress(res, string(line))
	}
	var verr *osutil.VerboseError
	if err != nil && !errors.As(err, &verr) {
		return nil, harness.Infrastructure("fuzzing engine", err)
	}
	exitCode := 0
	if verr != nil {
		if verr.Timedout {
			res.Stop = StopDeadline
			return res, nil
		}
		exitCode = verr.ExitCode
	}
	finish(res, output, exitCode, cmd.Dir)
	return res, nil
}

func (lf *LibFuzzer) Fuzz(ctx context.Context, binary, corpus, artifacts string, budget Budget) (*Execution, error) {
	args := []string{
		"-artifact_prefix=" + artifacts + string(filepath.Separator),
		fmt.Sprintf("-max_total_time=%v", max(1, int(math.Ceil(budget.Total.Seconds())))),
		"-print_final_stats=1",
	}
	if lf.Dict != "" {
		args = append(args, "-dict="+lf.Dict)
	}
	args = append(args, corpus)
	cmd := osutil.Command(binary, args...)
	cmd.Dir = filepath.Dir(artifacts)
	cmd.Env = append(os.Environ(), "LLVM_PROFILE_FILE="+os.DevNull)
	rp, wp, err := os.Pipe()
	if err != nil {
		return nil, harness.Infrastructure("fuzzing engine", err)
	}
	defer rp.Close()
	cmd.Stdout = wp
	cmd.Stderr = wp
	if err := cmd.Start(); err != nil {
		wp.Close()
		return nil, harness.Infrastructure("fuzzing engine", err)
	}
	wp.Close()
	return lf.monitor(ctx, cmd, rp, budget)
}

// monitor follows engine output until the process exits or one of the timers fires.
func (lf *LibFuzzer) monitor(ctx context.Context, cmd *exec.Cmd, r io.Reader, budget Budget) (*Execution, error) {
	start := time.Now()
	res := &Execution{Stop: StopBudget}
	stop := make(chan struct{})
	defer close(stop)
	lines := make(chan string, 128)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(r)
		s.Buffer(nil, maxOutput)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-stop:
				return
			}
		}
	}()
	errc := make(chan error, 1)
	go func() {
		errc <- cmd.Wait()
	}()
	growth := time.NewTimer(budget.Growth)
	defer growth.Stop()
	deadline := time.NewTimer(budget.Total + lf.Grace)
	defer deadline.Stop()
	var output []byte
	var waitErr error
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			output = appendOutput(output, line)
			if progress(res, line) {
				growth.Stop()
			}
		case waitErr = <-errc:
			break loop
		case <-growth.C:
			log.Logf(2, "%v: no coverage growth in %v", cmd.Path, budget.Growth)
			res.Stop = StopNoGrowth
			osutil.KillGroup(cmd)
			<-errc
			break loop
		case <-deadline.C:
			log.Logf(1, "%v: did not finish in %v, killing", cmd.Path, budget.Total+lf.Grace)
			res.Stop = StopDeadline
			osutil.KillGroup(cmd)
			<-errc
			break loop
		case <-ctx.Done():
			osutil.KillGroup(cmd)
			<-errc
			return nil, ctx.Err()
		}
	}
	output = drainOutput(lines, output)
	res.Duration = time.Since(start)
	log.Logf(3, "%v output:\n%s", cmd.Path, output)
	if res.Stop != StopBudget {
		return res, nil
	}
	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	finish(res, output, exitCode, cmd.Dir)
	return res, nil
}

// progress updates res from a libFuzzer status line, returns true on coverage growth.
func progress(res *Execution, line string) bool {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	if cov, err := strconv.Atoi(m[3]); err == nil {
		res.Cov = cov
	}
	if m[2] == "NEW" {
		res.Grew = true
		return true
	}
	return false
}

// finish classifies a run that ended on its own, dir is the working dir of the engine.
func finish(res *Execution, output []byte, exitCode int, dir string) {
	rep := report.Parse(output)
	if rep == nil && exitCode != 0 {
		rep = exitReport(output, exitCode)
	}
	if rep == nil {
		return
	}
	res.Stop = StopCrash
	res.Crash = rep
	if m := unitRe.FindSubmatch(output); m != nil {
		res.CrashInput = string(m[1])
		if !filepath.IsAbs(res.CrashInput) {
			res.CrashInput = filepath.Join(dir, res.CrashInput)
		}
	}
}

func exitReport(output []byte, exitCode int) *report.Report {
	title := fmt.Sprintf("exit status %v", exitCode)
	if len(output) > 4<<10 {
		output = output[len(output)-4<<10:]
	}
	return &report.Report{
		Title:  title,
		Kind:   title,
		Sig:    hash.Hash("exit", exitCode),
		Report: output,
	}
}

func appendOutput(output []byte, line string) []byte {
	output = append(output, line...)
	output = append(output, '\n')
	if len(output) > 2*maxOutput {
		copy(output, output[len(output)-maxOutput:])
		output = output[:maxOutput]
	}
	return output
}

// drainOutput reads the rest of the output after the process is gone.
func drainOutput(lines <-chan string, output []byte) []byte {
	if lines == nil {
		return output
	}
	timer := time.NewTimer(waitOutputPeriod)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return output
			}
			output = appendOutput(output, line)
		case <-timer.C:
			return output
		}
	}
}

func (lf *LibFuzzer) Collect(ctx context.Context, binary, corpus, workdir string) (*cover.Report, error) {
	profiles := filepath.Join(workdir, "profiles")
	if err := osutil.MkdirAll(profiles); err != nil {
		return nil, harness.Infrastructure("workspace", err)
	}
	all := filepath.Join(profiles, "all.profraw")
	if err := lf.replayProfile(ctx, binary, all, "-runs=0", corpus); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Some input crashes the harness, the crashing process writes no profile.
		log.Logf(2, "%v: bulk coverage replay failed, replaying inputs one by one: %v", binary, err)
		os.Remove(all)
		if err := lf.replayInputs(ctx, binary, corpus, profiles); err != nil {
			return nil, err
		}
	}
	raw, err := filepath.Glob(filepath.Join(profiles, "*.profraw"))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return &cover.Report{Covered: make(cover.Cover), Funcs: make(cover.Cover), Time: time.Now()}, nil
	}
	merged := filepath.Join(workdir, "merged.profdata")
	args := append([]string{"merge", "-sparse", "-o", merged}, raw...)
	if _, err := osutil.RunContext(ctx, toolTimeout, osutil.Command(lf.Profdata, args...)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, harness.Infrastructure("llvm-profdata", err)
	}
	cmd := osutil.Command(lf.Cov, "export", "-format=lcov", "-instr-profile="+merged, binary)
	lcov := new(bytes.Buffer)
	cmd.Stdout = lcov
	if _, err := osutil.RunContext(ctx, toolTimeout, cmd); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, harness.Infrastructure("llvm-cov", err)
	}
	rep, err := cover.ParseLCOV(lcov, lf.Keep)
	if err != nil {
		return nil, harness.Infrastructure("llvm-cov", err)
	}
	return rep, nil
}

func (lf *LibFuzzer) replayInputs(ctx context.Context, binary, corpus, profiles string) error {
	inputs, err := osutil.ListDir(corpus)
	if err != nil {
		return harness.Infrastructure("workspace", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(lf.Procs, 1))
	for i, name := range inputs {
		g.Go(func() error {
			profile := filepath.Join(profiles, fmt.Sprintf("input%v.profraw", i))
			if err := lf.replayProfile(gctx, binary, profile, filepath.Join(corpus, name)); err != nil {
				log.Logf(3, "%v: replay of %v failed: %v", binary, name, err)
				os.Remove(profile)
			}
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (lf *LibFuzzer) replayProfile(ctx context.Context, binary, profile string, args ...string) error {
	cmd := osutil.Command(binary, args...)
	cmd.Env = append(os.Environ(), "LLVM_PROFILE_FILE="+profile)
	timeout := lf.ReplayTimeout
	if timeout == 0 {
		timeout = toolTimeout
	}
	_, err := osutil.RunContext(ctx, timeout, cmd)
	return err
}
