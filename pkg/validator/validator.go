// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package validator decides whether a candidate harness is accepted.
// Every candidate goes through Proposed -> Compiled -> Running -> {Accepted, Rejected},
// a candidate may be rejected in any non-terminal state.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/build"
	"github.com/agentfuzz/agentfuzz/pkg/cover"
	"github.com/agentfuzz/agentfuzz/pkg/fuzzrun"
	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/paths"
	"github.com/agentfuzz/agentfuzz/pkg/report"
)

type State string

const (
	Proposed State = "proposed"
	Compiled State = "compiled"
	Running  State = "running"
	Accepted State = "accepted"
	Rejected State = "rejected"
)

type Reason string

const (
	ReasonSynthesis      Reason = "synthesis-failure"
	ReasonAPINotUsed     Reason = "api-not-used"
	ReasonCompile        Reason = "compile-error"
	ReasonNoGrowth       Reason = "no-growth"
	ReasonCrashNoGrowth  Reason = "crash-no-growth"
	ReasonNoCriticalPath Reason = "no-critical-path"
)

var transitions = map[State][]State{
	Proposed: {Compiled, Rejected},
	Compiled: {Running, Rejected},
	Running:  {Accepted, Rejected},
}

type Transition struct {
	From   State
	To     State
	Reason Reason
	Time   time.Time
}

type Verdict struct {
	Candidate *harness.Candidate
	State     State
	// Reason is set for Rejected.
	Reason  Reason
	History []Transition
	Exec    *fuzzrun.Execution
	// Coverage of the candidate run (nil if the run did not get that far).
	Coverage *cover.Report
	// Locations not covered by the baseline the candidate was checked against.
	Delta []string
	// Inputs generated by the run, they live in Workspace.
	NewInputs []string
	Crash     *report.Report
	// The crash was already known and the fuzzing run was skipped.
	FastRejected bool
	// Feedback for the next synthesis attempt.
	Feedback *harness.Feedback
	// Retryable rejections are worth another synthesis attempt in the same round.
	Retryable    bool
	TouchedPaths []paths.Path
	// Workspace is kept for accepted candidates until the caller merges
	// the new inputs, it's already removed otherwise.
	Workspace *build.Workspace
}

func (v *Verdict) Accepted() bool {
	return v.State == Accepted
}

func (v *Verdict) to(state State, reason Reason) {
	if !isAllowed(v.State, state) {
		panic(fmt.Sprintf("bad candidate transition %v -> %v", v.State, state))
	}
	v.History = append(v.History, Transition{From: v.State, To: state, Reason: reason, Time: time.Now()})
	v.State = state
	v.Reason = reason
}

func isAllowed(from, to State) bool {
	for _, state := range transitions[from] {
		if state == to {
			return true
		}
	}
	return false
}

func (v *Verdict) reject(reason Reason, retryable bool, feedback *harness.Feedback) *Verdict {
	v.to(Rejected, reason)
	v.Retryable = retryable
	v.Feedback = feedback
	return v
}

func (v *Verdict) String() string {
	if v.State == Rejected {
		return fmt.Sprintf("%v %v (%v)", v.Candidate.WorkName(), v.State, v.Reason)
	}
	return fmt.Sprintf("%v %v: +%v locations", v.Candidate.WorkName(), v.State, len(v.Delta))
}

// Rejection constructs a verdict for a candidate that never got source code.
func Rejection(cand *harness.Candidate, reason Reason, feedback *harness.Feedback, retryable bool) *Verdict {
	v := &Verdict{Candidate: cand, State: Proposed}
	return v.reject(reason, retryable, feedback)
}

type Builder interface {
	Build(ctx context.Context, ws *build.Workspace, cand *harness.Candidate) (*build.Artifact, error)
}

type Runner interface {
	Prepare(ws *build.Workspace) error
	Probe(ctx context.Context, ws *build.Workspace, art *build.Artifact, reproducers []string) (*fuzzrun.Execution, error)
	Run(ctx context.Context, ws *build.Workspace, art *build.Artifact, baseline cover.Cover) (*fuzzrun.Result, error)
}

type Validator struct {
	cat      *gadget.Catalog
	paths    []paths.Path
	builder  Builder
	runner   Runner
	crashes  *CrashTable
	workRoot string
}

func New(cat *gadget.Catalog, all []paths.Path, builder Builder, runner Runner,
	crashes *CrashTable, workRoot string) *Validator {
	return &Validator{
		cat:      cat,
		paths:    all,
		builder:  builder,
		runner:   runner,
		crashes:  crashes,
		workRoot: workRoot,
	}
}

// Check builds and runs the candidate. Baseline must not be modified during the call.
// Returned errors are either *harness.InfrastructureFailure or context errors,
// all other outcomes are verdicts.
func (val *Validator) Check(ctx context.Context, cand *harness.Candidate, baseline cover.Cover) (
	*Verdict, error) {
	v := &Verdict{Candidate: cand, State: Proposed}
	if len(cand.UsesAPI(val.cat)) == 0 {
		return v.reject(ReasonAPINotUsed, true, &harness.Feedback{
			Kind: harness.FeedbackAPINotUsed,
			Text: fmt.Sprintf("the harness does not call any of %v", strings.Join(cand.Subset, ", ")),
		}), nil
	}
	ws, err := build.NewWorkspace(val.workRoot, cand.WorkName())
	if err != nil {
		return nil, err
	}
	err = val.check(ctx, v, ws, baseline)
	if err != nil || !v.Accepted() {
		if err := ws.Remove(); err != nil {
			log.Logf(0, "failed to remove workspace: %v", err)
		}
	} else {
		v.Workspace = ws
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (val *Validator) check(ctx context.Context, v *Verdict, ws *build.Workspace, baseline cover.Cover) error {
	cand := v.Candidate
	art, err := val.builder.Build(ctx, ws, cand)
	if err != nil {
		var compileErr *build.CompileError
		if !errors.As(err, &compileErr) {
			return err
		}
		v.reject(ReasonCompile, true, &harness.Feedback{
			Kind: harness.FeedbackCompile,
			Text: compileErr.Output,
		})
		return nil
	}
	v.to(Compiled, "")
	if err := val.runner.Prepare(ws); err != nil {
		return err
	}
	v.to(Running, "")
	exec, err := val.runner.Probe(ctx, ws, art, val.crashes.Reproducers())
	if err != nil {
		return err
	}
	v.Exec = exec
	switch exec.Stop {
	case fuzzrun.StopCrash:
		// Crashes while replaying the corpus precede any new coverage.
		val.crashNoGrowth(v, exec, true)
		return nil
	case fuzzrun.StopDeadline:
		v.reject(ReasonNoGrowth, false, &harness.Feedback{
			Kind: harness.FeedbackCoverageGrowth,
			Text: "the harness hangs on the existing corpus",
		})
		return nil
	}
	res, err := val.runner.Run(ctx, ws, art, baseline)
	if err != nil {
		return err
	}
	v.Exec = res.Exec
	if res.Exec.Stop == fuzzrun.StopCrash {
		if !res.Exec.Grew {
			val.crashNoGrowth(v, res.Exec, false)
			return nil
		}
		// A finding: keep it and judge the candidate on the coverage gathered so far.
		v.Crash = res.Exec.Crash
		if _, _, err := val.crashes.Record(res.Exec.Crash, res.Exec.CrashInput, cand, false); err != nil {
			return err
		}
	}
	v.Coverage = res.Coverage
	v.Delta = res.Delta
	v.NewInputs = res.NewInputs
	if len(res.Delta) == 0 {
		why := "no new coverage within the growth window"
		if res.Exec.Stop == fuzzrun.StopDeadline {
			why = "the fuzzing run did not finish in time"
		}
		v.reject(ReasonNoGrowth, false, &harness.Feedback{
			Kind: harness.FeedbackCoverageGrowth,
			Text: why,
		})
		return nil
	}
	applicable := paths.ForSubset(val.paths, cand.Subset)
	for _, p := range applicable {
		if touched(p, res.Coverage) {
			v.TouchedPaths = append(v.TouchedPaths, p)
		}
	}
	if len(applicable) != 0 && len(v.TouchedPaths) == 0 {
		var unmet []string
		for _, p := range applicable {
			unmet = append(unmet, RenderPath(p, res.Coverage))
		}
		v.reject(ReasonNoCriticalPath, false, &harness.Feedback{
			Kind: harness.FeedbackAPIHit,
			Text: "none of the critical paths was executed: " + strings.Join(unmet, ", "),
		})
		return nil
	}
	v.to(Accepted, "")
	return nil
}

func (val *Validator) crashNoGrowth(v *Verdict, exec *fuzzrun.Execution, probe bool) {
	crash, known, err := val.crashes.Record(exec.Crash, exec.CrashInput, v.Candidate, true)
	if err != nil {
		log.Errorf("failed to save crash %v: %v", exec.Crash.Title, err)
	}
	v.Crash = exec.Crash
	v.FastRejected = known && probe
	text := fmt.Sprintf("the harness crashes before reaching new code: %v", exec.Crash.Title)
	if len(exec.Crash.Frames) != 0 {
		top := exec.Crash.Frames
		if len(top) > 3 {
			top = top[:3]
		}
		text += "\nstack: " + strings.Join(top, " <- ")
	}
	if crash.Count > 1 {
		text += fmt.Sprintf("\nthis crash was seen %v times in other harnesses, it's likely a harness bug", crash.Count)
	}
	v.reject(ReasonCrashNoGrowth, true, &harness.Feedback{
		Kind: harness.FeedbackCrash,
		Text: text,
	})
}

// touched returns true if every gadget of the path was executed.
func touched(p paths.Path, cov *cover.Report) bool {
	if cov == nil {
		return false
	}
	for _, id := range p {
		if !cov.HitFunc(id) {
			return false
		}
	}
	return true
}

// RenderPath formats the path as "[a(hit), b(miss)]".
func RenderPath(p paths.Path, cov *cover.Report) string {
	var parts []string
	for _, id := range p {
		mark := "miss"
		if cov != nil && cov.HitFunc(id) {
			mark = "hit"
		}
		parts = append(parts, fmt.Sprintf("%v(%v)", id, mark))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
