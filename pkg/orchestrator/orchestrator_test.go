// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/build"
	"github.com/agentfuzz/agentfuzz/pkg/cover"
	"github.com/agentfuzz/agentfuzz/pkg/energy"
	"github.com/agentfuzz/agentfuzz/pkg/fuzzrun"
	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/agentfuzz/agentfuzz/pkg/paths"
	"github.com/agentfuzz/agentfuzz/pkg/session"
	"github.com/agentfuzz/agentfuzz/pkg/synth"
	"github.com/agentfuzz/agentfuzz/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFuncs = []string{"png_create", "png_free", "png_read", "png_write"}

func testCatalog() *gadget.Catalog {
	var gadgets []*gadget.Gadget
	for _, name := range testFuncs {
		gadgets = append(gadgets, &gadget.Gadget{ID: name, Name: name, Kind: gadget.Function, Return: "int"})
	}
	return gadget.NewCatalog(gadgets)
}

type fakeSynth struct {
	mu   sync.Mutex
	reqs []*synth.Request
	gen  func(ctx context.Context, req *synth.Request) (string, error)
}

func (s *fakeSynth) Synthesize(ctx context.Context, req *synth.Request) (string, error) {
	r := *req
	s.mu.Lock()
	s.reqs = append(s.reqs, &r)
	s.mu.Unlock()
	if s.gen != nil {
		return s.gen(ctx, req)
	}
	return callAll(req), nil
}

func (s *fakeSynth) requests() []*synth.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*synth.Request{}, s.reqs...)
}

// callAll produces a harness that calls every gadget of the request.
func callAll(req *synth.Request) string {
	src := fmt.Sprintf("// attempt %v\n", req.Attempt)
	for _, g := range req.Gadgets {
		src += g.Name + "();\n"
	}
	return src
}

type fakeBuilder struct{}

func (fakeBuilder) Build(ctx context.Context, ws *build.Workspace, cand *harness.Candidate) (
	*build.Artifact, error) {
	if strings.Contains(cand.Source, "BROKEN") {
		return nil, &build.CompileError{Output: "harness.cc:1:1: error: unknown type name 'BROKEN'"}
	}
	art := &build.Artifact{Binary: ws.Path("harness"), Source: ws.Path("harness.cc")}
	return art, os.WriteFile(art.Source, []byte(cand.Source), 0644)
}

// fakeRunner covers one location per gadget called by the harness source.
type fakeRunner struct{}

func (fakeRunner) Prepare(ws *build.Workspace) error {
	return os.MkdirAll(ws.Path("corpus"), 0755)
}

func (fakeRunner) Probe(ctx context.Context, ws *build.Workspace, art *build.Artifact, reproducers []string) (
	*fuzzrun.Execution, error) {
	return &fuzzrun.Execution{Stop: fuzzrun.StopBudget}, nil
}

func (fakeRunner) Run(ctx context.Context, ws *build.Workspace, art *build.Artifact, baseline cover.Cover) (
	*fuzzrun.Result, error) {
	src, err := os.ReadFile(art.Source)
	if err != nil {
		return nil, err
	}
	rep := &cover.Report{Covered: make(cover.Cover), Funcs: make(cover.Cover)}
	for _, name := range testFuncs {
		if strings.Contains(string(src), name+"()") {
			rep.Covered.Merge([]string{"png.c:" + name})
			rep.Funcs.Merge([]string{name})
		}
	}
	input := ws.Path("corpus", "new")
	if err := os.WriteFile(input, src, 0644); err != nil {
		return nil, err
	}
	delta := rep.Covered.Diff(baseline)
	exec := &fuzzrun.Execution{Stop: fuzzrun.StopBudget, Grew: len(delta) != 0}
	return &fuzzrun.Result{Exec: exec, NewInputs: []string{input}, Coverage: rep, Delta: delta}, nil
}

type checkCall struct {
	round    int
	baseline int
	verdict  *validator.Verdict
}

// recorder wraps the real validator and remembers verdicts.
type recorder struct {
	val   *validator.Validator
	mu    sync.Mutex
	calls []checkCall
}

func (r *recorder) Check(ctx context.Context, cand *harness.Candidate, baseline cover.Cover) (
	*validator.Verdict, error) {
	v, err := r.val.Check(ctx, cand, baseline)
	if err == nil {
		r.mu.Lock()
		r.calls = append(r.calls, checkCall{cand.Round, baseline.Len(), v})
		r.mu.Unlock()
	}
	return v, err
}

func (r *recorder) verdicts() []checkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]checkCall{}, r.calls...)
}

type testEnv struct {
	cfg   *mgrconfig.Config
	store *session.Store
	deps  Deps
	check *recorder
	synth *fakeSynth
}

func newTestEnv(t *testing.T, crit []paths.Path) *testEnv {
	store, err := session.Open(t.TempDir(), "none")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cat := testCatalog()
	crashes := validator.NewCrashTable(store.CrashDir())
	check := &recorder{
		val: validator.New(cat, crit, fakeBuilder{}, fakeRunner{}, crashes, store.WorkDir()),
	}
	s := new(fakeSynth)
	return &testEnv{
		cfg: &mgrconfig.Config{
			Target:          "libpng",
			Procs:           1,
			Attempts:        3,
			MinAPIs:         1,
			MaxAPIs:         2,
			Subsets:         4,
			EnergyExponent:  1,
			CheckpointEvery: 1,
			Seed:            1,
		},
		store: store,
		deps: Deps{
			Catalog:   cat,
			Paths:     crit,
			Synth:     s,
			Validator: check,
			Store:     store,
			Crashes:   crashes,
		},
		check: check,
		synth: s,
	}
}

func (env *testEnv) orchestrator(t *testing.T, snap *session.Snapshot) *Orchestrator {
	if snap == nil {
		snap = session.New(env.cfg.Seed, energy.Params{Exploration: 4, Decay: 0.95})
	}
	o, err := New(env.cfg, env.deps, snap)
	require.NoError(t, err)
	return o
}

func totalVisits(recs []energy.Record) int {
	visits := 0
	for _, rec := range recs {
		visits += rec.Visits
	}
	return visits
}

func TestCompileRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.MaxRounds = 1
	env.synth.gen = func(ctx context.Context, req *synth.Request) (string, error) {
		src := callAll(req)
		if req.Attempt < 3 {
			src = "BROKEN\n" + src
		}
		return src, nil
	}
	o := env.orchestrator(t, nil)
	require.NoError(t, o.Run(context.Background()))

	reqs := env.synth.requests()
	require.Len(t, reqs, 3)
	assert.Nil(t, reqs[0].Feedback)
	assert.Equal(t, harness.FeedbackCompile, reqs[1].Feedback.Kind)
	assert.Contains(t, reqs[1].Feedback.Text, "unknown type name")
	assert.Empty(t, reqs[1].Feedback.Diff)
	assert.Equal(t, harness.FeedbackCompile, reqs[2].Feedback.Kind)
	assert.Contains(t, reqs[2].Feedback.Diff, "+// attempt 2")
	assert.Contains(t, reqs[2].Previous, "// attempt 2")

	calls := env.check.verdicts()
	require.Len(t, calls, 3)
	for _, call := range calls[:2] {
		assert.Equal(t, validator.ReasonCompile, call.verdict.Reason)
	}
	third := calls[2].verdict
	assert.Equal(t, 3, third.Candidate.Attempt)
	var reached []validator.State
	for _, tr := range third.History {
		reached = append(reached, tr.To)
	}
	assert.Contains(t, reached, validator.Running)
	assert.True(t, third.Accepted())

	snap, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Round)
	require.Len(t, snap.Accepted, 1)
	acc := snap.Accepted[0]
	assert.Equal(t, third.Candidate.ID(), acc.ID)
	assert.Equal(t, len(third.Candidate.Subset), acc.Newly)
	src, ok := env.store.Harness(acc.ID)
	require.True(t, ok)
	assert.Equal(t, third.Candidate.Source, src)
	assert.Equal(t, 1, env.store.CorpusSize())
	assert.Equal(t, 1, totalVisits(snap.Records))
	// Every attempt counts as a prompt for the subset gadgets.
	for _, id := range acc.Subset {
		assert.Equal(t, 3, snap.Counters.Prompts[id])
		assert.Equal(t, 1, snap.Counters.Seeds[id])
	}
}

func TestBaselineMonotonic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.Procs = 2
	env.cfg.MaxRounds = 8
	o := env.orchestrator(t, nil)
	require.NoError(t, o.Run(context.Background()))

	calls := env.check.verdicts()
	require.Len(t, calls, 8)
	sort.Slice(calls, func(i, j int) bool { return calls[i].round < calls[j].round })
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].baseline, calls[i-1].baseline)
	}

	snap, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 8, snap.Round)
	assert.Equal(t, 8, totalVisits(snap.Records))
	require.NotEmpty(t, snap.Accepted)
	total := 0
	for _, acc := range snap.Accepted {
		assert.Positive(t, acc.Newly)
		total += acc.Newly
	}
	assert.Equal(t, total, snap.Baseline.Len())
	for _, call := range calls {
		if call.verdict.Coverage == nil || !call.verdict.Accepted() {
			continue
		}
		for loc := range call.verdict.Coverage.Covered {
			assert.True(t, snap.Baseline.Has(loc), "lost %v", loc)
		}
	}
	assert.Equal(t, snap.Baseline, o.currentBaseline())
}

func TestNoCriticalPathFeedback(t *testing.T) {
	crit := []paths.Path{{"png_create", "png_read"}}
	env := newTestEnv(t, crit)
	env.cfg.MaxRounds = 1
	env.cfg.Subsets = 0
	env.synth.gen = func(ctx context.Context, req *synth.Request) (string, error) {
		return "png_create();\n// png_read is never called\n", nil
	}
	o := env.orchestrator(t, nil)
	require.NoError(t, o.Run(context.Background()))

	reqs := env.synth.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, crit, reqs[0].Paths)
	calls := env.check.verdicts()
	require.Len(t, calls, 1)
	assert.Equal(t, validator.ReasonNoCriticalPath, calls[0].verdict.Reason)
	snap, err := env.store.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Accepted)
	assert.Zero(t, snap.Baseline.Len())
	assert.Equal(t, 1, totalVisits(snap.Records))
}

func TestMaxRounds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.Procs = 3
	env.cfg.MaxRounds = 5
	env.synth.gen = func(ctx context.Context, req *synth.Request) (string, error) {
		return "int main() { return 0; }\n", nil
	}
	o := env.orchestrator(t, nil)
	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, 5, o.Round())
	assert.Len(t, env.check.verdicts(), 15)
	for _, call := range env.check.verdicts() {
		assert.Equal(t, validator.ReasonAPINotUsed, call.verdict.Reason)
	}
	st := o.Status(0)
	assert.True(t, st.Stopped)
	assert.Zero(t, st.InFlight)
	assert.Equal(t, 5, totalVisits(st.Top))
	assert.Empty(t, st.Accepted)
}

func TestSynthesisFailureRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.MaxRounds = 1
	env.synth.gen = func(ctx context.Context, req *synth.Request) (string, error) {
		if req.Attempt == 1 {
			return "", &synth.SynthesisFailure{Kind: harness.FeedbackParse, Reason: "no code block"}
		}
		return callAll(req), nil
	}
	o := env.orchestrator(t, nil)
	require.NoError(t, o.Run(context.Background()))
	reqs := env.synth.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, harness.FeedbackParse, reqs[1].Feedback.Kind)
	assert.Empty(t, reqs[1].Previous)
	assert.Len(t, o.Status(0).Accepted, 1)
}

func TestSynthesizerValidatesDrafts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.MaxRounds = 1
	var feedback []*harness.Feedback
	env.synth.gen = func(ctx context.Context, req *synth.Request) (string, error) {
		src := callAll(req)
		fb, err := req.Validate(ctx, "BROKEN\n"+src)
		assert.NoError(t, err)
		feedback = append(feedback, fb)
		fb, err = req.Validate(ctx, src)
		assert.NoError(t, err)
		feedback = append(feedback, fb)
		return src, nil
	}
	o := env.orchestrator(t, nil)
	require.NoError(t, o.Run(context.Background()))

	require.Len(t, feedback, 2)
	require.NotNil(t, feedback[0])
	assert.Equal(t, harness.FeedbackCompile, feedback[0].Kind)
	assert.Nil(t, feedback[1])
	// The accepted draft is not checked again.
	calls := env.check.verdicts()
	require.Len(t, calls, 2)
	assert.Len(t, env.synth.requests(), 1)
	snap, err := env.store.Load()
	require.NoError(t, err)
	require.Len(t, snap.Accepted, 1)
	src, ok := env.store.Harness(snap.Accepted[0].ID)
	require.True(t, ok)
	assert.Equal(t, calls[1].verdict.Candidate.Source, src)
	assert.Equal(t, 1, env.store.CorpusSize())
}

func TestSynthesizerDraftReplaced(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.MaxRounds = 1
	env.synth.gen = func(ctx context.Context, req *synth.Request) (string, error) {
		src := callAll(req)
		fb, err := req.Validate(ctx, src)
		assert.NoError(t, err)
		assert.Nil(t, fb)
		// The synthesizer settles on a different source, it's validated from scratch.
		return src + "// final\n", nil
	}
	o := env.orchestrator(t, nil)
	require.NoError(t, o.Run(context.Background()))
	calls := env.check.verdicts()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].verdict.Candidate.Source, "// final")
	assert.True(t, calls[1].verdict.Accepted())
	entries, err := os.ReadDir(env.store.WorkDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInfrastructureHalt(t *testing.T) {
	env := newTestEnv(t, nil)
	var mu sync.Mutex
	calls := 0
	env.synth.gen = func(ctx context.Context, req *synth.Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			return "", harness.Infrastructure("synthesizer", errors.New("quota exceeded"))
		}
		return callAll(req), nil
	}
	o := env.orchestrator(t, nil)
	err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, harness.IsInfrastructure(err))
	assert.Contains(t, err.Error(), "quota exceeded")

	snap, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Round)
	assert.Len(t, snap.Accepted, 1)
	// The interrupted round is not recorded.
	assert.Equal(t, 1, totalVisits(snap.Records))
	assert.Equal(t, 2, calls)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.Procs = 2
	started := make(chan struct{}, 10)
	env.synth.gen = func(ctx context.Context, req *synth.Request) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}
	o := env.orchestrator(t, nil)
	o.sched.Add(gadget.NewSubset("png_create"), gadget.NewSubset("png_write"))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() { errc <- o.Run(ctx) }()
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Minute):
			t.Fatal("workers did not start")
		}
	}
	cancel()
	require.NoError(t, <-errc)

	st := o.Status(0)
	assert.True(t, st.Stopped)
	assert.Zero(t, st.InFlight)
	assert.Empty(t, st.Accepted)
	assert.Zero(t, totalVisits(st.Top))
	// All leases are released.
	for i := 0; i < o.sched.Len(); i++ {
		_, ok := o.sched.Select()
		assert.True(t, ok)
	}
	snap, err := env.store.Load()
	require.NoError(t, err)
	assert.Zero(t, totalVisits(snap.Records))
}

func TestResume(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.MaxRounds = 3
	o := env.orchestrator(t, nil)
	require.NoError(t, o.Run(context.Background()))
	first, err := env.store.Load()
	require.NoError(t, err)
	require.Equal(t, 3, first.Round)

	env.cfg.MaxRounds = 6
	o = env.orchestrator(t, first)
	assert.Equal(t, len(first.Records), o.sched.Len())
	assert.Equal(t, first.Baseline, o.currentBaseline())
	require.NoError(t, o.Run(context.Background()))

	second, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 6, second.Round)
	assert.Equal(t, 6, totalVisits(second.Records))
	require.GreaterOrEqual(t, len(second.Accepted), len(first.Accepted))
	assert.Equal(t, first.Accepted, second.Accepted[:len(first.Accepted)])
	for loc := range first.Baseline {
		assert.True(t, second.Baseline.Has(loc))
	}
}

func TestCheckpointer(t *testing.T) {
	var mu sync.Mutex
	var written []string
	c := newCheckpointer(func(data []byte) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		written = append(written, string(data))
		mu.Unlock()
		return nil
	})
	for i := 1; i <= 20; i++ {
		c.submit([]byte(fmt.Sprint(i)))
	}
	require.NoError(t, c.flush([]byte("final")))
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, len(written), 21)
	assert.Equal(t, "final", written[len(written)-1])
	assert.Equal(t, "20", written[len(written)-2])
}
