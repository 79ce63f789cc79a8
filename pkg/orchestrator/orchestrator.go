// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package orchestrator runs the harness generation loop: it leases gadget
// subsets from the energy scheduler, hands them to a pool of workers that
// synthesize and validate candidates, and folds the verdicts back into the
// session state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/cover"
	"github.com/agentfuzz/agentfuzz/pkg/energy"
	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/agentfuzz/agentfuzz/pkg/paths"
	"github.com/agentfuzz/agentfuzz/pkg/session"
	"github.com/agentfuzz/agentfuzz/pkg/synth"
	"github.com/agentfuzz/agentfuzz/pkg/validator"
	"golang.org/x/sync/errgroup"
)

// Checker validates one candidate, implemented by *validator.Validator.
type Checker interface {
	Check(ctx context.Context, cand *harness.Candidate, baseline cover.Cover) (*validator.Verdict, error)
}

type Deps struct {
	Catalog   *gadget.Catalog
	Paths     []paths.Path
	Synth     synth.Synthesizer
	Validator Checker
	Store     *session.Store
	Crashes   *validator.CrashTable
}

// Number of subsets derived from every accepted candidate.
const mutationsPerAccept = 3

type Orchestrator struct {
	cfg   *mgrconfig.Config
	deps  Deps
	sched *energy.Scheduler
	// Owned by the Run goroutine.
	mut   *energy.Mutator
	stats *stats
	ckpt  *checkpointer

	id        string
	created   time.Time
	seed      int64
	validated int

	// mu protects the fields below, they are written by the Run goroutine
	// and read by Status.
	mu       sync.Mutex
	round    int
	baseline cover.Cover
	hitFuncs cover.Cover
	accepted []session.Accepted
	lineage  map[string]string
	inflight int
	stopped  bool
}

type job struct {
	subset   gadget.Subset
	round    int
	parent   string
	baseline cover.Cover
}

type result struct {
	job     *job
	verdict *validator.Verdict
	// Number of synthesis requests made for the job.
	attempts int
	err      error
}

// New creates an orchestrator for a fresh session (snap is session.New output)
// or a resumed one (snap was loaded from the store).
func New(cfg *mgrconfig.Config, deps Deps, snap *session.Snapshot) (*Orchestrator, error) {
	var funcs []string
	for _, fn := range deps.Catalog.Functions() {
		funcs = append(funcs, fn.ID)
	}
	resume := len(snap.Records) != 0
	var sched *energy.Scheduler
	var err error
	if resume {
		sched, err = energy.Restore(snap.Params, snap.Records)
	} else {
		sched, err = energy.NewScheduler(snap.Params)
	}
	if err != nil {
		return nil, err
	}
	mut := energy.NewMutator(funcs, energy.MutatorOptions{
		MinAPIs:  cfg.MinAPIs,
		MaxAPIs:  cfg.MaxAPIs,
		Exponent: cfg.EnergyExponent,
	}, snap.Counters)
	mut.RestoreSeeds(snap.Seeds())
	mut.Covered(snap.HitFuncs.Serialize())
	if !resume {
		rnd := rand.New(rand.NewSource(snap.Seed))
		var initial []gadget.Subset
		for _, p := range deps.Paths {
			initial = append(initial, mut.Clamp(rnd, gadget.NewSubset(p...)))
		}
		fromPaths := len(initial)
		initial = append(initial, mut.Initial(rnd, cfg.Subsets)...)
		added := sched.Add(initial...)
		log.Logf(0, "registered %v subsets (%v from critical paths)", added, fromPaths)
	}
	if sched.Len() == 0 {
		return nil, fmt.Errorf("no gadget subsets to schedule")
	}
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		sched:    sched,
		mut:      mut,
		id:       snap.ID,
		created:  snap.Created,
		seed:     snap.Seed,
		round:    snap.Round,
		baseline: snap.Baseline.Clone(),
		hitFuncs: snap.HitFuncs.Clone(),
		accepted: append([]session.Accepted{}, snap.Accepted...),
		lineage:  make(map[string]string),
	}
	for id, parent := range snap.Lineage {
		o.lineage[id] = parent
	}
	o.ckpt = newCheckpointer(deps.Store.Write)
	o.stats = newStats(o)
	return o, nil
}

// Run executes rounds until ctx is canceled, MaxRounds rounds are done or an
// infrastructure failure happens. In-flight candidates of a canceled session
// are discarded. A checkpoint is written before returning in all cases.
// Cancellation of ctx is an orderly shutdown and returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	procs := max(o.cfg.Procs, 1)
	jobs := make(chan *job)
	results := make(chan *result, procs)
	var workers errgroup.Group
	for i := 0; i < procs; i++ {
		workers.Go(func() error {
			for j := range jobs {
				results <- o.process(runCtx, j)
			}
			return nil
		})
	}
	runErr := o.loop(runCtx, cancel, jobs, results)
	close(jobs)
	workers.Wait()

	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	if err := o.checkpoint(true); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if runErr == nil && ctx.Err() != nil {
		log.Logf(0, "session aborted at round %v", o.Round())
	}
	return runErr
}

func (o *Orchestrator) loop(ctx context.Context, cancel context.CancelFunc, jobs chan<- *job,
	results <-chan *result) error {
	var runErr error
	var pending *job
	done := ctx.Done()
	for {
		halt := done == nil || runErr != nil
		if pending != nil && halt {
			o.sched.Release(pending.subset)
			pending = nil
		}
		dispatch := !halt && !o.roundsDone()
		if pending == nil && dispatch {
			pending = o.nextJob()
		}
		if pending == nil && o.inflightJobs() == 0 {
			if dispatch {
				return fmt.Errorf("no gadget subsets to schedule")
			}
			return runErr
		}
		var sendJobs chan<- *job
		if pending != nil {
			sendJobs = jobs
		}
		select {
		case sendJobs <- pending:
			o.mu.Lock()
			o.round = pending.round
			o.inflight++
			o.mu.Unlock()
			pending = nil
		case res := <-results:
			o.addInflight(-1)
			if ctx.Err() != nil || res.err != nil {
				o.discard(res)
				if res.err != nil && ctx.Err() == nil && runErr == nil {
					runErr = res.err
					if !harness.IsInfrastructure(runErr) {
						runErr = harness.Infrastructure("worker", runErr)
					}
					log.Errorf("halting the session: %v", runErr)
					cancel()
				}
				continue
			}
			if err := o.handle(res); err != nil && runErr == nil {
				log.Errorf("halting the session: %v", err)
				runErr = err
				cancel()
			}
		case <-done:
			done = nil
		}
	}
}

// discard drops the result of an interrupted job.
func (o *Orchestrator) discard(res *result) {
	o.sched.Release(res.job.subset)
	if v := res.verdict; v != nil && v.Workspace != nil {
		if err := v.Workspace.Remove(); err != nil {
			log.Logf(0, "failed to remove workspace: %v", err)
		}
	}
}

// nextJob leases the best subset. The round counter advances when the job is dispatched.
func (o *Orchestrator) nextJob() *job {
	rec, ok := o.sched.Select()
	if !ok {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return &job{
		subset:   rec.Subset,
		round:    o.round + 1,
		parent:   o.lineage[rec.Subset.ID()],
		baseline: o.baseline.Clone(),
	}
}

func (o *Orchestrator) roundsDone() bool {
	if o.cfg.MaxRounds <= 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.round >= o.cfg.MaxRounds
}

func (o *Orchestrator) addInflight(delta int) {
	o.mu.Lock()
	o.inflight += delta
	o.mu.Unlock()
}

func (o *Orchestrator) inflightJobs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight
}

// process runs the synthesis/validation attempts of one job.
func (o *Orchestrator) process(ctx context.Context, j *job) *result {
	res := &result{job: j}
	cat := o.deps.Catalog
	var gadgets []*gadget.Gadget
	for _, id := range j.subset {
		if fn := cat.Func(id); fn != nil {
			gadgets = append(gadgets, fn)
		}
	}
	req := &synth.Request{
		Target:  o.cfg.Target,
		Gadgets: gadgets,
		Types:   cat.Context(j.subset),
		Paths:   paths.ForSubset(o.deps.Paths, j.subset),
		Headers: o.cfg.Headers,
	}
	d := &drafts{check: o.deps.Validator, baseline: j.baseline}
	defer d.drop()
	req.Validate = d.validate
	attempts := max(o.cfg.Attempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		cand := &harness.Candidate{
			Subset:  j.subset,
			Round:   j.round,
			Attempt: attempt,
			Parent:  j.parent,
		}
		d.cand = cand
		req.Attempt = attempt
		res.attempts++
		src, err := o.deps.Synth.Synthesize(ctx, req)
		var v *validator.Verdict
		if err != nil {
			var failure *synth.SynthesisFailure
			if !errors.As(err, &failure) || ctx.Err() != nil {
				res.err = err
				return res
			}
			v = validator.Rejection(cand, validator.ReasonSynthesis, &harness.Feedback{
				Kind: failure.Kind,
				Text: failure.Reason,
			}, true)
		} else if v = d.take(src); v == nil {
			cand.Source = src
			v, err = o.deps.Validator.Check(ctx, cand, j.baseline)
			if err != nil {
				res.err = err
				return res
			}
		}
		res.verdict = v
		log.Logf(1, "%v", v)
		if !v.Retryable {
			break
		}
		feedback := harness.Feedback{}
		if v.Feedback != nil {
			feedback = *v.Feedback
		}
		if src != "" {
			if req.Previous != "" {
				feedback.Diff = harness.Diff(req.Previous, src)
			}
			req.Previous = src
		}
		req.Feedback = &feedback
	}
	return res
}

// drafts validates drafts on behalf of the synthesizer. The verdict of the last
// draft is kept so that the source the synthesizer settles on is not checked twice.
type drafts struct {
	check    Checker
	baseline cover.Cover
	cand     *harness.Candidate
	last     *validator.Verdict
}

func (d *drafts) validate(ctx context.Context, src string) (*harness.Feedback, error) {
	d.drop()
	cand := *d.cand
	cand.Source = src
	v, err := d.check.Check(ctx, &cand, d.baseline)
	if err != nil {
		return nil, err
	}
	d.last = v
	if v.Accepted() {
		return nil, nil
	}
	if v.Feedback != nil {
		return v.Feedback, nil
	}
	return &harness.Feedback{Kind: harness.FeedbackSynthesis, Text: string(v.Reason)}, nil
}

// take returns the verdict for src if it was the last validated draft.
func (d *drafts) take(src string) *validator.Verdict {
	v := d.last
	if v == nil || v.Candidate.Source != src || v.Candidate.Attempt != d.cand.Attempt {
		d.drop()
		return nil
	}
	d.last = nil
	return v
}

func (d *drafts) drop() {
	if d.last != nil && d.last.Workspace != nil {
		if err := d.last.Workspace.Remove(); err != nil {
			log.Logf(0, "failed to remove workspace: %v", err)
		}
	}
	d.last = nil
}

// handle applies a finished job to the session state.
func (o *Orchestrator) handle(res *result) error {
	subset := res.job.subset
	for i := 0; i < res.attempts; i++ {
		o.mut.Prompted(subset)
	}
	v := res.verdict
	o.stats.record(res)
	newly := 0
	if v.Accepted() {
		var err error
		newly, err = o.accept(v)
		if err != nil {
			return err
		}
	}
	rec := o.sched.Update(subset, newly, newly != 0)
	log.Logf(0, "round %v: %v, %v attempts, subset %v: visits=%v yield=%.1f",
		res.job.round, v, res.attempts, subset.ID(), rec.Visits, rec.Yield)
	o.validated++
	if every := o.cfg.CheckpointEvery; every > 0 && o.validated%every == 0 {
		if err := o.checkpoint(false); err != nil {
			return err
		}
	}
	return nil
}

// accept merges an accepted candidate into the session. Returns the number of
// locations it added to the baseline. Candidates whose coverage was entirely
// covered by other candidates of the same rounds add nothing and are not recorded.
func (o *Orchestrator) accept(v *validator.Verdict) (int, error) {
	cand := v.Candidate
	defer func() {
		if err := v.Workspace.Remove(); err != nil {
			log.Logf(0, "failed to remove workspace: %v", err)
		}
	}()
	o.mu.Lock()
	delta := o.baseline.MergeDiff(v.Coverage.Covered.Serialize())
	o.hitFuncs.Merge(v.Coverage.Funcs.Serialize())
	o.mu.Unlock()
	o.mut.Covered(v.Coverage.Funcs.Serialize())
	if len(delta) == 0 {
		log.Logf(0, "%v: coverage is already in the baseline", cand.WorkName())
		o.stats.superseded.Add(1)
		return 0, nil
	}
	added, err := o.deps.Store.AddCorpus(v.NewInputs)
	if err != nil {
		return 0, harness.Infrastructure("session store", err)
	}
	digest, err := o.deps.Store.SaveHarness(cand.ID(), cand.Source, cand.Round)
	if err != nil {
		return 0, harness.Infrastructure("session store", err)
	}
	o.mut.AddSeed(cand.Subset, len(delta))
	rnd := rand.New(rand.NewSource(o.seed ^ int64(cand.Round)))
	var derived []string
	for _, subset := range o.mut.Mutate(rnd, mutationsPerAccept) {
		if _, known := o.sched.Get(subset); known {
			continue
		}
		o.sched.Add(subset)
		derived = append(derived, subset.ID())
	}
	o.mu.Lock()
	for _, id := range derived {
		o.lineage[id] = cand.ID()
	}
	o.accepted = append(o.accepted, session.Accepted{
		ID:     cand.ID(),
		Subset: cand.Subset,
		Round:  cand.Round,
		Parent: cand.Parent,
		Source: digest,
		Newly:  len(delta),
		Inputs: added,
		Time:   time.Now(),
	})
	o.mu.Unlock()
	o.stats.newly.Add(len(delta))
	log.Logf(0, "accepted %v: +%v locations, %v new inputs, %v derived subsets",
		cand.ID(), len(delta), added, len(derived))
	return len(delta), nil
}

// snapshot captures the session state. Called on the Run goroutine.
func (o *Orchestrator) snapshot() *session.Snapshot {
	counters := energy.NewCounters()
	for id, n := range o.mut.Counters().Seeds {
		counters.Seeds[id] = n
	}
	for id, n := range o.mut.Counters().Prompts {
		counters.Prompts[id] = n
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := &session.Snapshot{
		Version:  session.Version,
		ID:       o.id,
		Created:  o.created,
		Saved:    time.Now(),
		Round:    o.round,
		Seed:     o.seed,
		Params:   o.sched.Params(),
		Records:  o.sched.Snapshot(),
		Accepted: append([]session.Accepted{}, o.accepted...),
		Baseline: o.baseline.Clone(),
		HitFuncs: o.hitFuncs.Clone(),
		Crashes:  o.deps.Crashes.Snapshot(),
		Counters: counters,
		Lineage:  make(map[string]string, len(o.lineage)),
	}
	for id, parent := range o.lineage {
		snap.Lineage[id] = parent
	}
	return snap
}

// checkpoint encodes the current state and writes it either in the background
// or synchronously (waiting for the background writes first).
func (o *Orchestrator) checkpoint(wait bool) error {
	data, err := session.Encode(o.snapshot())
	if err != nil {
		return err
	}
	o.stats.checkpoints.Add(1)
	if wait {
		return o.ckpt.flush(data)
	}
	o.ckpt.submit(data)
	return nil
}

func (o *Orchestrator) Round() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.round
}

// currentBaseline returns a copy of the accepted covered set.
func (o *Orchestrator) currentBaseline() cover.Cover {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseline.Clone()
}

type Status struct {
	ID       string
	Created  time.Time
	Round    int
	InFlight int
	Stopped  bool
	Baseline int
	HitFuncs int
	Subsets  int
	Corpus   int
	Params   energy.Params
	Top      []energy.Record
	Accepted []session.Accepted
	Crashes  []validator.Crash
}

// Status is safe to call concurrently with Run.
func (o *Orchestrator) Status(top int) *Status {
	o.mu.Lock()
	st := &Status{
		ID:       o.id,
		Created:  o.created,
		Round:    o.round,
		InFlight: o.inflight,
		Stopped:  o.stopped,
		Baseline: o.baseline.Len(),
		HitFuncs: o.hitFuncs.Len(),
		Accepted: append([]session.Accepted{}, o.accepted...),
	}
	o.mu.Unlock()
	st.Subsets = o.sched.Len()
	st.Params = o.sched.Params()
	st.Top = o.sched.Top(top)
	st.Crashes = o.deps.Crashes.Snapshot()
	st.Corpus = o.deps.Store.CorpusSize()
	return st
}
