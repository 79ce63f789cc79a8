// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package orchestrator

import (
	"github.com/agentfuzz/agentfuzz/pkg/stat"
	"github.com/agentfuzz/agentfuzz/pkg/validator"
)

type stats struct {
	rounds       *stat.Val
	accepted     *stat.Val
	superseded   *stat.Val
	fastRejected *stat.Val
	crashes      *stat.Val
	checkpoints  *stat.Val
	attempts     *stat.Val
	newly        *stat.Val
	rejected     map[validator.Reason]*stat.Val
}

func newStats(o *Orchestrator) *stats {
	s := &stats{
		rounds: stat.New("rounds", "Number of validated rounds",
			stat.Console, stat.Rate{}, stat.Prometheus("af_rounds")),
		accepted: stat.New("accepted", "Number of accepted harnesses",
			stat.Console, stat.Prometheus("af_accepted")),
		superseded: stat.New("superseded", "Accepted harnesses whose coverage was already in the baseline",
			stat.Simple),
		fastRejected: stat.New("fast rejected", "Candidates rejected on a known crash without fuzzing",
			stat.Simple),
		crashes: stat.New("crashes", "Number of crashes hit by candidates",
			stat.Simple, stat.Prometheus("af_crashes")),
		checkpoints: stat.New("checkpoints", "Number of session snapshots written"),
		attempts: stat.New("attempts", "Synthesis attempts per round",
			stat.Simple, stat.Distribution{}),
		newly: stat.New("accepted yield", "Locations added to the baseline per accepted harness",
			stat.Distribution{}),
		rejected: make(map[validator.Reason]*stat.Val),
	}
	for _, reason := range []validator.Reason{
		validator.ReasonSynthesis, validator.ReasonAPINotUsed, validator.ReasonCompile,
		validator.ReasonNoGrowth, validator.ReasonCrashNoGrowth, validator.ReasonNoCriticalPath,
	} {
		s.rejected[reason] = stat.New("rejected: "+string(reason),
			"Number of rounds that ended with the rejection", stat.Simple)
	}
	stat.New("coverage", "Locations covered by accepted harnesses", stat.Console,
		stat.Prometheus("af_coverage"), func() int {
			o.mu.Lock()
			defer o.mu.Unlock()
			return o.baseline.Len()
		})
	stat.New("api coverage", "Library functions hit by accepted harnesses", stat.Console,
		func() int {
			o.mu.Lock()
			defer o.mu.Unlock()
			return o.hitFuncs.Len()
		})
	stat.New("subsets", "Number of gadget subsets known to the scheduler", stat.Simple,
		func() int { return o.sched.Len() })
	stat.New("crash types", "Number of distinct crash signatures", stat.Simple,
		func() int { return o.deps.Crashes.Len() })
	stat.New("corpus", "Number of inputs in the accepted corpus", stat.Console,
		stat.Prometheus("af_corpus"), func() int { return o.deps.Store.CorpusSize() })
	return s
}

func (s *stats) record(res *result) {
	v := res.verdict
	s.rounds.Add(1)
	s.attempts.Add(res.attempts)
	if v.Crash != nil {
		s.crashes.Add(1)
	}
	if v.FastRejected {
		s.fastRejected.Add(1)
	}
	if v.Accepted() {
		s.accepted.Add(1)
	} else if val := s.rejected[v.Reason]; val != nil {
		val.Add(1)
	}
}
