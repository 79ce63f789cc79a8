// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package energy

import (
	"math"
	"math/rand"
	"sort"

	"github.com/agentfuzz/agentfuzz/pkg/gadget"
)

// Counters track how often every gadget was targeted.
type Counters struct {
	// Number of accepted harnesses containing the gadget.
	Seeds map[string]int `json:"seeds"`
	// Number of synthesis requests containing the gadget.
	Prompts map[string]int `json:"prompts"`
}

func NewCounters() *Counters {
	return &Counters{
		Seeds:   make(map[string]int),
		Prompts: make(map[string]int),
	}
}

type Seed struct {
	Subset gadget.Subset
	// Quality is 1 + number of locations newly covered by the accepted harness.
	Quality int
}

type MutatorOptions struct {
	MinAPIs  int
	MaxAPIs  int
	Exponent float64
}

// Mutator proposes new subsets from per-gadget energy and accepted seeds.
// It is not safe for concurrent use: it is owned by the orchestrator loop.
type Mutator struct {
	opts     MutatorOptions
	funcs    []string
	counters *Counters
	covered  map[string]bool
	seeds    []Seed
}

const mutateBatch = 3

func NewMutator(funcs []string, opts MutatorOptions, counters *Counters) *Mutator {
	if counters == nil {
		counters = NewCounters()
	}
	sorted := append([]string{}, funcs...)
	sort.Strings(sorted)
	return &Mutator{
		opts:     opts,
		funcs:    sorted,
		counters: counters,
		covered:  make(map[string]bool),
	}
}

func (m *Mutator) Counters() *Counters {
	return m.counters
}

// Energy of a gadget: (1-cov)/((1+seeds)*(1+prompts))^exponent,
// where cov is 1 if the function is already hit by the accepted corpus.
func (m *Mutator) Energy(id string) float64 {
	if m.covered[id] {
		return 0
	}
	denom := float64((1 + m.counters.Seeds[id]) * (1 + m.counters.Prompts[id]))
	return 1 / math.Pow(denom, m.opts.Exponent)
}

// Covered marks functions hit by the accepted corpus.
func (m *Mutator) Covered(funcs []string) {
	for _, fn := range funcs {
		m.covered[fn] = true
	}
}

// Prompted counts a synthesis request for the subset.
func (m *Mutator) Prompted(subset gadget.Subset) {
	for _, id := range subset {
		m.counters.Prompts[id]++
	}
}

// AddSeed registers an accepted subset as a mutation source.
func (m *Mutator) AddSeed(subset gadget.Subset, newlyCovered int) {
	for _, id := range subset {
		m.counters.Seeds[id]++
	}
	m.restoreSeed(subset, newlyCovered)
}

// restoreSeed adds a seed without counting it, used when resuming a session.
func (m *Mutator) restoreSeed(subset gadget.Subset, newlyCovered int) {
	m.seeds = append(m.seeds, Seed{Subset: subset, Quality: 1 + max(newlyCovered, 0)})
}

// RestoreSeeds adds seeds of a resumed session, counters are restored separately.
func (m *Mutator) RestoreSeeds(seeds []Seed) {
	for _, s := range seeds {
		m.restoreSeed(s.Subset, s.Quality-1)
	}
}

func (m *Mutator) Seeds() int {
	return len(m.seeds)
}

// ranked returns candidates ordered by decreasing energy, ties in random order.
func (m *Mutator) ranked(r *rand.Rand, candidates []string) []string {
	res := append([]string{}, candidates...)
	r.Shuffle(len(res), func(i, j int) { res[i], res[j] = res[j], res[i] })
	sort.SliceStable(res, func(i, j int) bool {
		return m.Energy(res[i]) > m.Energy(res[j])
	})
	return res
}

// Sample returns n highest-energy gadgets.
func (m *Mutator) Sample(r *rand.Rand, n int) gadget.Subset {
	ranked := m.ranked(r, m.funcs)
	if n > len(ranked) {
		n = len(ranked)
	}
	return gadget.NewSubset(ranked[:n]...)
}

// Initial returns count subsets of random sizes within [MinAPIs, MaxAPIs].
// Prompt counters are bumped for sampled gadgets so that later samples
// prefer other gadgets, the bump is reverted before returning.
func (m *Mutator) Initial(r *rand.Rand, count int) []gadget.Subset {
	saved := make(map[string]int)
	var res []gadget.Subset
	for i := 0; i < count; i++ {
		subset := m.Sample(r, m.randSize(r))
		if len(subset) == 0 {
			break
		}
		for _, id := range subset {
			if _, ok := saved[id]; !ok {
				saved[id] = m.counters.Prompts[id]
			}
			m.counters.Prompts[id]++
		}
		res = append(res, subset)
	}
	for id, v := range saved {
		if v == 0 {
			delete(m.counters.Prompts, id)
		} else {
			m.counters.Prompts[id] = v
		}
	}
	return res
}

func (m *Mutator) randSize(r *rand.Rand) int {
	return m.opts.MinAPIs + r.Intn(m.opts.MaxAPIs-m.opts.MinAPIs+1)
}

// Mutate derives up to count new subsets from the accepted seeds.
func (m *Mutator) Mutate(r *rand.Rand, count int) []gadget.Subset {
	if len(m.seeds) == 0 {
		return nil
	}
	var res []gadget.Subset
	for i := 0; i < count; i++ {
		seed := m.chooseSeed(r)
		var subset gadget.Subset
		switch op := r.Intn(3); {
		case op == 0:
			subset = m.insert(r, seed)
		case op == 1:
			subset = m.replace(r, seed)
		case len(m.seeds) > 1:
			subset = m.crossover(r, seed, m.chooseSeed(r))
		default:
			subset = m.insert(r, seed)
		}
		res = append(res, m.clamp(r, subset))
	}
	return res
}

// chooseSeed picks a seed with probability proportional to its quality.
func (m *Mutator) chooseSeed(r *rand.Rand) gadget.Subset {
	total := 0
	for _, s := range m.seeds {
		total += s.Quality
	}
	v := r.Intn(total)
	for _, s := range m.seeds {
		if v < s.Quality {
			return s.Subset
		}
		v -= s.Quality
	}
	panic("unreachable")
}

func (m *Mutator) insert(r *rand.Rand, seed gadget.Subset) gadget.Subset {
	var candidates []string
	for _, id := range m.funcs {
		if !seed.Contains(id) {
			candidates = append(candidates, id)
		}
	}
	ranked := m.ranked(r, candidates)
	ranked = ranked[:min(mutateBatch, len(ranked))]
	return gadget.NewSubset(append(append([]string{}, seed...), ranked...)...)
}

func (m *Mutator) replace(r *rand.Rand, seed gadget.Subset) gadget.Subset {
	ranked := m.ranked(r, seed)
	keep := ranked[:max(len(ranked)-mutateBatch, 0)]
	return m.insert(r, gadget.NewSubset(keep...))
}

func (m *Mutator) crossover(r *rand.Rand, a, b gadget.Subset) gadget.Subset {
	return gadget.NewSubset(append(append([]string{}, a...), b...)...)
}

// clamp keeps the subset within [MinAPIs, MaxAPIs] keeping the highest-energy gadgets.
func (m *Mutator) clamp(r *rand.Rand, subset gadget.Subset) gadget.Subset {
	if len(subset) > m.opts.MaxAPIs {
		subset = gadget.NewSubset(m.ranked(r, subset)[:m.opts.MaxAPIs]...)
	}
	if len(subset) < m.opts.MinAPIs {
		var candidates []string
		for _, id := range m.funcs {
			if !subset.Contains(id) {
				candidates = append(candidates, id)
			}
		}
		need := min(m.opts.MinAPIs-len(subset), len(candidates))
		subset = gadget.NewSubset(append(append([]string{}, subset...), m.ranked(r, candidates)[:need]...)...)
	}
	return subset
}

// Clamp is used for subsets that come from outside the mutator (e.g. critical paths).
func (m *Mutator) Clamp(r *rand.Rand, subset gadget.Subset) gadget.Subset {
	return m.clamp(r, subset)
}
