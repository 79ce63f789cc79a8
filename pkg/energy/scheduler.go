// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package energy decides which gadget subset to target next.
//
// Every subset has a Record with the number of visits and the yield (new
// coverage attributed to harnesses built for it). The score is an
// upper-confidence-style estimate:
//
//	score = yield/max(visits, 1) + C/sqrt(1+visits)
//
// where C is the exploration constant. Every update multiplies the yield of
// all other records by the decay factor, so subsets that stopped producing
// coverage cool down while untried ones keep their full exploration bonus.
package energy

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/agentfuzz/agentfuzz/pkg/gadget"
)

type Params struct {
	// Exploration is the bonus of a never visited subset.
	Exploration float64 `json:"exploration"`
	// Decay is applied to the yield of all other records on every update, in (0, 1).
	Decay float64 `json:"decay"`
}

func (p Params) validate() error {
	if p.Exploration < 0 || math.IsNaN(p.Exploration) || math.IsInf(p.Exploration, 0) {
		return fmt.Errorf("bad exploration constant %v", p.Exploration)
	}
	if !(p.Decay > 0 && p.Decay < 1) {
		return fmt.Errorf("bad decay factor %v, want (0, 1)", p.Decay)
	}
	return nil
}

type Record struct {
	Subset  gadget.Subset `json:"subset"`
	Visits  int           `json:"visits"`
	Yield   float64       `json:"yield"`
	Accepts int           `json:"accepts,omitempty"`
}

// Score computes the score of a record with the given exploration constant.
func Score(yield float64, visits int, exploration float64) float64 {
	return yield/float64(max(visits, 1)) + exploration/math.Sqrt(1+float64(visits))
}

type entry struct {
	mu     sync.Mutex
	rec    Record
	leased bool
}

// Scheduler is safe for concurrent use.
// mu is held exclusively to change the set of entries or to select,
// and shared by updates, which serialize on the per-entry mutex.
type Scheduler struct {
	params  Params
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewScheduler(params Params) (*Scheduler, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		params:  params,
		entries: make(map[string]*entry),
	}, nil
}

func (s *Scheduler) Params() Params {
	return s.params
}

// Add registers fresh records for subsets that are not known yet.
// Returns the number of added records.
func (s *Scheduler) Add(subsets ...gadget.Subset) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, subset := range subsets {
		if len(subset) == 0 {
			continue
		}
		id := subset.ID()
		if s.entries[id] != nil {
			continue
		}
		s.entries[id] = &entry{rec: Record{Subset: subset}}
		added++
	}
	return added
}

func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Scheduler) score(rec *Record) float64 {
	return Score(rec.Yield, rec.Visits, s.params.Exploration)
}

// better orders records by score, then fewer visits, then subset id.
func (s *Scheduler) better(a, b *Record, aid, bid string) bool {
	sa, sb := s.score(a), s.score(b)
	if sa != sb {
		return sa > sb
	}
	if a.Visits != b.Visits {
		return a.Visits < b.Visits
	}
	return aid < bid
}

// Select returns the best subset that is not currently leased and leases it.
// The lease is dropped by Update or Release for that subset.
// Returns false if all subsets are leased or there are none.
func (s *Scheduler) Select() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *entry
	bestID := ""
	for id, e := range s.entries {
		if e.leased {
			continue
		}
		if best == nil || s.better(&e.rec, &best.rec, id, bestID) {
			best, bestID = e, id
		}
	}
	if best == nil {
		return Record{}, false
	}
	best.leased = true
	return best.rec, true
}

// Release drops the lease without recording a visit.
func (s *Scheduler) Release(subset gadget.Subset) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.entries[subset.ID()]; e != nil {
		e.mu.Lock()
		e.leased = false
		e.mu.Unlock()
	}
}

// Update records one validated candidate for the subset: visits are incremented,
// newlyCovered (negative values count as 0) is added to the yield and the yield
// of every other record decays. Unknown subsets are registered first.
func (s *Scheduler) Update(subset gadget.Subset, newlyCovered int, accepted bool) Record {
	id := subset.ID()
	s.mu.RLock()
	known := s.entries[id] != nil
	s.mu.RUnlock()
	if !known {
		s.Add(subset)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[id]
	e.mu.Lock()
	e.rec.Visits++
	e.rec.Yield += float64(max(newlyCovered, 0))
	if accepted {
		e.rec.Accepts++
	}
	e.leased = false
	rec := e.rec
	e.mu.Unlock()

	for otherID, other := range s.entries {
		if otherID == id {
			continue
		}
		other.mu.Lock()
		other.rec.Yield *= s.params.Decay
		other.mu.Unlock()
	}
	return rec
}

// Get returns a copy of the subset record.
func (s *Scheduler) Get(subset gadget.Subset) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[subset.ID()]
	if e == nil {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Top returns up to n records in selection order (n <= 0 means all).
func (s *Scheduler) Top(n int) []Record {
	recs := s.Snapshot()
	sort.SliceStable(recs, func(i, j int) bool {
		return s.better(&recs[i], &recs[j], recs[i].Subset.ID(), recs[j].Subset.ID())
	})
	if n > 0 && len(recs) > n {
		recs = recs[:n]
	}
	return recs
}

// Snapshot returns copies of all records sorted by subset id.
func (s *Scheduler) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Record, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		rec := e.rec
		rec.Subset = append(gadget.Subset{}, rec.Subset...)
		e.mu.Unlock()
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Subset.ID() < res[j].Subset.ID()
	})
	return res
}

// Restore creates a scheduler with the given records. Leases are not restored.
func Restore(params Params, recs []Record) (*Scheduler, error) {
	s, err := NewScheduler(params)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		subset := gadget.NewSubset(rec.Subset...)
		id := subset.ID()
		if id == "" {
			return nil, fmt.Errorf("energy record with an empty subset")
		}
		if s.entries[id] != nil {
			return nil, fmt.Errorf("duplicate energy record for %q", id)
		}
		if rec.Visits < 0 || rec.Yield < 0 || math.IsNaN(rec.Yield) {
			return nil, fmt.Errorf("corrupted energy record for %q: visits=%v yield=%v",
				id, rec.Visits, rec.Yield)
		}
		rec.Subset = subset
		s.entries[id] = &entry{rec: rec}
	}
	return s, nil
}
