// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package energy

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Params{Exploration: 4, Decay: 0.95}

func newTestScheduler(t *testing.T, subsets ...gadget.Subset) *Scheduler {
	s, err := NewScheduler(testParams)
	require.NoError(t, err)
	s.Add(subsets...)
	return s
}

func randSubsets(r *rand.Rand, n int) []gadget.Subset {
	var res []gadget.Subset
	for i := 0; i < n; i++ {
		var ids []string
		for j := 0; j < 1+r.Intn(4); j++ {
			ids = append(ids, fmt.Sprintf("fn%v", r.Intn(20)))
		}
		res = append(res, gadget.NewSubset(ids...))
	}
	return res
}

func TestParams(t *testing.T) {
	for _, p := range []Params{
		{Exploration: -1, Decay: 0.5},
		{Exploration: 1, Decay: 0},
		{Exploration: 1, Decay: 1},
		{Exploration: 1, Decay: 1.5},
	} {
		_, err := NewScheduler(p)
		assert.Error(t, err, "params %+v", p)
	}
}

func TestFirstAcceptBeatsUntried(t *testing.T) {
	parse := gadget.NewSubset("parse", "free")
	s := newTestScheduler(t, parse)
	rec, ok := s.Select()
	require.True(t, ok)
	assert.Equal(t, parse, rec.Subset)
	assert.Equal(t, Record{Subset: parse}, rec)

	rec = s.Update(parse, 12, true)
	assert.Equal(t, 1, rec.Visits)
	assert.Equal(t, 12.0, rec.Yield)
	// The exploration bonus of a never tried subset is smaller than 12.
	untried := Score(0, 0, testParams.Exploration)
	assert.Less(t, untried, 12.0)
	assert.Greater(t, Score(rec.Yield, rec.Visits, testParams.Exploration), untried)

	s.Add(gadget.NewSubset("other"))
	rec, ok = s.Select()
	require.True(t, ok)
	assert.Equal(t, parse, rec.Subset)
}

func TestExplorationBonusDecreases(t *testing.T) {
	prev := Score(0, 0, 4)
	for v := 1; v < 100; v++ {
		cur := Score(0, v, 4)
		assert.Less(t, cur, prev)
		assert.Greater(t, cur, 0.0)
		prev = cur
	}
}

func TestSelectUpdateVisits(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	s := newTestScheduler(t, randSubsets(r, 30)...)
	for i := 0; i < 200; i++ {
		rec, ok := s.Select()
		require.True(t, ok)
		got := s.Update(rec.Subset, r.Intn(10), r.Intn(2) == 0)
		assert.Equal(t, rec.Visits+1, got.Visits)
	}
}

func TestNeverNegative(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	subsets := randSubsets(r, 20)
	s := newTestScheduler(t, subsets...)
	for i := 0; i < testutil.IterCount(); i++ {
		subset := subsets[r.Intn(len(subsets))]
		s.Update(subset, r.Intn(20)-10, r.Intn(2) == 0)
		for _, rec := range s.Snapshot() {
			require.GreaterOrEqual(t, rec.Yield, 0.0)
			require.GreaterOrEqual(t, Score(rec.Yield, rec.Visits, testParams.Exploration), 0.0)
		}
	}
}

func TestDecay(t *testing.T) {
	a, b := gadget.NewSubset("a"), gadget.NewSubset("b")
	s := newTestScheduler(t, a, b)
	s.Update(a, 100, true)
	s.Update(b, 0, false)
	rec, _ := s.Get(a)
	assert.InDelta(t, 95.0, rec.Yield, 1e-9)
	s.Update(b, 0, false)
	rec, _ = s.Get(a)
	assert.InDelta(t, 90.25, rec.Yield, 1e-9)
	assert.Equal(t, 1, rec.Accepts)
}

func TestTies(t *testing.T) {
	s := newTestScheduler(t, gadget.NewSubset("c"), gadget.NewSubset("a"), gadget.NewSubset("b"))
	var got []string
	for {
		rec, ok := s.Select()
		if !ok {
			break
		}
		got = append(got, rec.Subset.ID())
	}
	// All leased now.
	assert.Equal(t, []string{"a", "b", "c"}, got)
	s.Release(gadget.NewSubset("b"))
	rec, ok := s.Select()
	require.True(t, ok)
	assert.Equal(t, "b", rec.Subset.ID())
	rec, _ = s.Get(gadget.NewSubset("b"))
	assert.Equal(t, 0, rec.Visits)
}

func TestUpdateUnknown(t *testing.T) {
	s := newTestScheduler(t)
	_, ok := s.Select()
	assert.False(t, ok)
	rec := s.Update(gadget.NewSubset("x", "y"), 3, false)
	assert.Equal(t, 1, rec.Visits)
	assert.Equal(t, 1, s.Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	subsets := randSubsets(r, 25)
	s1 := newTestScheduler(t, subsets...)
	step := func(s *Scheduler, newly int, accept bool) string {
		rec, ok := s.Select()
		if !ok {
			return ""
		}
		s.Update(rec.Subset, newly, accept)
		return rec.Subset.ID()
	}
	for i := 0; i < 50; i++ {
		step(s1, r.Intn(30), r.Intn(3) == 0)
	}
	data, err := json.Marshal(s1.Snapshot())
	require.NoError(t, err)
	var recs []Record
	require.NoError(t, json.Unmarshal(data, &recs))
	s2, err := Restore(testParams, recs)
	require.NoError(t, err)
	if diff := cmp.Diff(s1.Snapshot(), s2.Snapshot()); diff != "" {
		t.Fatalf("restored records differ (-orig +restored):\n%s", diff)
	}
	for i := 0; i < 100; i++ {
		newly, accept := r.Intn(30), r.Intn(3) == 0
		require.Equal(t, step(s1, newly, accept), step(s2, newly, accept), "step %v", i)
	}
	assert.Equal(t, s1.Snapshot(), s2.Snapshot())
}

func TestRestoreErrors(t *testing.T) {
	_, err := Restore(testParams, []Record{{Subset: nil}})
	assert.Error(t, err)
	_, err = Restore(testParams, []Record{{Subset: gadget.Subset{"a"}}, {Subset: gadget.Subset{"a"}}})
	assert.Error(t, err)
	_, err = Restore(testParams, []Record{{Subset: gadget.Subset{"a"}, Yield: -1}})
	assert.Error(t, err)
}

func TestConcurrentUpdates(t *testing.T) {
	subsets := []gadget.Subset{gadget.NewSubset("a"), gadget.NewSubset("b"), gadget.NewSubset("c")}
	s := newTestScheduler(t, subsets...)
	const (
		workers = 8
		updates = 200
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				if rec, ok := s.Select(); ok {
					s.Release(rec.Subset)
				}
				s.Update(subsets[(w+i)%len(subsets)], 1, false)
				s.Top(2)
			}
		}()
	}
	wg.Wait()
	total := 0
	for _, rec := range s.Snapshot() {
		total += rec.Visits
		assert.GreaterOrEqual(t, rec.Yield, 0.0)
	}
	assert.Equal(t, workers*updates, total)
}

func TestTop(t *testing.T) {
	a, b, c := gadget.NewSubset("a"), gadget.NewSubset("b"), gadget.NewSubset("c")
	s := newTestScheduler(t, a, b, c)
	s.Update(b, 50, true)
	top := s.Top(2)
	require.Len(t, top, 2)
	assert.Equal(t, b, top[0].Subset)
	assert.Len(t, s.Top(0), 3)
}
