// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package session

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/energy"
	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/hash"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
	"github.com/agentfuzz/agentfuzz/pkg/testutil"
	"github.com/agentfuzz/agentfuzz/pkg/validator"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = energy.Params{Exploration: 4, Decay: 0.95}

func testSnapshot() *Snapshot {
	snap := New(42, testParams)
	snap.Created = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap.Round = 7
	snap.Records = []energy.Record{
		{Subset: gadget.NewSubset("png_create", "png_read"), Visits: 3, Yield: 12.5, Accepts: 1},
		{Subset: gadget.NewSubset("png_free"), Visits: 0, Yield: 0},
	}
	snap.Accepted = []Accepted{{
		ID:     "r3-abcdef",
		Subset: gadget.NewSubset("png_create", "png_read"),
		Round:  3,
		Source: hash.Hash("source"),
		Newly:  12,
		Inputs: 4,
		Time:   time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC),
	}}
	snap.Baseline.Merge([]string{"png.c:1", "png.c:2:0:1"})
	snap.HitFuncs.Merge([]string{"png_create", "png_read"})
	snap.Crashes = []validator.Crash{{Sig: hash.Hash("crash"), Title: "ASan: SEGV in png_read", Count: 2, NoGrowth: true}}
	snap.Counters.Seeds["png_read"] = 1
	snap.Counters.Prompts["png_read"] = 3
	snap.Lineage = map[string]string{"png_create;png_free;png_read": "r3-abcdef"}
	return snap
}

func TestRoundTrip(t *testing.T) {
	for _, compression := range []string{"none", "xz"} {
		t.Run(compression, func(t *testing.T) {
			st, err := Open(t.TempDir(), compression)
			require.NoError(t, err)
			_, err = st.Load()
			assert.ErrorIs(t, err, ErrNoSession)
			assert.False(t, st.Exists())

			snap := testSnapshot()
			data, err := Encode(snap)
			require.NoError(t, err)
			require.NoError(t, st.Write(data))
			assert.True(t, st.Exists())
			assert.NoFileExists(t, st.SnapshotFile()+".tmp")

			loaded, err := st.Load()
			require.NoError(t, err)
			if diff := cmp.Diff(snap, loaded); diff != "" {
				t.Fatalf("snapshot mismatch (-saved +loaded):\n%s", diff)
			}
			assert.Equal(t, []energy.Seed{{Subset: gadget.NewSubset("png_create", "png_read"), Quality: 13}},
				loaded.Seeds())
		})
	}
}

func TestSwitchCompression(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, "none")
	require.NoError(t, err)
	data, err := Encode(testSnapshot())
	require.NoError(t, err)
	require.NoError(t, st.Write(data))

	st, err = Open(dir, "xz")
	require.NoError(t, err)
	snap, err := st.Load()
	require.NoError(t, err)
	snap.Round++
	data, err = Encode(snap)
	require.NoError(t, err)
	require.NoError(t, st.Write(data))
	assert.NoFileExists(t, filepath.Join(dir, "session.json"))
	snap, err = st.Load()
	require.NoError(t, err)
	assert.Equal(t, 8, snap.Round)
}

func TestVersionMismatch(t *testing.T) {
	_, err := Decode([]byte(`{"version": 100, "id": "x"}`))
	assert.ErrorContains(t, err, "unsupported session snapshot version 100")
	_, err = Decode([]byte(`{"version":`))
	assert.Error(t, err)
	snap, err := Decode([]byte(`{"version": 1}`))
	require.NoError(t, err)
	assert.NotNil(t, snap.Counters.Prompts)
	assert.NotNil(t, snap.Baseline)
}

// Restored scheduler makes the same decisions as the original one.
func TestSchedulerFidelity(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	orig, err := energy.NewScheduler(testParams)
	require.NoError(t, err)
	var subsets []gadget.Subset
	for i := 0; i < 20; i++ {
		subsets = append(subsets, gadget.NewSubset(
			[]string{"a", "b", "c", "d", "e", "f"}[r.Intn(6)],
			[]string{"g", "h", "i", "j", "k", "l"}[r.Intn(6)]))
	}
	orig.Add(subsets...)
	step := func(s *energy.Scheduler, newly int) energy.Record {
		rec, ok := s.Select()
		require.True(t, ok)
		return s.Update(rec.Subset, newly, newly > 0)
	}
	for i := 0; i < 30; i++ {
		step(orig, r.Intn(3)*r.Intn(20))
	}

	st, err := Open(t.TempDir(), "xz")
	require.NoError(t, err)
	snap := New(1, testParams)
	snap.Records = orig.Snapshot()
	data, err := Encode(snap)
	require.NoError(t, err)
	require.NoError(t, st.Write(data))
	loaded, err := st.Load()
	require.NoError(t, err)
	restored, err := energy.Restore(loaded.Params, loaded.Records)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		newly := r.Intn(2) * r.Intn(30)
		assert.Equal(t, step(orig, newly), step(restored, newly), "step %v", i)
	}
}

func TestCorpus(t *testing.T) {
	st, err := Open(t.TempDir(), "none")
	require.NoError(t, err)
	src := t.TempDir()
	var files []string
	for i, data := range []string{"a", "b", "a"} {
		file := filepath.Join(src, string(rune('0'+i)))
		require.NoError(t, osutil.WriteFile(file, []byte(data)))
		files = append(files, file)
	}
	added, err := st.AddCorpus(files)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, st.CorpusSize())
	assert.FileExists(t, filepath.Join(st.CorpusDir(), hash.String([]byte("a"))))

	added, err = st.ImportCorpus(src)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
}

func TestHarnessesAndEnd(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, "none")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(st.WorkDir(), "leftover"), nil, 0644))
	sig, err := st.SaveHarness("r1-abc", "int x;\n", 1)
	require.NoError(t, err)
	assert.Equal(t, hash.Hash("int x;\n"), sig)
	require.NoError(t, st.Close())

	st, err = Open(dir, "none")
	require.NoError(t, err)
	src, ok := st.Harness("r1-abc")
	require.True(t, ok)
	assert.Equal(t, "int x;\n", src)
	assert.NoFileExists(t, filepath.Join(st.WorkDir(), "leftover"))

	data, err := Encode(testSnapshot())
	require.NoError(t, err)
	require.NoError(t, st.Write(data))
	require.NoError(t, st.End())
	assert.False(t, st.Exists())
	assert.NoDirExists(t, st.CorpusDir())
	assert.NoFileExists(t, filepath.Join(dir, "harness.db"))
}
