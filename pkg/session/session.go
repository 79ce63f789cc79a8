// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package session persists and restores the state of a harness generation session.
//
// Workdir layout:
//
//	session.json[.xz]  scheduler snapshot
//	corpus/            accepted fuzzing inputs named by content hash
//	harness.db         accepted harness sources keyed by candidate ID
//	crashes/<sig>/     crashes found by candidates
//	work/              per-candidate workspaces, cleaned on open
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/cover"
	"github.com/agentfuzz/agentfuzz/pkg/db"
	"github.com/agentfuzz/agentfuzz/pkg/energy"
	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/hash"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
	"github.com/agentfuzz/agentfuzz/pkg/validator"
	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
)

const Version = 1

// Accepted is an entry of the accepted-candidate index.
type Accepted struct {
	ID     string        `json:"id"`
	Subset gadget.Subset `json:"subset"`
	Round  int           `json:"round"`
	Parent string        `json:"parent,omitempty"`
	// Digest of the source stored in harness.db.
	Source hash.Sig `json:"source"`
	// Number of locations the candidate added to the baseline.
	Newly  int       `json:"newly"`
	Inputs int       `json:"inputs"`
	Time   time.Time `json:"time"`
}

type Snapshot struct {
	Version int       `json:"version"`
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	Saved   time.Time `json:"saved"`
	// Number of the last dispatched round.
	Round int `json:"round"`
	// Seed of the subset sampling/mutation random source.
	Seed     int64             `json:"seed"`
	Params   energy.Params     `json:"params"`
	Records  []energy.Record   `json:"records"`
	Accepted []Accepted        `json:"accepted"`
	Baseline cover.Cover       `json:"baseline"`
	HitFuncs cover.Cover       `json:"hit_funcs"`
	Crashes  []validator.Crash `json:"crashes"`
	Counters *energy.Counters  `json:"counters"`
	// Parent candidate ID of subsets derived by mutation, keyed by subset ID.
	Lineage map[string]string `json:"lineage,omitempty"`
}

// New returns the initial snapshot of a fresh session.
func New(seed int64, params energy.Params) *Snapshot {
	return &Snapshot{
		Version:  Version,
		ID:       uuid.NewString(),
		Created:  time.Now(),
		Seed:     seed,
		Params:   params,
		Baseline: make(cover.Cover),
		HitFuncs: make(cover.Cover),
		Counters: energy.NewCounters(),
	}
}

// Seeds returns the mutation seeds recorded in the accepted index.
func (snap *Snapshot) Seeds() []energy.Seed {
	var seeds []energy.Seed
	for _, acc := range snap.Accepted {
		seeds = append(seeds, energy.Seed{Subset: acc.Subset, Quality: 1 + acc.Newly})
	}
	return seeds
}

func Encode(snap *Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "\t")
}

func Decode(data []byte) (*Snapshot, error) {
	snap := new(Snapshot)
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to parse session snapshot: %w", err)
	}
	if snap.Version != Version {
		return nil, fmt.Errorf("unsupported session snapshot version %v, want %v", snap.Version, Version)
	}
	if snap.Baseline == nil {
		snap.Baseline = make(cover.Cover)
	}
	if snap.HitFuncs == nil {
		snap.HitFuncs = make(cover.Cover)
	}
	if snap.Counters == nil {
		snap.Counters = energy.NewCounters()
	}
	if snap.Counters.Seeds == nil {
		snap.Counters.Seeds = make(map[string]int)
	}
	if snap.Counters.Prompts == nil {
		snap.Counters.Prompts = make(map[string]int)
	}
	return snap, nil
}

var ErrNoSession = errors.New("no session snapshot")

// Store owns the session files in the workdir.
type Store struct {
	dir      string
	compress bool
	// Serializes snapshot writes.
	mu        sync.Mutex
	harnesses *db.DB
}

const (
	snapshotFile = "session.json"
	xzExt        = ".xz"
)

// Open prepares the workdir. compression is "none" or "xz".
func Open(workdir, compression string) (*Store, error) {
	st := &Store{
		dir:      workdir,
		compress: compression == "xz",
	}
	for _, dir := range []string{st.CorpusDir(), st.CrashDir()} {
		if err := osutil.MkdirAll(dir); err != nil {
			return nil, err
		}
	}
	if err := os.RemoveAll(st.WorkDir()); err != nil {
		return nil, err
	}
	if err := osutil.MkdirAll(st.WorkDir()); err != nil {
		return nil, err
	}
	var err error
	st.harnesses, err = db.Open(filepath.Join(workdir, "harness.db"), true)
	if err != nil {
		if st.harnesses == nil {
			return nil, err
		}
		log.Logf(0, "harness.db was corrupted, %v harnesses recovered: %v", st.harnesses.Len(), err)
	}
	return st, nil
}

func (st *Store) CorpusDir() string {
	return filepath.Join(st.dir, "corpus")
}

func (st *Store) CrashDir() string {
	return filepath.Join(st.dir, "crashes")
}

func (st *Store) WorkDir() string {
	return filepath.Join(st.dir, "work")
}

func (st *Store) SnapshotFile() string {
	file := filepath.Join(st.dir, snapshotFile)
	if st.compress {
		file += xzExt
	}
	return file
}

// Exists returns true if there is a snapshot to resume from.
func (st *Store) Exists() bool {
	return osutil.IsExist(filepath.Join(st.dir, snapshotFile)) ||
		osutil.IsExist(filepath.Join(st.dir, snapshotFile+xzExt))
}

// Write atomically replaces the snapshot with data produced by Encode.
func (st *Store) Write(data []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.compress {
		buf := new(bytes.Buffer)
		w, err := xz.NewWriter(buf)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		data = buf.Bytes()
	}
	if err := osutil.WriteFileAtomic(st.SnapshotFile(), data); err != nil {
		return fmt.Errorf("failed to write session snapshot: %w", err)
	}
	// Drop the snapshot in the other format, it would be stale.
	other := filepath.Join(st.dir, snapshotFile)
	if !st.compress {
		other += xzExt
	}
	os.Remove(other)
	return nil
}

// Load reads the latest snapshot, returns ErrNoSession if there is none.
func (st *Store) Load() (*Snapshot, error) {
	for _, name := range []string{snapshotFile + xzExt, snapshotFile} {
		if file := filepath.Join(st.dir, name); osutil.IsExist(file) {
			return ReadSnapshot(file)
		}
	}
	return nil, ErrNoSession
}

// ReadSnapshot reads a snapshot file, files with the .xz extension are decompressed.
func ReadSnapshot(file string) (*Snapshot, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(file) == xzExt {
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %v: %w", file, err)
		}
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("failed to decompress %v: %w", file, err)
		}
	}
	return Decode(data)
}

// AddCorpus copies inputs into the session corpus under content-hash names.
// Returns the number of inputs that were not there yet.
func (st *Store) AddCorpus(files []string) (int, error) {
	added := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return added, err
		}
		dst := filepath.Join(st.CorpusDir(), hash.String(data))
		if osutil.IsExist(dst) {
			continue
		}
		if err := osutil.WriteFileAtomic(dst, data); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// ImportCorpus adds all files of a seed corpus directory.
func (st *Store) ImportCorpus(dir string) (int, error) {
	names, err := osutil.ListDir(dir)
	if err != nil {
		return 0, err
	}
	var files []string
	for _, name := range names {
		file := filepath.Join(dir, name)
		if info, err := os.Stat(file); err == nil && info.Mode().IsRegular() {
			files = append(files, file)
		}
	}
	return st.AddCorpus(files)
}

func (st *Store) CorpusSize() int {
	names, _ := osutil.ListDir(st.CorpusDir())
	return len(names)
}

// SaveHarness stores an accepted harness source and returns its digest.
func (st *Store) SaveHarness(id, source string, round int) (hash.Sig, error) {
	st.harnesses.Save(id, []byte(source), uint64(round))
	return hash.Hash(source), st.harnesses.Flush()
}

func (st *Store) Harness(id string) (string, bool) {
	rec, ok := st.harnesses.Get(id)
	return string(rec.Val), ok
}

func (st *Store) Close() error {
	return st.harnesses.Flush()
}

// End removes all session state from the workdir.
func (st *Store) End() error {
	if err := st.harnesses.Flush(); err != nil {
		log.Logf(0, "failed to flush harness.db: %v", err)
	}
	var errs []error
	for _, name := range []string{snapshotFile, snapshotFile + xzExt, "harness.db", "corpus", "crashes", "work"} {
		errs = append(errs, os.RemoveAll(filepath.Join(st.dir, name)))
	}
	return errors.Join(errs...)
}
