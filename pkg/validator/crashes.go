// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package validator

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/hash"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
	"github.com/agentfuzz/agentfuzz/pkg/report"
)

type Crash struct {
	Sig   hash.Sig `json:"sig"`
	Title string   `json:"title"`
	Count int      `json:"count"`
	// Seen before the harness produced any new coverage at least once.
	NoGrowth bool `json:"no_growth"`
	// Candidate that hit the crash first.
	Candidate string    `json:"candidate"`
	Subset    string    `json:"subset"`
	HasRepro  bool      `json:"has_repro"`
	First     time.Time `json:"first"`
	Last      time.Time `json:"last"`
}

// CrashTable deduplicates crashes by signature. Each crash is saved to
// <dir>/<sig>/ as description, report0..reportN and repro files.
type CrashTable struct {
	mu      sync.Mutex
	dir     string
	crashes map[hash.Sig]*Crash
}

const maxReports = 10

func NewCrashTable(dir string) *CrashTable {
	return &CrashTable{
		dir:     dir,
		crashes: make(map[hash.Sig]*Crash),
	}
}

// RestoreCrashTable recreates the table from Snapshot output.
func RestoreCrashTable(dir string, crashes []Crash) *CrashTable {
	ct := NewCrashTable(dir)
	for i := range crashes {
		crash := crashes[i]
		ct.crashes[crash.Sig] = &crash
	}
	return ct
}

func (ct *CrashTable) Lookup(sig hash.Sig) (Crash, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	crash := ct.crashes[sig]
	if crash == nil {
		return Crash{}, false
	}
	return *crash, true
}

// Dir returns the directory with the files of the crash.
func (ct *CrashTable) Dir(sig hash.Sig) string {
	return filepath.Join(ct.dir, sig.String())
}

func (ct *CrashTable) Len() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.crashes)
}

// Record adds an occurrence of the crash. Returns the updated crash and
// whether it was known before. An error means the crash files were not saved,
// the table is updated regardless.
func (ct *CrashTable) Record(rep *report.Report, input string, cand *harness.Candidate,
	noGrowth bool) (Crash, bool, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	now := time.Now()
	crash := ct.crashes[rep.Sig]
	known := crash != nil
	if !known {
		crash = &Crash{
			Sig:       rep.Sig,
			Title:     rep.Title,
			Candidate: cand.ID(),
			Subset:    cand.Subset.ID(),
			First:     now,
		}
		ct.crashes[rep.Sig] = crash
		log.Logf(0, "new crash: %v (sig %v, candidate %v)", rep.Title, rep.Sig.Short(), cand.WorkName())
	}
	crash.Count++
	crash.Last = now
	crash.NoGrowth = crash.NoGrowth || noGrowth
	err := ct.save(crash, rep, input)
	return *crash, known, err
}

func (ct *CrashTable) save(crash *Crash, rep *report.Report, input string) error {
	dir := ct.Dir(crash.Sig)
	if err := osutil.MkdirAll(dir); err != nil {
		return err
	}
	if crash.Count == 1 {
		if err := osutil.WriteFile(filepath.Join(dir, "description"), []byte(crash.Title+"\n")); err != nil {
			return err
		}
	}
	if crash.Count <= maxReports {
		file := filepath.Join(dir, fmt.Sprintf("report%v", crash.Count-1))
		if err := osutil.WriteFile(file, rep.Report); err != nil {
			return err
		}
	}
	if !crash.HasRepro && input != "" {
		if err := osutil.CopyFile(input, filepath.Join(dir, "repro")); err != nil {
			return err
		}
		crash.HasRepro = true
	}
	return nil
}

// Reproducers returns the saved inputs of crashes seen before any coverage growth.
func (ct *CrashTable) Reproducers() []string {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	var res []string
	for sig, crash := range ct.crashes {
		if crash.NoGrowth && crash.HasRepro {
			res = append(res, filepath.Join(ct.dir, sig.String(), "repro"))
		}
	}
	sort.Strings(res)
	return res
}

// Snapshot returns all crashes sorted by signature.
func (ct *CrashTable) Snapshot() []Crash {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	res := make([]Crash, 0, len(ct.crashes))
	for _, crash := range ct.crashes {
		res = append(res, *crash)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Sig.String() < res[j].Sig.String()
	})
	return res
}
