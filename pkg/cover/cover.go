// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover implements set operations on source-level coverage and parses
// lcov reports produced by llvm-cov.
package cover

import (
	"encoding/json"
	"sort"
)

// Cover is a set of covered locations: "file:line" for lines and
// "file:line:block:branch" for taken branches.
type Cover map[string]struct{}

func (cov *Cover) Merge(raw []string) {
	c := *cov
	if c == nil {
		c = make(Cover)
		*cov = c
	}
	for _, loc := range raw {
		c[loc] = struct{}{}
	}
}

// MergeDiff merges raw into coverage and returns the sorted newly added locations.
func (cov *Cover) MergeDiff(raw []string) []string {
	c := *cov
	if c == nil {
		c = make(Cover)
		*cov = c
	}
	var diff []string
	for _, loc := range raw {
		if _, ok := c[loc]; ok {
			continue
		}
		c[loc] = struct{}{}
		diff = append(diff, loc)
	}
	sort.Strings(diff)
	return diff
}

// Diff returns the sorted locations that are in cov but not in base.
func (cov Cover) Diff(base Cover) []string {
	var diff []string
	for loc := range cov {
		if _, ok := base[loc]; !ok {
			diff = append(diff, loc)
		}
	}
	sort.Strings(diff)
	return diff
}

func (cov Cover) Has(loc string) bool {
	_, ok := cov[loc]
	return ok
}

func (cov Cover) Len() int {
	return len(cov)
}

func (cov Cover) Clone() Cover {
	res := make(Cover, len(cov))
	for loc := range cov {
		res[loc] = struct{}{}
	}
	return res
}

// Serialize returns the sorted list of locations.
func (cov Cover) Serialize() []string {
	res := make([]string, 0, len(cov))
	for loc := range cov {
		res = append(res, loc)
	}
	sort.Strings(res)
	return res
}

func (cov Cover) MarshalJSON() ([]byte, error) {
	return json.Marshal(cov.Serialize())
}

func (cov *Cover) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*cov = make(Cover, len(raw))
	cov.Merge(raw)
	return nil
}
