// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package paths derives critical paths: shortest call/data-flow chains from
// entry-capable gadgets to interesting sinks.
package paths

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/agentfuzz/agentfuzz/pkg/gadget"
)

// Path is an ordered sequence of function gadget IDs from an entry to a sink.
type Path []string

func (p Path) String() string {
	return "[" + strings.Join(p, " -> ") + "]"
}

func (p Path) Sink() string {
	return p[len(p)-1]
}

type Options struct {
	// A gadget is a sink if its name matches any of the regexps.
	Sinks []*regexp.Regexp
	// A gadget can start a path if its name matches any of the regexps.
	// Empty means any function gadget.
	Entries  []*regexp.Regexp
	MaxDepth int
}

// CompileOptions builds Options from textual regexps.
func CompileOptions(sinks, entries []string, maxDepth int) (Options, error) {
	opts := Options{MaxDepth: maxDepth}
	for _, s := range sinks {
		re, err := regexp.Compile(s)
		if err != nil {
			return opts, fmt.Errorf("bad sink regexp %q: %w", s, err)
		}
		opts.Sinks = append(opts.Sinks, re)
	}
	for _, s := range entries {
		re, err := regexp.Compile(s)
		if err != nil {
			return opts, fmt.Errorf("bad entry regexp %q: %w", s, err)
		}
		opts.Entries = append(opts.Entries, re)
	}
	return opts, nil
}

// Select returns one shortest path for every reachable (entry, sink) pair.
// Traversal visits successors in ID order, so among equally short paths
// the lexicographically smallest one wins. The result is sorted by length,
// then by the joined IDs. No sinks or no reachable sink results in no paths.
func Select(cat *gadget.Catalog, opts Options) []Path {
	funcs := cat.Functions()
	sinks := make(map[string]bool)
	for _, fn := range funcs {
		if matchAny(opts.Sinks, fn.Name) || matchAny(opts.Sinks, fn.ID) {
			sinks[fn.ID] = true
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	var res []Path
	for _, fn := range funcs {
		if len(opts.Entries) != 0 && !matchAny(opts.Entries, fn.Name) && !matchAny(opts.Entries, fn.ID) {
			continue
		}
		res = append(res, fromEntry(cat, fn.ID, sinks, opts.MaxDepth)...)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if len(res[i]) != len(res[j]) {
			return len(res[i]) < len(res[j])
		}
		return strings.Join(res[i], "\x00") < strings.Join(res[j], "\x00")
	})
	return res
}

// fromEntry is a BFS that records the first (shortest) route to every sink.
// maxDepth bounds the number of gadgets in a path.
func fromEntry(cat *gadget.Catalog, entry string, sinks map[string]bool, maxDepth int) []Path {
	parent := map[string]string{entry: ""}
	depth := map[string]int{entry: 1}
	queue := []string{entry}
	var res []Path
	for len(queue) != 0 {
		id := queue[0]
		queue = queue[1:]
		if sinks[id] {
			res = append(res, route(parent, id))
		}
		if maxDepth > 0 && depth[id] >= maxDepth {
			continue
		}
		for _, next := range cat.Successors(id) {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = id
			depth[next] = depth[id] + 1
			queue = append(queue, next)
		}
	}
	return res
}

func route(parent map[string]string, id string) Path {
	var p Path
	for ; id != ""; id = parent[id] {
		p = append(p, id)
	}
	slices.Reverse(p)
	return p
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ForSubset returns the paths that share at least one gadget with the subset.
func ForSubset(all []Path, subset gadget.Subset) []Path {
	var res []Path
	for _, p := range all {
		if slices.ContainsFunc(p, subset.Contains) {
			res = append(res, p)
		}
	}
	return res
}

// Gadgets returns the union of gadgets of the paths as a subset.
func Gadgets(all []Path) gadget.Subset {
	var ids []string
	for _, p := range all {
		ids = append(ids, p...)
	}
	return gadget.NewSubset(ids...)
}
