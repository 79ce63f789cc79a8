// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package gadget extracts the API surface of a native library (functions, types and
// relations between them) from clang AST dumps of its headers.
package gadget

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

type Kind int

const (
	Function Kind = iota
	Type
)

func (k Kind) String() string {
	if k == Function {
		return "function"
	}
	return "type"
}

type Param struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type"`
}

// Gadget is an addressable unit of the library API. Gadgets are immutable once the Catalog is built.
type Gadget struct {
	// ID is unique among gadgets of the same kind. For C functions it's the function name,
	// for C++ functions it's the demangled signature so that overloads are distinct.
	ID     string  `json:"id"`
	Kind   Kind    `json:"kind"`
	Name   string  `json:"name"`
	Return string  `json:"return,omitempty"`
	Params []Param `json:"params,omitempty"`
	// Underlying type for typedefs and aliases, "struct"/"union"/"class"/"enum" for tag types.
	Definition string `json:"definition,omitempty"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	// IDs of function gadgets called from the body.
	Calls []string `json:"calls,omitempty"`
	// IDs of type gadgets returned and accepted by the function.
	Produces []string `json:"produces,omitempty"`
	Consumes []string `json:"consumes,omitempty"`
}

// Signature renders the function prototype or the type declaration.
func (g *Gadget) Signature() string {
	if g.Kind == Type {
		switch g.Definition {
		case "struct", "union", "class", "enum":
			return fmt.Sprintf("%v %v;", g.Definition, g.Name)
		}
		return fmt.Sprintf("typedef %v %v;", g.Definition, g.Name)
	}
	var params []string
	for _, p := range g.Params {
		params = append(params, strings.TrimSpace(p.Type+" "+p.Name))
	}
	return fmt.Sprintf("%v %v(%v)", g.Return, g.Name, strings.Join(params, ", "))
}

// ExtractionError describes a declaration that could not be turned into a gadget.
// Such declarations are dropped, the rest of the catalog is still usable.
type ExtractionError struct {
	Decl   string `json:"decl"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Reason string `json:"reason"`
}

func (err *ExtractionError) Error() string {
	name := err.Decl
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("%v:%v: %v: %v", err.File, err.Line, name, err.Reason)
}

// Catalog is the immutable set of gadgets of a library plus the call graph over function gadgets.
type Catalog struct {
	funcs       map[string]*Gadget
	types       map[string]*Gadget
	graph       map[string][]string
	Diagnostics []*ExtractionError
}

// NewCatalog builds a catalog from already extracted gadgets.
// Dangling references are dropped.
func NewCatalog(gadgets []*Gadget) *Catalog {
	c := &Catalog{
		funcs: make(map[string]*Gadget),
		types: make(map[string]*Gadget),
	}
	for _, g := range gadgets {
		if g.Kind == Function {
			c.funcs[g.ID] = g
		} else {
			c.types[g.ID] = g
		}
	}
	c.finalize()
	return c
}

func (c *Catalog) Func(id string) *Gadget {
	return c.funcs[id]
}

func (c *Catalog) Type(id string) *Gadget {
	return c.types[id]
}

// Functions returns all function gadgets sorted by ID.
func (c *Catalog) Functions() []*Gadget {
	return sortedGadgets(c.funcs)
}

// Types returns all type gadgets sorted by ID.
func (c *Catalog) Types() []*Gadget {
	return sortedGadgets(c.types)
}

// Successors returns function gadgets reachable by one edge from id, sorted by ID.
// There is an edge f->g if f calls g, or f produces a type that g consumes.
func (c *Catalog) Successors(id string) []string {
	return c.graph[id]
}

// Context returns the type gadgets used by the given function gadgets, sorted by ID.
func (c *Catalog) Context(ids []string) []*Gadget {
	seen := make(map[string]*Gadget)
	for _, id := range ids {
		fn := c.funcs[id]
		if fn == nil {
			continue
		}
		for _, typ := range append(append([]string{}, fn.Produces...), fn.Consumes...) {
			seen[typ] = c.types[typ]
		}
	}
	return sortedGadgets(seen)
}

func sortedGadgets(m map[string]*Gadget) []*Gadget {
	res := make([]*Gadget, 0, len(m))
	for _, g := range m {
		res = append(res, g)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].ID < res[j].ID
	})
	return res
}

// finalize drops dangling references and builds the graph.
func (c *Catalog) finalize() {
	for _, fn := range c.funcs {
		fn.Calls = filterKnown(fn.Calls, c.funcs)
		fn.Produces = filterKnown(fn.Produces, c.types)
		fn.Consumes = filterKnown(fn.Consumes, c.types)
	}
	consumers := make(map[string][]string)
	for _, fn := range c.funcs {
		for _, typ := range fn.Consumes {
			consumers[typ] = append(consumers[typ], fn.ID)
		}
	}
	c.graph = make(map[string][]string)
	for _, fn := range c.funcs {
		succ := append([]string{}, fn.Calls...)
		for _, typ := range fn.Produces {
			succ = append(succ, consumers[typ]...)
		}
		succ = slices.DeleteFunc(succ, func(id string) bool { return id == fn.ID })
		slices.Sort(succ)
		c.graph[fn.ID] = slices.Compact(succ)
	}
	sort.Slice(c.Diagnostics, func(i, j int) bool {
		a, b := c.Diagnostics[i], c.Diagnostics[j]
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})
}

func filterKnown(ids []string, known map[string]*Gadget) []string {
	var res []string
	for _, id := range ids {
		if known[id] != nil {
			res = append(res, id)
		}
	}
	slices.Sort(res)
	return slices.Compact(res)
}

// Subset is a sorted duplicate-free set of function gadget IDs targeted by one harness.
type Subset []string

func NewSubset(ids ...string) Subset {
	res := append(Subset{}, ids...)
	slices.Sort(res)
	return slices.Compact(res)
}

// ID is the stable textual identifier of the subset.
func (s Subset) ID() string {
	return strings.Join(s, subsetSep)
}

func (s Subset) Contains(id string) bool {
	_, found := slices.BinarySearch(s, id)
	return found
}

// ParseSubset is the inverse of Subset.ID.
func ParseSubset(id string) Subset {
	if id == "" {
		return nil
	}
	return NewSubset(strings.Split(id, subsetSep)...)
}

// C++ signatures contain commas, so use a separator that can't appear in a demangled name.
const subsetSep = ";"
