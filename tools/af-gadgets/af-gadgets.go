// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// af-gadgets extracts the gadget catalog of the library described by an af-manager
// config and prints it along with the dropped declarations and the critical paths.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/agentfuzz/agentfuzz/pkg/paths"
	"github.com/agentfuzz/agentfuzz/pkg/tool"
	"sigs.k8s.io/yaml"
)

type dump struct {
	Functions   []*gadget.Gadget          `json:"functions"`
	Types       []*gadget.Gadget          `json:"types"`
	Diagnostics []*gadget.ExtractionError `json:"diagnostics,omitempty"`
	Paths       []paths.Path              `json:"paths,omitempty"`
	// Functions that lie on at least one critical path.
	PathGadgets gadget.Subset `json:"path_gadgets,omitempty"`
}

func main() {
	var (
		flagConfig = flag.String("config", "", "af-manager config file")
		flagFormat = flag.String("format", "json", "output format: json or yaml")
		flagPaths  = flag.Bool("paths", true, "include critical paths")
	)
	tool.Init()
	cfg, err := mgrconfig.LoadPartialFile(*flagConfig)
	if err != nil {
		tool.Fail(err)
	}
	cat, err := gadget.Load(context.Background(), cfg)
	if err != nil {
		tool.Fail(err)
	}
	var crit []paths.Path
	if *flagPaths {
		opts, err := paths.CompileOptions(cfg.Sinks, cfg.Entries, cfg.MaxPathDepth)
		if err != nil {
			tool.Fail(err)
		}
		crit = paths.Select(cat, opts)
	}
	out, err := render(newDump(cat, crit), *flagFormat)
	if err != nil {
		tool.Fail(err)
	}
	os.Stdout.Write(out)
}

func newDump(cat *gadget.Catalog, crit []paths.Path) *dump {
	return &dump{
		Functions:   cat.Functions(),
		Types:       cat.Types(),
		Diagnostics: cat.Diagnostics,
		Paths:       crit,
		PathGadgets: paths.Gadgets(crit),
	}
}

func render(d *dump, format string) ([]byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(d, "", "\t")
		return append(data, '\n'), err
	case "yaml":
		return yaml.Marshal(d)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}
