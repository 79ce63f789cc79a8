// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// af-snapshot prints a session snapshot as JSON or YAML, the best scheduler records
// or the history of one subset.
//
//	af-snapshot [-format yaml] workdir/session.json.xz
//	af-snapshot -top 10 workdir/session.json
//	af-snapshot -subset 'png_create;png_read' workdir/session.json
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/agentfuzz/agentfuzz/pkg/energy"
	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/session"
	"github.com/agentfuzz/agentfuzz/pkg/tool"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		flagFormat = flag.String("format", "json", "output format: json or yaml")
		flagTop    = flag.Int("top", 0, "print that many best scheduler records instead of the snapshot")
		flagSubset = flag.String("subset", "", "print the record and accepted harnesses of the subset "+
			"(gadget IDs separated by ';')")
	)
	args := tool.Init()
	if len(args) != 1 {
		tool.Failf("usage: af-snapshot [-format json|yaml] [-top N] [-subset ID] session.json[.xz]")
	}
	snap, err := session.ReadSnapshot(args[0])
	if err != nil {
		tool.Fail(err)
	}
	if *flagSubset != "" {
		if err := printSubset(os.Stdout, snap, *flagSubset); err != nil {
			tool.Fail(err)
		}
		return
	}
	if *flagTop > 0 {
		if err := printTop(os.Stdout, snap, *flagTop); err != nil {
			tool.Fail(err)
		}
		return
	}
	out, err := render(snap, *flagFormat)
	if err != nil {
		tool.Fail(err)
	}
	os.Stdout.Write(out)
}

func render(snap *session.Snapshot, format string) ([]byte, error) {
	data, err := session.Encode(snap)
	if err != nil {
		return nil, err
	}
	switch format {
	case "json":
		return append(data, '\n'), nil
	case "yaml":
		return toYAML(data)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// toYAML converts JSON to block style YAML keeping the field order.
func toYAML(data []byte) ([]byte, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	resetStyle(&node)
	return yaml.Marshal(&node)
}

func resetStyle(node *yaml.Node) {
	node.Style = 0
	for _, child := range node.Content {
		resetStyle(child)
	}
}

func printTop(w io.Writer, snap *session.Snapshot, n int) error {
	sched, err := energy.Restore(snap.Params, snap.Records)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "score\tvisits\tyield\taccepts\tsubset\n")
	for _, rec := range sched.Top(n) {
		fmt.Fprintf(tw, "%.2f\t%v\t%.2f\t%v\t%v\n",
			energy.Score(rec.Yield, rec.Visits, snap.Params.Exploration),
			rec.Visits, rec.Yield, rec.Accepts, strings.Join(rec.Subset, " "))
	}
	return tw.Flush()
}

func printSubset(w io.Writer, snap *session.Snapshot, id string) error {
	subset := gadget.ParseSubset(id)
	sched, err := energy.Restore(snap.Params, snap.Records)
	if err != nil {
		return err
	}
	rec, ok := sched.Get(subset)
	if !ok {
		return fmt.Errorf("subset %q is not in the snapshot", subset.ID())
	}
	fmt.Fprintf(w, "subset:  %v\nscore:   %.2f\nvisits:  %v\nyield:   %.2f\naccepts: %v\n",
		strings.Join(rec.Subset, " "), energy.Score(rec.Yield, rec.Visits, snap.Params.Exploration),
		rec.Visits, rec.Yield, rec.Accepts)
	for _, acc := range snap.Accepted {
		if acc.Subset.ID() == subset.ID() {
			fmt.Fprintf(w, "accepted %v in round %v: +%v locations\n", acc.ID, acc.Round, acc.Newly)
		}
	}
	return nil
}
