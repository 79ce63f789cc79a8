// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package harness

import (
	"strings"

	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

func lineDiffs(from, to string) []dmp.Diff {
	differ := dmp.New()
	a, b, lines := differ.DiffLinesToChars(from, to)
	diffs := differ.DiffMain(a, b, false)
	return differ.DiffCharsToLines(diffs, lines)
}

// Diff renders a line diff of two sources: removed lines are prefixed with "-",
// added lines with "+". Unchanged lines are omitted, runs of them are shown as "...".
func Diff(from, to string) string {
	var buf strings.Builder
	for _, d := range lineDiffs(from, to) {
		prefix := ""
		switch d.Type {
		case dmp.DiffDelete:
			prefix = "-"
		case dmp.DiffInsert:
			prefix = "+"
		case dmp.DiffEqual:
			if buf.Len() != 0 {
				buf.WriteString("...\n")
			}
			continue
		}
		for _, line := range splitLines(d.Text) {
			buf.WriteString(prefix)
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(buf.String(), "...\n")
}

// DiffStat returns the number of inserted and deleted lines.
func DiffStat(from, to string) (insertions, deletions int) {
	for _, d := range lineDiffs(from, to) {
		switch d.Type {
		case dmp.DiffInsert:
			insertions += len(splitLines(d.Text))
		case dmp.DiffDelete:
			deletions += len(splitLines(d.Text))
		}
	}
	return
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
