// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/agentfuzz/agentfuzz/pkg/energy"
	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testSnapshot() *session.Snapshot {
	snap := session.New(42, energy.Params{Exploration: 4, Decay: 0.95})
	snap.Round = 3
	snap.Records = []energy.Record{
		{Subset: gadget.NewSubset("png_create", "png_read"), Visits: 1, Yield: 12, Accepts: 1},
		{Subset: gadget.NewSubset("png_free")},
		{Subset: gadget.NewSubset("png_write"), Visits: 2},
	}
	snap.Baseline.Merge([]string{"png.c:10", "png.c:11"})
	return snap
}

func TestRenderYAML(t *testing.T) {
	snap := testSnapshot()
	out, err := render(snap, "yaml")
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "round: 3\n")
	assert.Contains(t, text, "seed: 42\n")
	assert.Contains(t, text, "- png.c:10\n")
	assert.NotContains(t, text, `"round"`)

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	assert.Equal(t, snap.ID, parsed["id"])
	assert.Len(t, parsed["records"], 3)
}

func TestRenderJSON(t *testing.T) {
	snap := testSnapshot()
	out, err := render(snap, "json")
	require.NoError(t, err)
	back, err := session.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, snap.Records, back.Records)

	_, err = render(snap, "xml")
	assert.Error(t, err)
}

func TestPrintTop(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, printTop(buf, testSnapshot(), 2))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "score"))
	// 12/1 + 4/sqrt(2) beats the untried 0/1 + 4/sqrt(1).
	assert.True(t, strings.HasPrefix(lines[1], "14.83"))
	assert.Contains(t, lines[1], "png_create png_read")
	assert.True(t, strings.HasPrefix(lines[2], "4.00"))
	assert.Contains(t, lines[2], "png_free")
}

func TestPrintSubset(t *testing.T) {
	snap := testSnapshot()
	snap.Accepted = []session.Accepted{
		{ID: "r1-aaaa", Subset: gadget.NewSubset("png_create", "png_read"), Round: 1, Newly: 12},
		{ID: "r2-bbbb", Subset: gadget.NewSubset("png_write"), Round: 2, Newly: 1},
	}
	buf := new(bytes.Buffer)
	// IDs are order-insensitive.
	require.NoError(t, printSubset(buf, snap, "png_read;png_create"))
	assert.Equal(t, `subset:  png_create png_read
score:   14.83
visits:  1
yield:   12.00
accepts: 1
accepted r1-aaaa in round 1: +12 locations
`, buf.String())

	assert.Error(t, printSubset(new(bytes.Buffer), snap, "png_free;png_write"))
}
