// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCC pretends to be a compiler: it fails if the source contains "BROKEN",
// hangs if it contains "HANG" and otherwise copies the source to the output.
const fakeCC = `#!/bin/sh
src=""
out=""
while [ $# -gt 0 ]; do
	case "$1" in
	-o) out="$2"; shift;;
	*.c|*.cc) src="$1";;
	esac
	shift
done
if grep -q BROKEN "$src"; then
	echo "$src:3:5: error: use of undeclared identifier 'png_structp'" >&2
	echo "    png_structp p;" >&2
	echo "$src:4:1: warning: unused variable" >&2
	echo "1 error generated." >&2
	exit 1
fi
if grep -q HANG "$src"; then
	sleep 100
fi
cp "$src" "$out"
`

func testBuilder(t *testing.T) (*Builder, string) {
	dir := t.TempDir()
	cc := filepath.Join(dir, "fake-cc++")
	require.NoError(t, os.WriteFile(cc, []byte(fakeCC), 0755))
	lib := filepath.Join(dir, "libpng.a")
	require.NoError(t, os.WriteFile(lib, nil, 0644))
	cfg := &mgrconfig.Config{
		CC:                cc,
		LibPath:           lib,
		IncludeDirs:       []string{"/src/lib/include"},
		Links:             []string{"-lz"},
		CompileTimeoutDur: 3 * time.Second,
	}
	b, err := NewBuilder(cfg)
	require.NoError(t, err)
	return b, filepath.Join(dir, "work")
}

func testCandidate(source string) *harness.Candidate {
	return &harness.Candidate{
		Subset:  gadget.NewSubset("png_read"),
		Round:   1,
		Attempt: 1,
		Source:  source,
	}
}

func TestBuild(t *testing.T) {
	b, root := testBuilder(t)
	assert.Equal(t, ".cc", b.ext)
	assert.Contains(t, b.cflags, "-fsanitize=fuzzer,address,undefined")
	cand := testCandidate("int LLVMFuzzerTestOneInput() { png_read(0); }\n")
	ws, err := NewWorkspace(root, cand.WorkName())
	require.NoError(t, err)
	art, err := b.Build(context.Background(), ws, cand)
	require.NoError(t, err)
	data, err := os.ReadFile(art.Binary)
	require.NoError(t, err)
	assert.Equal(t, cand.Source, string(data))
	assert.True(t, strings.HasPrefix(art.Source, ws.Dir))

	require.NoError(t, ws.Remove())
	assert.False(t, osutil.IsExist(ws.Dir))
}

func TestCompileError(t *testing.T) {
	b, root := testBuilder(t)
	cand := testCandidate("BROKEN\n")
	ws, err := NewWorkspace(root, cand.WorkName())
	require.NoError(t, err)
	_, err = b.Build(context.Background(), ws, cand)
	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr), "err: %v", err)
	assert.Equal(t, "harness.cc:3:5: error: use of undeclared identifier 'png_structp'\n    png_structp p;\n"+
		"1 error generated.", compileErr.Output)
	assert.NotContains(t, compileErr.Output, ws.Dir)
	assert.False(t, harness.IsInfrastructure(err))
}

func TestCompileTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	b, root := testBuilder(t)
	cand := testCandidate("HANG\n")
	ws, err := NewWorkspace(root, cand.WorkName())
	require.NoError(t, err)
	_, err = b.Build(context.Background(), ws, cand)
	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr), "err: %v", err)
	assert.Contains(t, compileErr.Output, "did not finish")
}

func TestMissingCompiler(t *testing.T) {
	_, err := NewBuilder(&mgrconfig.Config{CC: "/nonexistent/clang++"})
	assert.True(t, harness.IsInfrastructure(err))
}

func TestWorkspaceIsolation(t *testing.T) {
	root := t.TempDir()
	ws1, err := NewWorkspace(root, "r1-a1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws1.Path("leftover"), []byte("x"), 0644))
	ws2, err := NewWorkspace(root, "r1-a2")
	require.NoError(t, err)
	assert.NotEqual(t, ws1.Dir, ws2.Dir)
	// Recreating a workspace removes leftovers.
	ws1, err = NewWorkspace(root, "r1-a1")
	require.NoError(t, err)
	assert.False(t, osutil.IsExist(ws1.Path("leftover")))
}
