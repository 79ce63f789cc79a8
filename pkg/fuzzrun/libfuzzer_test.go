// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzrun

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Common prologue of fake harnesses: parses libFuzzer flags and writes
// the coverage profile if one is requested.
const harnessPrologue = `#!/bin/sh
corpus=""
prefix=""
replay=""
for a in "$@"; do
	case "$a" in
	-runs=0) replay=1;;
	-artifact_prefix=*) prefix="${a#-artifact_prefix=}";;
	-*) ;;
	*) corpus="$a";;
	esac
done
if [ -n "$LLVM_PROFILE_FILE" ] && [ "$LLVM_PROFILE_FILE" != /dev/null ]; then
	echo profile > "$LLVM_PROFILE_FILE"
fi
echo "#2 INITED cov: 5 ft: 5 corp: 1/1b exec/s: 0 rss: 30Mb" >&2
`

const asanReport = `==4242==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000011
READ of size 1 at 0x602000000011 thread T0
    #0 0x55d4 in png_read /src/lib/png.c:10:3
    #1 0x55d5 in LLVMFuzzerTestOneInput /work/harness.cc:7:2
    #2 0x55d6 in fuzzer::Fuzzer::ExecuteCallback(unsigned char const*, unsigned long)
SUMMARY: AddressSanitizer: heap-buffer-overflow /src/lib/png.c:10:3 in png_read
`

func writeScript(t *testing.T, name, body string) string {
	file := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(file, []byte(body), 0755))
	return file
}

func testLibFuzzer() *LibFuzzer {
	return &LibFuzzer{
		Procs:         2,
		ReplayTimeout: 10 * time.Second,
		Grace:         time.Second,
		Keep: func(file string) bool {
			return strings.HasPrefix(file, "/src/lib/")
		},
	}
}

func fuzzDirs(t *testing.T) (string, string) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus")
	artifacts := filepath.Join(dir, "artifacts")
	require.NoError(t, os.MkdirAll(corpus, 0755))
	require.NoError(t, os.MkdirAll(artifacts, 0755))
	return corpus, artifacts
}

func TestFuzz(t *testing.T) {
	tests := []struct {
		name   string
		script string
		budget Budget
		stop   StopReason
		grew   bool
		crash  string
		input  bool
	}{
		{
			name: "growth",
			script: `echo "#3 NEW cov: 7 ft: 8 corp: 2/2b lim: 4 exec/s: 0 rss: 30Mb" >&2
echo new > "$corpus/new1"
echo "Done 3 runs in 1 second(s)" >&2
`,
			budget: Budget{Growth: 5 * time.Second, Total: time.Second},
			stop:   StopBudget,
			grew:   true,
		},
		{
			name:   "no-growth",
			script: "sleep 60\n",
			budget: Budget{Growth: 300 * time.Millisecond, Total: time.Minute},
			stop:   StopNoGrowth,
		},
		{
			name: "hang-after-growth",
			script: `echo "#3 NEW cov: 7 ft: 8 corp: 2/2b lim: 4 exec/s: 0 rss: 30Mb" >&2
sleep 60
`,
			budget: Budget{Growth: 5 * time.Second, Total: time.Second},
			stop:   StopDeadline,
			grew:   true,
		},
		{
			name: "crash",
			script: `cat >&2 <<'REPORT'
` + asanReport + `REPORT
echo crash > "${prefix}crash-da39a3ee"
echo "artifact_prefix='$prefix'; Test unit written to ${prefix}crash-da39a3ee" >&2
exit 1
`,
			budget: Budget{Growth: 5 * time.Second, Total: time.Second},
			stop:   StopCrash,
			crash:  "ASan: heap-buffer-overflow in png_read",
			input:  true,
		},
		{
			name:   "exit",
			script: "exit 3\n",
			budget: Budget{Growth: 5 * time.Second, Total: time.Second},
			stop:   StopCrash,
			crash:  "exit status 3",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			bin := writeScript(t, "harness", harnessPrologue+test.script)
			corpus, artifacts := fuzzDirs(t)
			start := time.Now()
			res, err := testLibFuzzer().Fuzz(context.Background(), bin, corpus, artifacts, test.budget)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 30*time.Second)
			assert.Equal(t, test.stop, res.Stop)
			assert.Equal(t, test.grew, res.Grew)
			if test.crash == "" {
				assert.Nil(t, res.Crash)
				return
			}
			require.NotNil(t, res.Crash)
			assert.Equal(t, test.crash, res.Crash.Title)
			if test.input {
				assert.Equal(t, filepath.Join(artifacts, "crash-da39a3ee"), res.CrashInput)
				assert.FileExists(t, res.CrashInput)
			}
		})
	}
}

func TestFuzzCancel(t *testing.T) {
	bin := writeScript(t, "harness", harnessPrologue+"sleep 60\n")
	corpus, artifacts := fuzzDirs(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	_, err := testLibFuzzer().Fuzz(ctx, bin, corpus, artifacts, Budget{Growth: time.Minute, Total: time.Minute})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplay(t *testing.T) {
	corpus, artifacts := fuzzDirs(t)
	lf := testLibFuzzer()

	bin := writeScript(t, "harness", harnessPrologue)
	res, err := lf.Replay(context.Background(), bin, corpus, artifacts, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StopBudget, res.Stop)
	assert.Equal(t, 5, res.Cov)

	bin = writeScript(t, "harness", harnessPrologue+"cat >&2 <<'REPORT'\n"+asanReport+"REPORT\nexit 1\n")
	res, err = lf.Replay(context.Background(), bin, corpus, artifacts, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StopCrash, res.Stop)
	assert.Equal(t, "ASan: heap-buffer-overflow in png_read", res.Crash.Title)

	// Relative reproducer paths are resolved against the engine working dir.
	bin = writeScript(t, "harness", harnessPrologue+`echo crash > crash-rel
echo "Test unit written to ./crash-rel" >&2
exit 1
`)
	res, err = lf.Replay(context.Background(), bin, corpus, artifacts, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StopCrash, res.Stop)
	assert.Equal(t, filepath.Join(filepath.Dir(artifacts), "crash-rel"), res.CrashInput)
	assert.FileExists(t, res.CrashInput)

	bin = writeScript(t, "harness", harnessPrologue+"sleep 60\n")
	res, err = lf.Replay(context.Background(), bin, corpus, artifacts, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StopDeadline, res.Stop)
}

const fakeProfdata = `#!/bin/sh
out=""
n=""
while [ $# -gt 0 ]; do
	case "$1" in
	-o) out="$2"; shift;;
	*.profraw) n=1;;
	esac
	shift
done
[ -n "$n" ] || exit 1
echo merged > "$out"
`

const fakeCov = `#!/bin/sh
cat <<'LCOV'
TN:
SF:/src/lib/png.c
FN:9,png_read
FNDA:4,png_read
FN:20,png_unused
FNDA:0,png_unused
FNF:2
FNH:1
DA:10,4
DA:11,0
DA:21,0
BRDA:10,0,0,3
BRDA:10,0,1,0
BRF:2
BRH:1
LF:3
LH:1
end_of_record
SF:/usr/include/stdio.h
DA:1,1
end_of_record
LCOV
`

func TestCollect(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"bulk", ""},
		// The bulk replay fails, coverage comes from per-input replays.
		{"per-input", `if [ -n "$replay" ]; then exit 1; fi` + "\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			corpus, _ := fuzzDirs(t)
			for _, name := range []string{"a", "b", "c"} {
				require.NoError(t, os.WriteFile(filepath.Join(corpus, name), []byte(name), 0644))
			}
			lf := testLibFuzzer()
			lf.Profdata = writeScript(t, "llvm-profdata", fakeProfdata)
			lf.Cov = writeScript(t, "llvm-cov", fakeCov)
			bin := writeScript(t, "harness", harnessPrologue+test.script)
			rep, err := lf.Collect(context.Background(), bin, corpus, filepath.Join(t.TempDir(), "coverage"))
			require.NoError(t, err)
			if diff := cmp.Diff([]string{"/src/lib/png.c:10", "/src/lib/png.c:10:0:0"},
				rep.Covered.Serialize()); diff != "" {
				t.Fatal(diff)
			}
			assert.Equal(t, []string{"png_read"}, rep.Funcs.Serialize())
		})
	}
}

func TestCollectToolFailure(t *testing.T) {
	corpus, _ := fuzzDirs(t)
	lf := testLibFuzzer()
	lf.Profdata = writeScript(t, "llvm-profdata", "#!/bin/sh\nexit 1\n")
	lf.Cov = writeScript(t, "llvm-cov", fakeCov)
	bin := writeScript(t, "harness", harnessPrologue)
	_, err := lf.Collect(context.Background(), bin, corpus, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llvm-profdata is unavailable")
}
