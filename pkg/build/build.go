// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package build compiles candidate harnesses against the target library
// in isolated per-candidate workspaces.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
)

// Instrumentation: libFuzzer entry, sanitizers that abort on the first error,
// source-based coverage for llvm-cov.
var instrumentFlags = []string{
	"-g", "-O1", "-fno-omit-frame-pointer",
	"-fsanitize=fuzzer,address,undefined", "-fno-sanitize-recover=undefined",
	"-fprofile-instr-generate", "-fcoverage-mapping",
}

type Builder struct {
	cc      string
	cflags  []string
	ldflags []string
	ext     string
	timeout time.Duration
}

func NewBuilder(cfg *mgrconfig.Config) (*Builder, error) {
	cc, err := osutil.LookPath(cfg.CC)
	if err != nil {
		return nil, harness.Infrastructure("compiler", err)
	}
	if !osutil.IsExist(cfg.LibPath) {
		return nil, harness.Infrastructure("target library", fmt.Errorf("%v does not exist", cfg.LibPath))
	}
	b := &Builder{
		cc:      cc,
		ext:     ".c",
		timeout: cfg.CompileTimeoutDur,
	}
	if strings.HasSuffix(cfg.CC, "++") {
		b.ext = ".cc"
	}
	b.cflags = append(b.cflags, instrumentFlags...)
	for _, dir := range cfg.IncludeDirs {
		b.cflags = append(b.cflags, "-I", dir)
	}
	b.cflags = append(b.cflags, cfg.CFlags...)
	b.ldflags = append([]string{cfg.LibPath}, cfg.Links...)
	return b, nil
}

// Workspace is a private scratch directory of one candidate attempt.
type Workspace struct {
	Dir string
}

// NewWorkspace creates an empty root/name directory, removing leftovers of a previous run.
func NewWorkspace(root, name string) (*Workspace, error) {
	dir := filepath.Join(root, name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, harness.Infrastructure("workspace", err)
	}
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, harness.Infrastructure("workspace", err)
	}
	return &Workspace{Dir: dir}, nil
}

func (ws *Workspace) Path(elems ...string) string {
	return filepath.Join(append([]string{ws.Dir}, elems...)...)
}

func (ws *Workspace) Remove() error {
	return os.RemoveAll(ws.Dir)
}

type Artifact struct {
	Binary string
	Source string
}

type CompileError struct {
	// Relevant part of the compiler output.
	Output string
}

func (err *CompileError) Error() string {
	return "compilation failed:\n" + err.Output
}

// Build compiles the candidate source in the workspace.
// Returns *CompileError if the source is broken and *harness.InfrastructureFailure
// if the compiler can't be run at all.
func (b *Builder) Build(ctx context.Context, ws *Workspace, cand *harness.Candidate) (*Artifact, error) {
	art := &Artifact{
		Source: ws.Path("harness" + b.ext),
		Binary: ws.Path("harness"),
	}
	if err := osutil.WriteFile(art.Source, []byte(cand.Source)); err != nil {
		return nil, harness.Infrastructure("workspace", err)
	}
	args := append(append([]string{}, b.cflags...), art.Source, "-o", art.Binary)
	args = append(args, b.ldflags...)
	cmd := osutil.Command(b.cc, args...)
	cmd.Dir = ws.Dir
	output, err := osutil.RunContext(ctx, b.timeout, cmd)
	log.Logf(3, "%v: compiler output:\n%s", cand.WorkName(), output)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var verr *osutil.VerboseError
		if !errors.As(err, &verr) {
			return nil, harness.Infrastructure("compiler", err)
		}
		if verr.Timedout {
			return nil, &CompileError{Output: fmt.Sprintf("compilation did not finish in %v", b.timeout)}
		}
		return nil, &CompileError{Output: extractErrors(output, art.Source)}
	}
	if !osutil.IsExist(art.Binary) {
		return nil, &CompileError{Output: "compiler did not produce a binary:\n" + string(output)}
	}
	return art, nil
}

const maxErrorOutput = 4 << 10

var errorLineRe = regexp.MustCompile(`(?:error|undefined reference|multiple definition)`)

// extractErrors keeps error lines with the line that follows each of them
// (the source snippet) and makes paths workspace-independent.
func extractErrors(output []byte, source string) string {
	output = bytes.ReplaceAll(output, []byte(source), []byte(filepath.Base(source)))
	lines := strings.Split(string(output), "\n")
	var res []string
	for i := 0; i < len(lines); i++ {
		if !errorLineRe.MatchString(lines[i]) {
			continue
		}
		res = append(res, lines[i])
		if i+1 < len(lines) && strings.HasPrefix(lines[i+1], " ") {
			res = append(res, lines[i+1])
			i++
		}
	}
	text := strings.Join(res, "\n")
	if text == "" {
		text = strings.TrimSpace(string(output))
	}
	if len(text) > maxErrorOutput {
		text = text[:maxErrorOutput] + "\n..."
	}
	return text
}
