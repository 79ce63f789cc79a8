// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package report detects crashes in sanitizer and libFuzzer output, extracts
// the crash kind and stack, and computes a stable crash signature.
package report

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentfuzz/agentfuzz/pkg/hash"
	"github.com/ianlancetaylor/demangle"
)

type Report struct {
	// Title is the one line description, e.g. "ASan: heap-buffer-overflow in png_read".
	Title string
	// Kind is the title without the location.
	Kind string
	// Demangled function names of the crash stack, runtime frames excluded.
	Frames []string
	// Sig identifies the crash: equal kinds with equal top frames have equal signatures.
	Sig hash.Sig
	// Report is the text from the crash header to the end of the output.
	Report []byte
	// StartPos is the offset of the crash header in the output.
	StartPos int
}

type oopsFormat struct {
	re  *regexp.Regexp
	fmt string
}

func compile(re string) *regexp.Regexp {
	re = strings.ReplaceAll(re, "{{PID}}", "==[0-9]+==")
	return regexp.MustCompile(re)
}

var formats = []oopsFormat{
	{
		re:  compile(`{{PID}}ERROR: AddressSanitizer: ((?:attempting )?[A-Za-z-]+)`),
		fmt: "ASan: %[1]v",
	},
	{
		re:  compile(`{{PID}}ERROR: LeakSanitizer: detected memory leaks`),
		fmt: "LSan: memory leak",
	},
	{
		re:  compile(`{{PID}}ERROR: MemorySanitizer: ([A-Za-z-]+(?: [a-z-]+)*)`),
		fmt: "MSan: %[1]v",
	},
	{
		re:  compile(`runtime error: ([^:\n]+)`),
		fmt: "UBSan: %[1]v",
	},
	{
		re: compile(`{{PID}} ?ERROR: libFuzzer: (deadly signal|out-of-memory|timeout|fuzz target exited|` +
			`fuzz target overwrites its const input|malloc limit)`),
		fmt: "libFuzzer: %[1]v",
	},
}

var (
	frameRe    = regexp.MustCompile(`^\s*#[0-9]+ 0x[0-9a-f]+ in (.+?)(?: (\S+:[0-9]+(?::[0-9]+)?|/\S+|\(.*\)))?$`)
	ubsanLocRe = regexp.MustCompile(`^(\S+?):[0-9]+(?::[0-9]+)?: runtime error:`)
)

// Frames that belong to sanitizer runtimes, libc or the fuzzing engine.
var (
	runtimePrefixes = []string{
		"__asan", "__ubsan", "__lsan", "__msan", "__sanitizer", "__interceptor_", "___interceptor_",
		"fuzzer::", "__libc_start", "__GI_", "operator new", "operator delete",
	}
	runtimeFuncs = map[string]bool{
		"_start": true, "malloc": true, "calloc": true, "realloc": true, "free": true,
		"abort": true, "raise": true,
	}
)

const (
	harnessEntry = "LLVMFuzzerTestOneInput"
	sigFrames    = 3
)

// ContainsCrash returns true if output contains a sanitizer or libFuzzer crash report.
func ContainsCrash(output []byte) bool {
	for _, f := range formats {
		if f.re.Match(output) {
			return true
		}
	}
	return false
}

// Parse extracts the first crash from output. Returns nil if there is no crash.
func Parse(output []byte) *Report {
	var format *oopsFormat
	var match []int
	for i := range formats {
		m := formats[i].re.FindSubmatchIndex(output)
		if m != nil && (match == nil || m[0] < match[0]) {
			format, match = &formats[i], m
		}
	}
	if format == nil {
		return nil
	}
	var args []any
	for i := 2; i < len(match); i += 2 {
		args = append(args, string(output[match[i]:match[i+1]]))
	}
	start := bytes.LastIndexByte(output[:match[0]], '\n') + 1
	rep := &Report{
		Kind:     fmt.Sprintf(format.fmt, args...),
		Report:   output[start:],
		StartPos: start,
	}
	rep.Frames = extractFrames(output[match[0]:])
	location := ""
	if len(rep.Frames) != 0 {
		location = rep.Frames[0]
	} else if m := ubsanLocRe.FindSubmatch(output[start:]); m != nil {
		// UBSan prints no stack by default, use the source location.
		location = string(m[1])
	}
	rep.Title = rep.Kind
	if location != "" {
		rep.Title += " in " + location
	}
	top := rep.Frames
	if len(top) > sigFrames {
		top = top[:sigFrames]
	}
	rep.Sig = hash.Hash(rep.Kind, strings.Join(top, "\n"), location)
	return rep
}

// extractFrames returns function names of the first stack trace in text.
func extractFrames(text []byte) []string {
	var frames []string
	inStack := false
	for _, line := range strings.Split(string(text), "\n") {
		m := frameRe.FindStringSubmatch(line)
		if m == nil {
			if inStack {
				break
			}
			continue
		}
		inStack = true
		fn := demangle.Filter(strings.TrimSpace(m[1]))
		if isRuntimeFrame(fn) {
			continue
		}
		frames = append(frames, fn)
		if strings.HasPrefix(fn, harnessEntry) {
			break
		}
	}
	return frames
}

func isRuntimeFrame(fn string) bool {
	if runtimeFuncs[fn] {
		return true
	}
	for _, prefix := range runtimePrefixes {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
