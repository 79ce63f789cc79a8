// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log is a thin wrapper around the standard log package with:
//   - a global verbosity level shared by all packages (-vv flag)
//   - an optional in-memory ring of recent lines for the status page
//   - an io.Writer adapter for tracing subprocess output
package log

import (
	"flag"
	"fmt"
	golog "log"
	"strings"
	"sync"
	"time"
)

var (
	flagV       = flag.Int("vv", 0, "verbosity")
	mu          sync.Mutex
	cache       *ring
	prependTime = true // for testing
)

// ring keeps the most recent log lines bounded both by count and total size.
type ring struct {
	lines  []string
	pos    int
	mem    int
	maxMem int
}

func (r *ring) add(line string) {
	r.mem -= len(r.lines[r.pos])
	r.lines[r.pos] = line
	r.mem += len(line)
	r.pos = (r.pos + 1) % len(r.lines)
	// Evict oldest lines until we fit, but always keep the newest one.
	for i := 0; i < len(r.lines)-1 && r.mem > r.maxMem; i++ {
		old := (r.pos + i) % len(r.lines)
		r.mem -= len(r.lines[old])
		r.lines[old] = ""
	}
	if r.mem < 0 {
		panic("log cache size underflow")
	}
}

func (r *ring) String() string {
	var buf strings.Builder
	for i := range r.lines {
		line := r.lines[(r.pos+i)%len(r.lines)]
		if line == "" {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.String()
}

// EnableLogCaching enables in memory caching of log output.
// Caches up to maxLines, but no more than maxMem bytes.
// Only lines with verbosity <= 1 are cached.
func EnableLogCaching(maxLines, maxMem int) {
	mu.Lock()
	defer mu.Unlock()
	if cache != nil {
		Fatalf("log caching is already enabled")
	}
	if maxLines < 1 || maxMem < 1 {
		panic("invalid maxLines/maxMem")
	}
	cache = &ring{
		lines:  make([]string, maxLines),
		maxMem: maxMem,
	}
}

// CachedLogOutput returns cached log lines, oldest first.
func CachedLogOutput() string {
	mu.Lock()
	defer mu.Unlock()
	if cache == nil {
		return ""
	}
	return cache.String()
}

// V reports whether messages of verbosity v are printed.
func V(v int) bool {
	return v <= *flagV
}

func Logf(v int, msg string, args ...any) {
	mu.Lock()
	if cache != nil && v <= 1 {
		prefix := ""
		if prependTime {
			prefix = time.Now().Format("2006/01/02 15:04:05 ")
		}
		cache.add(prefix + fmt.Sprintf(msg, args...))
	}
	mu.Unlock()

	if V(v) {
		golog.Printf(msg, args...)
	}
}

// Errorf logs an error that does not terminate the process.
func Errorf(msg string, args ...any) {
	Logf(0, "ERROR: "+msg, args...)
}

func Fatal(err error) {
	golog.Fatal(err)
}

func Fatalf(msg string, args ...any) {
	golog.Fatalf(msg, args...)
}

// VerboseWriter logs everything written to it at the given verbosity.
type VerboseWriter int

func (w VerboseWriter) Write(data []byte) (int, error) {
	Logf(int(w), "%s", data)
	return len(data), nil
}
