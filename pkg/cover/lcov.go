// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cover

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ianlancetaylor/demangle"
)

// Report is the coverage of one run.
type Report struct {
	Covered Cover
	// Demangled names of functions executed at least once.
	Funcs Cover
	Time  time.Time
}

func (rep *Report) HitFunc(name string) bool {
	return rep.Funcs.Has(name)
}

// ParseLCOV parses an lcov tracefile. Records for files rejected by keep are skipped.
func ParseLCOV(r io.Reader, keep func(file string) bool) (*Report, error) {
	rep := &Report{
		Covered: make(Cover),
		Funcs:   make(Cover),
		Time:    time.Now(),
	}
	s := bufio.NewScanner(r)
	s.Buffer(nil, 64<<20)
	file, skip := "", true
	for lineNo := 1; s.Scan(); lineNo++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if line == "end_of_record" {
			file, skip = "", true
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("lcov line %v: malformed record %q", lineNo, line)
		}
		if key == "SF" {
			file = val
			skip = keep != nil && !keep(file)
			continue
		}
		if skip {
			continue
		}
		var err error
		switch key {
		case "FNDA":
			err = parseFNDA(rep, val)
		case "DA":
			err = parseDA(rep, file, val)
		case "BRDA":
			err = parseBRDA(rep, file, val)
		case "TN", "VER", "FN", "FNF", "FNH", "LF", "LH", "BRF", "BRH":
		default:
			err = fmt.Errorf("unknown record type %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("lcov line %v: %w", lineNo, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return rep, nil
}

// FNDA:<count>,<name>
func parseFNDA(rep *Report, val string) error {
	count, name, ok := strings.Cut(val, ",")
	if !ok {
		return fmt.Errorf("bad FNDA record %q", val)
	}
	n, err := strconv.ParseUint(count, 10, 64)
	if err != nil {
		return fmt.Errorf("bad FNDA count %q: %w", count, err)
	}
	if n != 0 {
		rep.Funcs.Merge([]string{FuncName(name)})
	}
	return nil
}

// DA:<line>,<count>[,<checksum>]
func parseDA(rep *Report, file, val string) error {
	parts := strings.Split(val, ",")
	if len(parts) < 2 {
		return fmt.Errorf("bad DA record %q", val)
	}
	if _, err := strconv.ParseUint(parts[0], 10, 32); err != nil {
		return fmt.Errorf("bad DA line %q: %w", parts[0], err)
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad DA count %q: %w", parts[1], err)
	}
	if n != 0 {
		rep.Covered.Merge([]string{file + ":" + parts[0]})
	}
	return nil
}

// BRDA:<line>,<block>,<branch>,<taken>, taken is "-" if the block was never executed.
func parseBRDA(rep *Report, file, val string) error {
	parts := strings.Split(val, ",")
	if len(parts) != 4 {
		return fmt.Errorf("bad BRDA record %q", val)
	}
	if parts[3] == "-" {
		return nil
	}
	n, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return fmt.Errorf("bad BRDA count %q: %w", parts[3], err)
	}
	if n != 0 {
		rep.Covered.Merge([]string{file + ":" + strings.Join(parts[:3], ":")})
	}
	return nil
}

// FuncName converts a function name from a coverage report to the gadget naming:
// C++ names are demangled, the "file.c:" prefix of static functions is stripped.
func FuncName(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 && !strings.HasPrefix(name[i:], "::") &&
		strings.Contains(name[:i], ".") {
		name = name[i+1:]
	}
	return demangle.Filter(name)
}
