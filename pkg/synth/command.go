// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package synth

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
)

// Command pipes the prompt to an external program and reads the reply from its stdout.
type Command struct {
	argv    []string
	timeout time.Duration
}

func NewCommand(argv []string, timeout time.Duration) (*Command, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty synthesizer command")
	}
	bin, err := osutil.LookPath(argv[0])
	if err != nil {
		return nil, harness.Infrastructure("synthesizer command", err)
	}
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Command{
		argv:    append([]string{bin}, argv[1:]...),
		timeout: timeout,
	}, nil
}

func (c *Command) Generate(ctx context.Context, prompt string) (string, error) {
	cmd := osutil.Command(c.argv[0], c.argv[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	stdout := new(bytes.Buffer)
	cmd.Stdout = stdout
	if _, err := osutil.RunContext(ctx, c.timeout, cmd); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return stdout.String(), nil
}

// Static replays pre-written replies from a directory in name order, cycling
// when they run out. It's used for dry runs of the pipeline.
type Static struct {
	mu      sync.Mutex
	replies []string
	next    int
}

func NewStatic(dir string) (*Static, error) {
	names, err := osutil.ListDir(dir)
	if err != nil {
		return nil, harness.Infrastructure("static synthesizer", err)
	}
	sort.Strings(names)
	s := new(Static)
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		s.replies = append(s.replies, string(data))
	}
	if len(s.replies) == 0 {
		return nil, harness.Infrastructure("static synthesizer", fmt.Errorf("no replies in %v", dir))
	}
	return s, nil
}

func (s *Static) Generate(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reply := s.replies[s.next%len(s.replies)]
	s.next++
	return reply, nil
}
