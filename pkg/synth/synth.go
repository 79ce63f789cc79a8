// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package synth obtains harness source code from a code generation backend.
package synth

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/agentfuzz/agentfuzz/pkg/paths"
)

type Request struct {
	// Name of the target library.
	Target string
	// Function gadgets the harness must use.
	Gadgets []*gadget.Gadget
	// Type gadgets used by the functions.
	Types []*gadget.Gadget
	// Critical paths that go through the subset.
	Paths []paths.Path
	// Headers to include.
	Headers []string
	// Why the previous attempt failed, nil for the first attempt.
	Feedback *harness.Feedback
	// Source of the previous attempt.
	Previous string
	Attempt  int
	// Validate checks a draft, nil feedback means the draft is accepted.
	// Synthesizers that validate their own drafts use it if it is set.
	Validate func(ctx context.Context, source string) (*harness.Feedback, error)
}

type Synthesizer interface {
	// Synthesize returns harness source code. Unusable or declined replies are
	// returned as *SynthesisFailure, *harness.InfrastructureFailure is fatal.
	Synthesize(ctx context.Context, req *Request) (string, error)
}

// Backend is a text generation capability.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type SynthesisFailure struct {
	Kind   harness.FeedbackKind
	Reason string
}

func (err *SynthesisFailure) Error() string {
	return fmt.Sprintf("synthesis failed (%v): %v", err.Kind, err.Reason)
}

// Prompted renders the request as a prompt and extracts code from the backend reply.
type Prompted struct {
	backend Backend
}

func NewPrompted(backend Backend) *Prompted {
	return &Prompted{backend: backend}
}

func (p *Prompted) Synthesize(ctx context.Context, req *Request) (string, error) {
	prompt, err := Prompt(req)
	if err != nil {
		return "", err
	}
	reply, err := p.backend.Generate(ctx, prompt)
	if err != nil {
		if harness.IsInfrastructure(err) || ctx.Err() != nil {
			return "", err
		}
		return "", &SynthesisFailure{Kind: harness.FeedbackSynthesis, Reason: err.Error()}
	}
	code, ok := ExtractCode(reply)
	if !ok {
		return "", &SynthesisFailure{
			Kind:   harness.FeedbackParse,
			Reason: "the reply does not contain a fenced code block",
		}
	}
	return code, nil
}

var codeBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9+#-]*[ \t]*\n(.*?)```")

// ExtractCode returns the content of the first fenced code block.
func ExtractCode(reply string) (string, bool) {
	m := codeBlockRe.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	code := strings.TrimSpace(m[1])
	if code == "" {
		return "", false
	}
	return code + "\n", true
}

// New creates the synthesizer configured for the session.
// The catalog and the library sources are needed for agentic synthesis only.
func New(ctx context.Context, cfg *mgrconfig.Synthesizer, cat *gadget.Catalog, srcDir string) (
	Synthesizer, func() error, error) {
	var backend Backend
	closer := func() error { return nil }
	switch cfg.Type {
	case "gemini":
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Agentic {
			return NewAgent(g, cat, srcDir, cfg.MaxTurns), g.Close, nil
		}
		backend, closer = g, g.Close
	case "command":
		c, err := NewCommand(cfg.Command, cfg.TimeoutDur)
		if err != nil {
			return nil, nil, err
		}
		backend = c
	case "static":
		s, err := NewStatic(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		backend = s
	default:
		return nil, nil, fmt.Errorf("unknown synthesizer type %q", cfg.Type)
	}
	return NewPrompted(backend), closer, nil
}
