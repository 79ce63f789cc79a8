// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package harness contains types shared by the synthesis/build/run/validate
// pipeline: candidates, retry feedback and infrastructure failures.
package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/hash"
)

// Candidate is one generated harness for a gadget subset.
type Candidate struct {
	Subset gadget.Subset
	// Round is the session round the candidate was dispatched in.
	Round int
	// Attempt within the round, starting from 1.
	Attempt int
	Source  string
	// ID of the accepted candidate this one was derived from, if any.
	Parent string
}

// ID is unique for (subset, round).
func (c *Candidate) ID() string {
	return fmt.Sprintf("r%v-%v", c.Round, hash.Hash(c.Subset.ID()).Short())
}

// WorkName names the per-attempt workspace.
func (c *Candidate) WorkName() string {
	return fmt.Sprintf("%v-a%v", c.ID(), c.Attempt)
}

// UsesAPI returns the subset gadgets mentioned in the source.
func (c *Candidate) UsesAPI(cat *gadget.Catalog) []string {
	var used []string
	for _, id := range c.Subset {
		name := id
		if fn := cat.Func(id); fn != nil {
			name = fn.Name
		}
		if strings.Contains(c.Source, name) {
			used = append(used, id)
		}
	}
	return used
}

type FeedbackKind string

const (
	FeedbackParse          FeedbackKind = "parse"
	FeedbackAPINotUsed     FeedbackKind = "api-not-used"
	FeedbackCompile        FeedbackKind = "compile"
	FeedbackCrash          FeedbackKind = "crash"
	FeedbackCoverageGrowth FeedbackKind = "coverage-growth"
	FeedbackAPIHit         FeedbackKind = "api-hit"
	FeedbackSynthesis      FeedbackKind = "synthesis"
)

// Feedback describes why the previous attempt failed, it's passed to the next synthesis request.
type Feedback struct {
	Kind FeedbackKind
	Text string
	// Diff of the failed source against the attempt before it (empty for the first attempt).
	Diff string
}

func (f *Feedback) String() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%v: %v", f.Kind, f.Text)
}

// InfrastructureFailure means that a tool or capability required by every
// candidate is unavailable. It is fatal for the session.
type InfrastructureFailure struct {
	Component string
	Err       error
}

func (err *InfrastructureFailure) Error() string {
	return fmt.Sprintf("%v is unavailable: %v", err.Component, err.Err)
}

func (err *InfrastructureFailure) Unwrap() error {
	return err.Err
}

func Infrastructure(component string, err error) error {
	return &InfrastructureFailure{Component: component, Err: err}
}

func IsInfrastructure(err error) bool {
	var infra *InfrastructureFailure
	return errors.As(err, &infra)
}
