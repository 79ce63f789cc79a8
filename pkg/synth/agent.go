// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package synth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agentfuzz/agentfuzz/pkg/gadget"
	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/google/generative-ai-go/genai"
)

// ChatModel starts conversations in which the model may call the given tools.
type ChatModel interface {
	StartChat(tools []*genai.Tool) Chat
}

// Chat is one conversation, the history is kept by the implementation.
type Chat interface {
	Send(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Agent lets the model look up library declarations, read library sources and
// validate drafts before it settles on a harness.
// A draft accepted by the validate tool is returned right away.
type Agent struct {
	model    ChatModel
	cat      *gadget.Catalog
	srcDir   string
	maxTurns int
	// Files the model may read outside of srcDir (headers of the gadgets).
	extra map[string]bool
}

const (
	defaultMaxTurns = 30
	defaultReadLen  = 50
	// Lines of source returned around a definition.
	snippetLen = 12
)

func NewAgent(model ChatModel, cat *gadget.Catalog, srcDir string, maxTurns int) *Agent {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	a := &Agent{
		model:    model,
		cat:      cat,
		srcDir:   srcDir,
		maxTurns: maxTurns,
		extra:    make(map[string]bool),
	}
	for _, g := range append(cat.Functions(), cat.Types()...) {
		if g.File != "" {
			a.extra[filepath.Clean(g.File)] = true
		}
	}
	return a
}

const agentInstruction = `
You have tools to study the library before writing the driver:
find_definition and find_references look up declarations and their uses,
read_file shows library source files. Once you have a draft, pass the complete
source file to validate. It compiles and fuzzes the draft and tells you what is
wrong with it. Keep fixing the driver until validate accepts it.
`

const missingReply = "You did not call validate and did not reply with a driver. " +
	"Call validate with the complete source file."

// badCallError is reported back to the model instead of failing the synthesis.
type badCallError struct {
	msg string
}

func (err *badCallError) Error() string {
	return err.msg
}

func badCall(msg string, args ...any) error {
	return &badCallError{fmt.Sprintf(msg, args...)}
}

type tool struct {
	decl *genai.FunctionDeclaration
	run  func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// conversation is the state of one Synthesize call.
type conversation struct {
	*Agent
	req      *Request
	tools    map[string]*tool
	accepted string
	draft    string
}

func (a *Agent) Synthesize(ctx context.Context, req *Request) (string, error) {
	prompt, err := Prompt(req)
	if err != nil {
		return "", err
	}
	conv := &conversation{Agent: a, req: req}
	conv.tools = conv.makeTools()
	var decls []*genai.FunctionDeclaration
	for _, name := range slices.Sorted(maps.Keys(conv.tools)) {
		decls = append(decls, conv.tools[name].decl)
	}
	chat := a.model.StartChat([]*genai.Tool{{FunctionDeclarations: decls}})
	parts := []genai.Part{genai.Text(prompt + agentInstruction)}
	for turn := 0; turn < a.maxTurns; turn++ {
		resp, err := chat.Send(ctx, parts...)
		if err != nil {
			return "", failure(ctx, err)
		}
		reply, calls, err := parseResponse(resp)
		if err != nil {
			return "", &SynthesisFailure{Kind: harness.FeedbackSynthesis, Reason: err.Error()}
		}
		if len(calls) == 0 {
			if code, ok := ExtractCode(reply); ok {
				return code, nil
			}
			parts = []genai.Part{genai.Text(missingReply)}
			continue
		}
		parts = nil
		for _, call := range calls {
			res, err := conv.call(ctx, call)
			if err != nil {
				return "", err
			}
			if conv.accepted != "" {
				return conv.accepted, nil
			}
			parts = append(parts, genai.FunctionResponse{Name: call.Name, Response: res})
		}
	}
	if conv.draft != "" {
		// The validator gives the real feedback for the last draft.
		return conv.draft, nil
	}
	return "", &SynthesisFailure{
		Kind:   harness.FeedbackSynthesis,
		Reason: fmt.Sprintf("no driver after %v turns", a.maxTurns),
	}
}

func failure(ctx context.Context, err error) error {
	if harness.IsInfrastructure(err) || ctx.Err() != nil {
		return err
	}
	return &SynthesisFailure{Kind: harness.FeedbackSynthesis, Reason: err.Error()}
}

func parseResponse(resp *genai.GenerateContentResponse) (string, []genai.FunctionCall, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		if resp.PromptFeedback != nil {
			return "", nil, fmt.Errorf("request blocked: %v", resp.PromptFeedback.BlockReason)
		}
		return "", nil, fmt.Errorf("empty model response")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", nil, fmt.Errorf("no content in the reply (%v)", cand.FinishReason)
	}
	reply := new(strings.Builder)
	var calls []genai.FunctionCall
	for _, part := range cand.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			reply.WriteString(string(p))
		case genai.FunctionCall:
			calls = append(calls, p)
		case *genai.FunctionCall:
			calls = append(calls, *p)
		}
	}
	return reply.String(), calls, nil
}

func (conv *conversation) call(ctx context.Context, call genai.FunctionCall) (map[string]any, error) {
	log.Logf(2, "agent: %v(%v)", call.Name, shortArgs(call.Args))
	t := conv.tools[call.Name]
	if t == nil {
		return map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}, nil
	}
	res, err := t.run(ctx, call.Args)
	if badErr := new(badCallError); errors.As(err, &badErr) {
		return map[string]any{"error": badErr.msg}, nil
	}
	return res, err
}

func shortArgs(args map[string]any) string {
	s := fmt.Sprint(args)
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}

func (conv *conversation) makeTools() map[string]*tool {
	symbol := &genai.Schema{
		Type:        genai.TypeObject,
		Properties:  map[string]*genai.Schema{"symbol": {Type: genai.TypeString, Description: "Function or type name."}},
		Required:    []string{"symbol"},
		Description: "Symbol to look up.",
	}
	tools := []*tool{
		{
			decl: &genai.FunctionDeclaration{
				Name:        "find_definition",
				Description: "Returns the declaration of a library function or type and the source around it.",
				Parameters:  symbol,
			},
			run: conv.findDefinition,
		},
		{
			decl: &genai.FunctionDeclaration{
				Name:        "find_references",
				Description: "Returns library functions that call the function or accept/return the type.",
				Parameters:  symbol,
			},
			run: conv.findReferences,
		},
		{
			decl: &genai.FunctionDeclaration{
				Name:        "read_file",
				Description: "Returns lines of a library source file. Paths are relative to the source directory.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"filename":  {Type: genai.TypeString, Description: "File path."},
						"lineno":    {Type: genai.TypeInteger, Description: "First line to return, starting from 1."},
						"num_lines": {Type: genai.TypeInteger, Description: "Number of lines to return (50 by default)."},
					},
					Required: []string{"filename", "lineno"},
				},
			},
			run: conv.readFile,
		},
	}
	if conv.req.Validate != nil {
		tools = append(tools, &tool{
			decl: &genai.FunctionDeclaration{
				Name:        "validate",
				Description: "Compiles and fuzzes the driver. Returns an error kind and description if the driver is rejected.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"harness": {Type: genai.TypeString, Description: "Complete driver source file."},
					},
					Required: []string{"harness"},
				},
			},
			run: conv.validate,
		})
	}
	res := make(map[string]*tool)
	for _, t := range tools {
		res[t.decl.Name] = t
	}
	return res
}

func (conv *conversation) lookup(symbol string) []*gadget.Gadget {
	var res []*gadget.Gadget
	if g := conv.cat.Func(symbol); g != nil {
		res = append(res, g)
	}
	if g := conv.cat.Type(symbol); g != nil {
		res = append(res, g)
	}
	if len(res) != 0 {
		return res
	}
	// C++ gadget IDs are full signatures, match overloads by name.
	for _, g := range append(conv.cat.Functions(), conv.cat.Types()...) {
		if g.Name == symbol {
			res = append(res, g)
		}
	}
	return res
}

func (conv *conversation) findDefinition(ctx context.Context, args map[string]any) (map[string]any, error) {
	symbol, err := stringArg(args, "symbol")
	if err != nil {
		return nil, err
	}
	var found []any
	for _, g := range conv.lookup(symbol) {
		def := map[string]any{
			"id":        g.ID,
			"kind":      g.Kind.String(),
			"signature": g.Signature(),
		}
		if g.File != "" {
			def["file"] = g.File
			def["line"] = g.Line
			if lines, err := conv.lines(g.File); err == nil && g.Line > 0 && g.Line <= len(lines) {
				def["source"] = strings.Join(lines[g.Line-1:min(len(lines), g.Line-1+snippetLen)], "\n")
			}
		}
		found = append(found, def)
	}
	if len(found) == 0 {
		return nil, badCall("no definition of %v found", symbol)
	}
	return map[string]any{"definitions": found}, nil
}

func (conv *conversation) findReferences(ctx context.Context, args map[string]any) (map[string]any, error) {
	symbol, err := stringArg(args, "symbol")
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, g := range conv.lookup(symbol) {
		ids[g.ID] = true
	}
	if len(ids) == 0 {
		return nil, badCall("unknown symbol %v", symbol)
	}
	var found []any
	for _, fn := range conv.cat.Functions() {
		for _, rel := range []struct {
			name string
			ids  []string
		}{{"calls", fn.Calls}, {"returns", fn.Produces}, {"accepts", fn.Consumes}} {
			if !slices.ContainsFunc(rel.ids, func(id string) bool { return ids[id] }) {
				continue
			}
			found = append(found, map[string]any{
				"id":        fn.ID,
				"relation":  rel.name,
				"signature": fn.Signature(),
				"file":      fn.File,
				"line":      fn.Line,
			})
		}
	}
	if len(found) == 0 {
		return nil, badCall("no references to %v found", symbol)
	}
	return map[string]any{"references": found}, nil
}

func (conv *conversation) readFile(ctx context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "filename")
	if err != nil {
		return nil, err
	}
	start, err := intArg(args, "lineno", 1)
	if err != nil {
		return nil, err
	}
	count, err := intArg(args, "num_lines", defaultReadLen)
	if err != nil {
		return nil, err
	}
	lines, err := conv.lines(name)
	if err != nil {
		return nil, err
	}
	if start < 1 || start > len(lines) {
		return nil, badCall("line %v is outside of the file (%v lines)", start, len(lines))
	}
	end := min(len(lines), start-1+max(count, 1))
	return map[string]any{
		"contents":   strings.Join(lines[start-1:end], "\n"),
		"line_start": start,
		"line_end":   end,
	}, nil
}

// lines reads a file under srcDir or one of the catalog headers.
func (conv *conversation) lines(name string) ([]string, error) {
	file := filepath.Clean(name)
	if !filepath.IsAbs(file) {
		file = filepath.Join(conv.srcDir, file)
	}
	rel, err := filepath.Rel(conv.srcDir, file)
	if conv.srcDir == "" || err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		if !conv.extra[file] {
			return nil, badCall("file %v is outside of the library sources", name)
		}
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, badCall("file %v does not exist", name)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"), nil
}

func (conv *conversation) validate(ctx context.Context, args map[string]any) (map[string]any, error) {
	src, err := stringArg(args, "harness")
	if err != nil {
		return nil, err
	}
	if code, ok := ExtractCode(src); ok {
		src = code
	}
	conv.draft = src
	feedback, err := conv.req.Validate(ctx, src)
	if err != nil {
		return nil, err
	}
	if feedback == nil {
		conv.accepted = src
		return map[string]any{"result": "accepted"}, nil
	}
	return map[string]any{
		"error":       string(feedback.Kind),
		"description": feedback.Text,
	}, nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", badCall("missing string argument %v", name)
	}
	return v, nil
}

func intArg(args map[string]any, name string, def int) (int, error) {
	switch v := args[name].(type) {
	case nil:
		return def, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	}
	return 0, badCall("argument %v must be an integer", name)
}
