// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package gadget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
	"github.com/ianlancetaylor/demangle"
)

// Subset of the clang -ast-dump=json node format that we need.
type astNode struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	Name               string     `json:"name"`
	MangledName        string     `json:"mangledName"`
	Loc                *astLoc    `json:"loc"`
	Range              *astRange  `json:"range"`
	Type               *astType   `json:"type"`
	IsImplicit         bool       `json:"isImplicit"`
	TagUsed            string     `json:"tagUsed"`
	CompleteDefinition bool       `json:"completeDefinition"`
	ReferencedDecl     *astNode   `json:"referencedDecl"`
	Inner              []*astNode `json:"inner"`
}

type astLoc struct {
	File         string  `json:"file"`
	Line         int     `json:"line"`
	Col          int     `json:"col"`
	SpellingLoc  *astLoc `json:"spellingLoc"`
	ExpansionLoc *astLoc `json:"expansionLoc"`
}

type astRange struct {
	Begin astLoc `json:"begin"`
	End   astLoc `json:"end"`
}

type astType struct {
	QualType string `json:"qualType"`
}

// Filter says if declarations from the file belong to the library.
type Filter func(file string) bool

type callRef struct {
	declID string
	name   string
}

// extractor walks one translation unit. Clang omits file/line of a location
// if they are the same as in the previously printed location, so the walk
// must visit every node in document order to track the current position.
type extractor struct {
	cat      *Catalog
	keep     Filter
	lastFile string
	lastLine int
	byDecl   map[string]string // clang decl id -> gadget ID
	calls    map[*Gadget][]callRef
}

// Extract builds a catalog from clang AST JSON dumps.
func Extract(dumps [][]byte, keep Filter) (*Catalog, error) {
	cat := &Catalog{
		funcs: make(map[string]*Gadget),
		types: make(map[string]*Gadget),
	}
	for i, data := range dumps {
		root := new(astNode)
		if err := json.Unmarshal(data, root); err != nil {
			return nil, fmt.Errorf("failed to parse AST dump #%v: %w", i, err)
		}
		ex := &extractor{
			cat:    cat,
			keep:   keep,
			byDecl: make(map[string]string),
			calls:  make(map[*Gadget][]callRef),
		}
		ex.visit(root, nil)
		ex.resolveCalls()
	}
	cat.finalize()
	return cat, nil
}

func (ex *extractor) locate(loc *astLoc) (string, int) {
	if loc == nil {
		return "", 0
	}
	if loc.SpellingLoc != nil || loc.ExpansionLoc != nil {
		ex.locate(loc.SpellingLoc)
		return ex.locate(loc.ExpansionLoc)
	}
	if loc.Col == 0 && loc.Line == 0 && loc.File == "" {
		// Invalid location, e.g. for builtins.
		return "", 0
	}
	if loc.File != "" {
		ex.lastFile = loc.File
	}
	if loc.Line != 0 {
		ex.lastLine = loc.Line
	}
	return ex.lastFile, ex.lastLine
}

func (ex *extractor) visit(n *astNode, fn *Gadget) {
	file, line := ex.locate(n.Loc)
	if n.Range != nil {
		ex.locate(&n.Range.Begin)
		ex.locate(&n.Range.End)
	}
	relevant := !n.IsImplicit && file != "" && ex.keep(file)
	switch n.Kind {
	case "FunctionDecl":
		fn = nil
		if relevant {
			fn = ex.function(n, file, line)
		}
	case "TypedefDecl", "TypeAliasDecl":
		if relevant {
			ex.typedef(n, file, line)
		}
	case "RecordDecl", "CXXRecordDecl", "EnumDecl":
		if relevant {
			ex.record(n, file, line)
		}
	case "DeclRefExpr", "MemberExpr":
		if fn != nil && n.ReferencedDecl != nil && n.ReferencedDecl.Kind == "FunctionDecl" {
			ex.calls[fn] = append(ex.calls[fn], callRef{n.ReferencedDecl.ID, n.ReferencedDecl.Name})
		}
	}
	for _, child := range n.Inner {
		ex.visit(child, fn)
	}
}

func (ex *extractor) drop(n *astNode, file string, line int, reason string, args ...any) {
	ex.cat.Diagnostics = append(ex.cat.Diagnostics, &ExtractionError{
		Decl:   n.Name,
		File:   file,
		Line:   line,
		Reason: fmt.Sprintf(reason, args...),
	})
}

var unresolvedType = regexp.MustCompile(`<dependent type>|type-parameter-\d|<overloaded function type>|<bound member function type>`)

func (ex *extractor) function(n *astNode, file string, line int) *Gadget {
	if n.Name == "" {
		ex.drop(n, file, line, "function without a name")
		return nil
	}
	if n.Type == nil || n.Type.QualType == "" {
		ex.drop(n, file, line, "missing type information")
		return nil
	}
	if unresolvedType.MatchString(n.Type.QualType) {
		ex.drop(n, file, line, "unresolvable type %q", n.Type.QualType)
		return nil
	}
	paren := strings.IndexByte(n.Type.QualType, '(')
	if paren <= 0 {
		ex.drop(n, file, line, "not a function type %q", n.Type.QualType)
		return nil
	}
	g := &Gadget{
		ID:     n.Name,
		Kind:   Function,
		Name:   n.Name,
		Return: strings.TrimSpace(n.Type.QualType[:paren]),
		File:   file,
		Line:   line,
	}
	if n.MangledName != "" && n.MangledName != n.Name {
		g.ID = demangle.Filter(n.MangledName)
	}
	for i, param := range n.Inner {
		if param.Kind != "ParmVarDecl" {
			continue
		}
		if param.Type == nil || param.Type.QualType == "" {
			ex.drop(n, file, line, "parameter #%v has no type", i)
			return nil
		}
		if unresolvedType.MatchString(param.Type.QualType) {
			ex.drop(n, file, line, "parameter #%v has unresolvable type %q", i, param.Type.QualType)
			return nil
		}
		g.Params = append(g.Params, Param{Name: param.Name, Type: param.Type.QualType})
		if typ := baseTypeName(param.Type.QualType); typ != "" {
			g.Consumes = append(g.Consumes, typ)
		}
	}
	if typ := baseTypeName(g.Return); typ != "" && g.Return != "void" {
		g.Produces = append(g.Produces, typ)
	}
	if old := ex.cat.funcs[g.ID]; old != nil {
		// Redeclaration (prototype in a header, definition later): keep the first one.
		ex.byDecl[n.ID] = old.ID
		return old
	}
	ex.cat.funcs[g.ID] = g
	ex.byDecl[n.ID] = g.ID
	return g
}

func (ex *extractor) typedef(n *astNode, file string, line int) {
	if n.Name == "" {
		ex.drop(n, file, line, "typedef without a name")
		return
	}
	if n.Type == nil || n.Type.QualType == "" {
		ex.drop(n, file, line, "missing type information")
		return
	}
	if ex.cat.types[n.Name] != nil {
		return
	}
	ex.cat.types[n.Name] = &Gadget{
		ID:         n.Name,
		Kind:       Type,
		Name:       n.Name,
		Definition: n.Type.QualType,
		File:       file,
		Line:       line,
	}
}

func (ex *extractor) record(n *astNode, file string, line int) {
	if n.Name == "" {
		// Anonymous records are described by the typedef that names them.
		return
	}
	tag := n.TagUsed
	if n.Kind == "EnumDecl" {
		tag = "enum"
	}
	if old := ex.cat.types[n.Name]; old != nil {
		if n.CompleteDefinition && old.Kind == Type {
			old.File, old.Line = file, line
		}
		return
	}
	ex.cat.types[n.Name] = &Gadget{
		ID:         n.Name,
		Kind:       Type,
		Name:       n.Name,
		Definition: tag,
		File:       file,
		Line:       line,
	}
}

func (ex *extractor) resolveCalls() {
	byName := make(map[string][]string)
	for id, fn := range ex.cat.funcs {
		byName[fn.Name] = append(byName[fn.Name], id)
	}
	for fn, refs := range ex.calls {
		for _, ref := range refs {
			if id, ok := ex.byDecl[ref.declID]; ok {
				fn.Calls = append(fn.Calls, id)
			} else if ids := byName[ref.name]; len(ids) == 1 {
				fn.Calls = append(fn.Calls, ids[0])
			}
		}
	}
}

var typeQualifiers = regexp.MustCompile(`\b(const|volatile|restrict|__restrict|struct|union|enum|class)\b|[*&]|\[[^\]]*\]`)

// baseTypeName strips qualifiers, pointers and arrays: "const struct foo **" -> "foo".
// Returns "" for function pointer types.
func baseTypeName(qualType string) string {
	if strings.Contains(qualType, "(") {
		return ""
	}
	return strings.Join(strings.Fields(typeQualifiers.ReplaceAllString(qualType, " ")), " ")
}

// DumpAST runs clang on the header and returns the AST in JSON format.
// Clang still dumps the AST if the header has errors, in such case the errors
// are returned as ExtractionError along with the dump.
func DumpAST(ctx context.Context, clang string, args []string, header string,
	timeout time.Duration) ([]byte, *ExtractionError, error) {
	cmdArgs := append([]string{"-Xclang", "-ast-dump=json", "-fsyntax-only", "-fparse-all-comments"}, args...)
	cmdArgs = append(cmdArgs, header)
	cmd := osutil.Command(clang, cmdArgs...)
	stdout := new(bytes.Buffer)
	cmd.Stdout = stdout
	output, err := osutil.RunContext(ctx, timeout, cmd)
	if err != nil {
		if ctx.Err() != nil || stdout.Len() == 0 {
			return nil, nil, osutil.PrependContext(fmt.Sprintf("failed to dump AST of %v", header), err)
		}
		log.Logf(1, "clang reported errors for %v, using partial AST", header)
		return stdout.Bytes(), &ExtractionError{
			File:   header,
			Reason: fmt.Sprintf("header does not compile cleanly:\n%s", output),
		}, nil
	}
	return stdout.Bytes(), nil, nil
}
