// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package gadget

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/mgrconfig"
	"github.com/agentfuzz/agentfuzz/pkg/osutil"
)

const dumpTimeout = 10 * time.Minute

// Load dumps ASTs of all configured headers and builds the catalog.
func Load(ctx context.Context, cfg *mgrconfig.Config) (*Catalog, error) {
	var args []string
	for _, dir := range cfg.IncludeDirs {
		args = append(args, "-I", dir)
	}
	args = append(args, cfg.ClangArgs...)
	var dumps [][]byte
	var diags []*ExtractionError
	for _, header := range cfg.Headers {
		data, diag, err := DumpAST(ctx, cfg.Clang, args, header, dumpTimeout)
		if err != nil {
			return nil, err
		}
		if diag != nil {
			diags = append(diags, diag)
		}
		dumps = append(dumps, data)
	}
	cat, err := Extract(dumps, LibraryFilter(cfg))
	if err != nil {
		return nil, err
	}
	cat.Diagnostics = append(diags, cat.Diagnostics...)
	log.Logf(0, "extracted %v functions and %v types, %v declarations dropped",
		len(cat.funcs), len(cat.types), len(cat.Diagnostics))
	if len(cat.funcs) == 0 {
		return nil, fmt.Errorf("no function gadgets found in %v", cfg.Headers)
	}
	return cat, nil
}

// LibraryFilter accepts files under the source dir, the include dirs and the headers themselves.
func LibraryFilter(cfg *mgrconfig.Config) Filter {
	var dirs []string
	for _, dir := range append([]string{cfg.SrcDir}, cfg.IncludeDirs...) {
		if dir != "" {
			dirs = append(dirs, filepath.Clean(dir)+string(filepath.Separator))
		}
	}
	headers := make(map[string]bool)
	for _, h := range cfg.Headers {
		headers[filepath.Clean(h)] = true
	}
	return func(file string) bool {
		file = filepath.Clean(osutil.Abs(file))
		if headers[file] {
			return true
		}
		for _, dir := range dirs {
			if strings.HasPrefix(file, dir) {
				return true
			}
		}
		return false
	}
}
