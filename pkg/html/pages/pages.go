// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pages

import (
	"html/template"
	"strings"

	"github.com/agentfuzz/agentfuzz/pkg/html"
)

// Create parses a page template, {{HEAD}} is replaced with the common style.
func Create(page string) *template.Template {
	page = strings.Replace(page, "{{HEAD}}", head, 1)
	return template.Must(template.New("").Funcs(html.Funcs).Parse(page))
}

const head = `<style type="text/css" media="screen">
body { font-family: sans-serif; font-size: 85%; }
table.list_table { border-collapse: collapse; margin: 8px 0; }
table.list_table caption { font-weight: bold; text-align: left; }
table.list_table td, table.list_table th { border: 1px solid #ccc; padding: 2px 6px; vertical-align: top; }
table.list_table th { background: #f0f0f0; }
td.stat_name { font-weight: bold; }
td.stat_value, td.stat { text-align: right; }
td.mono, pre { font-family: monospace; }
.diff_add { color: #116611; }
.diff_del { color: #aa1111; }
.diff_ctx { color: #888888; }
textarea { width: 100%; font-family: monospace; }
</style>`
