// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pages

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/agentfuzz/agentfuzz/pkg/stat"
)

// StatsHTML renders a table of all registered metrics at or above level.
func StatsHTML(level stat.Level) (template.HTML, error) {
	buf := new(bytes.Buffer)
	if err := statsTemplate.Execute(buf, stat.Collect(level)); err != nil {
		return "", fmt.Errorf("failed to execute stats template: %w", err)
	}
	return template.HTML(buf.String()), nil
}

var statsTemplate = Create(`
<table class="list_table">
	<caption><a href="/stats">Stats</a></caption>
	{{range $s := .}}
	<tr>
		<td class="stat_name" title="{{$s.Desc}}">{{$s.Name}}</td>
		<td class="stat_value">{{$s.Value}}</td>
	</tr>
	{{end}}
</table>
`)
