// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package html contains template helpers for the af-manager status pages.
package html

import (
	"fmt"
	"html/template"
	"strings"
	"time"
)

var Funcs = template.FuncMap{
	"link":           link,
	"formatTime":     formatTime,
	"formatDuration": formatDuration,
	"formatShort":    formatShort,
	"formatList":     formatStringList,
	"formatFloat":    formatFloat,
	"diffClass":      diffClass,
}

func link(url, text string) template.HTML {
	text = template.HTMLEscapeString(text)
	if url != "" {
		text = fmt.Sprintf(`<a href="%v">%v</a>`, template.HTMLEscapeString(url), text)
	}
	return template.HTML(text)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006/01/02 15:04")
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	days := int(d / (24 * time.Hour))
	hours := int(d / time.Hour % 24)
	mins := int(d / time.Minute % 60)
	if days >= 10 {
		return fmt.Sprintf("%vd", days)
	} else if days != 0 {
		return fmt.Sprintf("%vd%02vh", days, hours)
	} else if hours != 0 {
		return fmt.Sprintf("%vh%02vm", hours, mins)
	}
	return fmt.Sprintf("%vm", mins)
}

// formatShort truncates hashes and long identifiers.
func formatShort(v fmt.Stringer) string {
	const hashLen = 8
	s := v.String()
	if len(s) <= hashLen {
		return s
	}
	return s[:hashLen]
}

func formatStringList(list []string) string {
	return strings.Join(list, ", ")
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

// diffClass returns the CSS class of a line of harness.Diff output.
func diffClass(line string) string {
	switch {
	case strings.HasPrefix(line, "+"):
		return "diff_add"
	case strings.HasPrefix(line, "-"):
		return "diff_del"
	}
	return "diff_ctx"
}
