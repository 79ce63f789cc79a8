// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentfuzz/agentfuzz/pkg/energy"
	"github.com/agentfuzz/agentfuzz/pkg/harness"
	"github.com/agentfuzz/agentfuzz/pkg/hash"
	"github.com/agentfuzz/agentfuzz/pkg/html/pages"
	"github.com/agentfuzz/agentfuzz/pkg/log"
	"github.com/agentfuzz/agentfuzz/pkg/orchestrator"
	"github.com/agentfuzz/agentfuzz/pkg/session"
	"github.com/agentfuzz/agentfuzz/pkg/stat"
	"github.com/agentfuzz/agentfuzz/pkg/validator"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const topRecords = 20

func (mgr *Manager) initHTTP() {
	mux := http.NewServeMux()
	handle := func(pattern string, handler func(http.ResponseWriter, *http.Request)) {
		mux.Handle(pattern, handlers.CompressHandler(http.HandlerFunc(handler)))
	}
	handle("/", mgr.httpSummary)
	handle("/stats", mgr.httpStats)
	handle("/harness", mgr.httpHarness)
	handle("/crash", mgr.httpCrash)
	handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}).ServeHTTP)
	// Browsers like to request this, without special handler this goes to / handler.
	handle("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {})

	log.Logf(0, "serving http on http://%v", mgr.cfg.HTTP)
	go func() {
		err := http.ListenAndServe(mgr.cfg.HTTP, handlers.LoggingHandler(log.VerboseWriter(2), mux))
		if err != nil {
			log.Fatalf("failed to listen on %v: %v", mgr.cfg.HTTP, err)
		}
	}()
}

type UISummaryData struct {
	Name     string
	Target   string
	Session  string
	Uptime   time.Duration
	Status   *orchestrator.Status
	Stats    template.HTML
	Records  []UIRecord
	Accepted []session.Accepted
	Log      string
}

type UIRecord struct {
	Subset  string
	Visits  int
	Yield   float64
	Score   float64
	Accepts int
}

type UIHarnessData struct {
	Name     string
	Accepted session.Accepted
	Source   string
	Parent   string
	Diff     []string
}

func (mgr *Manager) httpSummary(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	stats, err := pages.StatsHTML(stat.Simple)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	st := mgr.orch.Status(topRecords)
	executeTemplate(w, summaryTemplate, summaryData(mgr.cfg.Name, mgr.cfg.Target,
		time.Since(mgr.startTime), st, stats, log.CachedLogOutput()))
}

func summaryData(name, target string, uptime time.Duration, st *orchestrator.Status,
	stats template.HTML, logText string) *UISummaryData {
	data := &UISummaryData{
		Name:    name,
		Target:  target,
		Session: st.ID,
		Uptime:  uptime,
		Status:  st,
		Stats:   stats,
		Log:     logText,
	}
	for _, rec := range st.Top {
		data.Records = append(data.Records, UIRecord{
			Subset:  strings.Join(rec.Subset, ", "),
			Visits:  rec.Visits,
			Yield:   rec.Yield,
			Score:   energy.Score(rec.Yield, rec.Visits, st.Params.Exploration),
			Accepts: rec.Accepts,
		})
	}
	// Newest first.
	for i := len(st.Accepted) - 1; i >= 0; i-- {
		data.Accepted = append(data.Accepted, st.Accepted[i])
	}
	return data
}

func (mgr *Manager) httpStats(w http.ResponseWriter, r *http.Request) {
	stats, err := pages.StatsHTML(stat.All)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	executeTemplate(w, statsTemplate, struct {
		Name  string
		Stats template.HTML
	}{mgr.cfg.Name, stats})
}

func (mgr *Manager) httpHarness(w http.ResponseWriter, r *http.Request) {
	id := r.FormValue("id")
	var acc *session.Accepted
	for _, a := range mgr.orch.Status(0).Accepted {
		if a.ID == id {
			acc = &a
			break
		}
	}
	if acc == nil {
		http.Error(w, fmt.Sprintf("unknown harness %q", id), http.StatusNotFound)
		return
	}
	source, ok := mgr.store.Harness(id)
	if !ok {
		http.Error(w, fmt.Sprintf("harness %q is missing in harness.db", id), http.StatusInternalServerError)
		return
	}
	parent := ""
	if acc.Parent != "" {
		parent, _ = mgr.store.Harness(acc.Parent)
	}
	executeTemplate(w, harnessTemplate, harnessData(mgr.cfg.Name, *acc, source, parent))
}

func harnessData(name string, acc session.Accepted, source, parent string) *UIHarnessData {
	data := &UIHarnessData{
		Name:     name,
		Accepted: acc,
		Source:   source,
		Parent:   parent,
	}
	if parent != "" {
		data.Diff = strings.Split(strings.TrimSuffix(harness.Diff(parent, source), "\n"), "\n")
	}
	return data
}

type UICrashData struct {
	Name   string
	Crash  validator.Crash
	Report string
	// Reproducer file, empty if the crash has none.
	Repro string
}

func (mgr *Manager) httpCrash(w http.ResponseWriter, r *http.Request) {
	sig, err := hash.FromString(r.FormValue("sig"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	crash, ok := mgr.crashes.Lookup(sig)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown crash %v", sig), http.StatusNotFound)
		return
	}
	dir := mgr.crashes.Dir(sig)
	data := &UICrashData{
		Name:  mgr.cfg.Name,
		Crash: crash,
	}
	if rep, err := os.ReadFile(filepath.Join(dir, "report0")); err == nil {
		data.Report = string(rep)
	}
	if crash.HasRepro {
		data.Repro = filepath.Join(dir, "repro")
	}
	executeTemplate(w, crashTemplate, data)
}

func executeTemplate(w http.ResponseWriter, templ *template.Template, data any) {
	buf := new(bytes.Buffer)
	if err := templ.Execute(buf, data); err != nil {
		log.Logf(0, "failed to execute template: %v", err)
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
		return
	}
	w.Write(buf.Bytes())
}

var summaryTemplate = pages.Create(`
<!doctype html>
<html>
<head>
	<title>{{.Name}} agentfuzz</title>
	{{HEAD}}
</head>
<body>
<b>{{.Name}} agentfuzz</b>: {{.Target}}, session {{.Session}}, up {{formatDuration .Uptime}},
round {{.Status.Round}}{{if .Status.Stopped}} (stopped){{end}}, {{.Status.InFlight}} in flight
<br>

{{.Stats}}

<table class="list_table">
	<caption>Top subsets ({{.Status.Subsets}} total):</caption>
	<tr>
		<th>Subset</th>
		<th>Visits</th>
		<th>Yield</th>
		<th>Score</th>
		<th>Accepts</th>
	</tr>
	{{range $r := .Records}}
	<tr>
		<td class="mono">{{$r.Subset}}</td>
		<td class="stat">{{$r.Visits}}</td>
		<td class="stat">{{formatFloat $r.Yield}}</td>
		<td class="stat">{{formatFloat $r.Score}}</td>
		<td class="stat">{{$r.Accepts}}</td>
	</tr>
	{{end}}
</table>

<table class="list_table">
	<caption>Accepted harnesses ({{len .Accepted}}):</caption>
	<tr>
		<th>ID</th>
		<th>Round</th>
		<th>Subset</th>
		<th>New locations</th>
		<th>Inputs</th>
		<th>Parent</th>
		<th>Time</th>
	</tr>
	{{range $a := .Accepted}}
	<tr>
		<td>{{link (printf "/harness?id=%v" $a.ID) $a.ID}}</td>
		<td class="stat">{{$a.Round}}</td>
		<td class="mono">{{formatList $a.Subset}}</td>
		<td class="stat">{{$a.Newly}}</td>
		<td class="stat">{{$a.Inputs}}</td>
		<td>{{if $a.Parent}}{{link (printf "/harness?id=%v" $a.Parent) $a.Parent}}{{end}}</td>
		<td>{{formatTime $a.Time}}</td>
	</tr>
	{{end}}
</table>

<table class="list_table">
	<caption>Crashes ({{len .Status.Crashes}}):</caption>
	<tr>
		<th>Title</th>
		<th>Count</th>
		<th>Before growth</th>
		<th>First candidate</th>
		<th>Last time</th>
	</tr>
	{{range $c := .Status.Crashes}}
	<tr>
		<td>{{link (printf "/crash?sig=%v" $c.Sig) $c.Title}}</td>
		<td class="stat">{{$c.Count}}</td>
		<td>{{if $c.NoGrowth}}yes{{end}}</td>
		<td>{{$c.Candidate}}</td>
		<td>{{formatTime $c.Last}}</td>
	</tr>
	{{end}}
</table>

<b>Log:</b>
<br>
<textarea id="log_textarea" readonly rows="20" wrap=off>
{{.Log}}
</textarea>
<script>
	var textarea = document.getElementById("log_textarea");
	textarea.scrollTop = textarea.scrollHeight;
</script>
</body></html>
`)

var statsTemplate = pages.Create(`
<!doctype html>
<html>
<head>
	<title>{{.Name}} agentfuzz stats</title>
	{{HEAD}}
</head>
<body>
{{.Stats}}
</body></html>
`)

var harnessTemplate = pages.Create(`
<!doctype html>
<html>
<head>
	<title>{{.Accepted.ID}} agentfuzz harness</title>
	{{HEAD}}
</head>
<body>
<b>{{.Accepted.ID}}</b>: round {{.Accepted.Round}}, +{{.Accepted.Newly}} locations,
source {{formatShort .Accepted.Source}}
<br>
Subset: <span class="mono">{{formatList .Accepted.Subset}}</span>
<br>
{{if .Accepted.Parent}}
<b>Changes against the parent {{link (printf "/harness?id=%v" .Accepted.Parent) .Accepted.Parent}}:</b>
<pre>{{range $line := .Diff}}<span class="{{diffClass $line}}">{{$line}}</span>
{{end}}</pre>
{{end}}
<b>Source:</b>
<pre>{{.Source}}</pre>
</body></html>
`)

var crashTemplate = pages.Create(`
<!doctype html>
<html>
<head>
	<title>{{.Crash.Title}} agentfuzz crash</title>
	{{HEAD}}
</head>
<body>
<b>{{.Crash.Title}}</b>: seen {{.Crash.Count}} times, first by {{.Crash.Candidate}} at {{formatTime .Crash.First}}
{{if .Crash.NoGrowth}}before any coverage growth{{end}}
<br>
Subset: <span class="mono">{{.Crash.Subset}}</span>
<br>
{{if .Repro}}Reproducer: <span class="mono">{{.Repro}}</span><br>{{end}}
<b>Report:</b>
<pre>{{.Report}}</pre>
</body></html>
`)
