// Copyright 2026 agentfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package synth

import (
	"bytes"
	"path/filepath"
	"text/template"

	"github.com/agentfuzz/agentfuzz/pkg/harness"
)

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"base": filepath.Base,
	"hint": func(kind harness.FeedbackKind) string { return feedbackHints[kind] },
}).Parse(`You are writing a libFuzzer fuzz driver for the {{.Target}} library.

Write a single C/C++ source file that defines
    extern "C" int LLVMFuzzerTestOneInput(const uint8_t *data, size_t size)
and uses the fuzzer input to drive the library API below. The driver must be
deterministic, must not leak memory or file descriptors, must not call exit()
or abort() on bad input, and must release every object it creates.
{{if .Headers}}
Include the library headers:
{{range .Headers}}    #include "{{base .}}"
{{end}}{{end}}
Call all of these functions in a meaningful order:
{{range .Gadgets}}    {{.Signature}}
{{end}}{{if .Types}}
Relevant types:
{{range .Types}}    {{.Signature}}
{{end}}{{end}}{{if .Paths}}
The driver should exercise these call chains end to end:
{{range .Paths}}    {{.}}
{{end}}{{end}}{{if .Feedback}}
Attempt {{.Attempt}}. The previous driver was rejected ({{.Feedback.Kind}}):
{{.Feedback.Text}}
{{if .Previous}}
Previous driver:
` + "```" + `
{{.Previous}}` + "```" + `
{{end}}{{if .Feedback.Diff}}
It differs from the attempt before it as follows:
{{.Feedback.Diff}}
{{end}}{{hint .Feedback.Kind}}
{{end}}
Reply with the complete source file in a single fenced code block.
`))

var feedbackHints = map[harness.FeedbackKind]string{
	harness.FeedbackParse:          "Put the whole source file into one ``` fenced block.",
	harness.FeedbackAPINotUsed:     "The driver must call the listed functions directly.",
	harness.FeedbackCompile:        "Fix the compilation errors, use only declarations from the headers.",
	harness.FeedbackCrash:          "The crash is in the driver or caused by API misuse: validate sizes and follow the API contract.",
	harness.FeedbackCoverageGrowth: "Feed the fuzzer input deeper into the library so that new code is reached.",
	harness.FeedbackAPIHit:         "Make sure every function of the listed call chains is reached with valid state.",
	harness.FeedbackSynthesis:      "",
}

// Prompt renders the synthesis request.
func Prompt(req *Request) (string, error) {
	buf := new(bytes.Buffer)
	if err := promptTemplate.Execute(buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}
