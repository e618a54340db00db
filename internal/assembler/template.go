package assembler

import "text/template"

// bookletTmplSrc is the fixed Markdown template from spec §4.7: Summary,
// Error Batch, per-stage findings, Recommended Actions, Confidence, and
// Metadata sections. The YAML front matter above this body is rendered
// separately via gopkg.in/yaml.v3 (see frontMatter in assembler.go) rather
// than hand-formatted here, since it is genuinely structured YAML data.
//
// Grounded on the teacher's internal/attractor/ingest package, which embeds
// and parses a text/template for its own prompt document.
const bookletTmplSrc = `# Error Resolution Booklet: {{.FileName}}

## Summary

{{.Summary}}

## Error Batch

{{range .Errors}}- [{{.Code}}] {{.Location.FilePath}}:{{.Location.Line}}: {{.Message}}
{{end}}
## Docs Findings

{{.Docs.Summary}}

## Context Findings

{{.Context.Summary}}

## Pattern Findings

{{.Pattern.Summary}}

## Synth Findings

{{.Synth.Summary}}

## Recommended Actions

{{.RecommendedActions}}

## Confidence

{{printf "%.2f" .Confidence}}

## Metadata

- batch id: {{.BatchID}}
- correlation id: {{.BatchID}}
- generated at: {{.GeneratedAtRFC3339}}
{{- range .StageModels}}
- {{.Stage}} model: {{.Model}}
{{- end}}
`

var bookletTmpl = template.Must(template.New("booklet").Parse(bookletTmplSrc))
