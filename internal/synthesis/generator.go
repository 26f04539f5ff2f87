package synthesis

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/Kocoro-lab/marketbrief/internal/metadata"
	"github.com/Kocoro-lab/marketbrief/internal/retrieval"
)

// Input is everything the synthesizer knows about a run. Either result may
// be empty.
type Input struct {
	Subject   string
	News      retrieval.NewsResult
	Financial retrieval.FinancialResult
	// Sources are the citations already collected from News.
	Sources []metadata.Citation
}

// Generator writes the report body.
type Generator interface {
	Generate(ctx context.Context, in Input) (string, error)
}

const maxHeadlines = 3

// memoData contains all variables available to the memo template.
type memoData struct {
	Subject    string
	Overview   *retrieval.Overview
	Provenance retrieval.Provenance
	LastClose  string
	Change     string
	Points     int
	Headlines  []retrieval.NewsItem
	Sources    []metadata.Citation
}

var templateFuncs = template.FuncMap{
	"orNA": func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "n/a"
		}
		return s
	},
	"truncate": truncateRunes,
	"oneLine":  func(s string) string { return strings.Join(strings.Fields(s), " ") },
}

const memoTemplate = `# Market Research Memo: {{.Subject}}

## Executive Summary
- This memo summarizes recent public signals and financial context for **{{.Subject}}**.
{{- if .Overview}}
- Financial data provenance: {{.Provenance}}.
{{- else}}
- Financial data unavailable for this run.
{{- end}}

## Market Pulse
{{- if .Overview}}

| Metric | Value |
|---|---|
| Symbol | {{orNA .Overview.Symbol}} |
| Name | {{orNA .Overview.Name}} |
| Market Cap | {{orNA .Overview.MarketCap}} |
| P/E Ratio | {{orNA .Overview.PERatio}} |
| Profit Margin | {{orNA .Overview.ProfitMargin}} |
| 52-Week High | {{orNA .Overview.High52W}} |
| 52-Week Low | {{orNA .Overview.Low52W}} |
{{- if .LastClose}}
| Last Close | {{.LastClose}} |
| Change ({{.Points}} sessions) | {{.Change}} |
{{- end}}
{{else}}
- Market data unavailable.
{{end}}
## Key Developments
{{- range .Headlines}}
- [{{orNA (oneLine .Title)}}]({{.URL}}): {{truncate (oneLine .Snippet) 160}}
{{- else}}
- News coverage unavailable.
{{- end}}

## Risk/Opportunity
- Recent product/news momentum can signal investment areas and go-to-market priorities.
- Financial ratios should be interpreted alongside revenue growth and competitive positioning.
{{- if eq (printf "%s" .Provenance) "synthetic" "partial-real"}}
- Some financial figures are synthetic placeholders; verify them before relying on this memo.
{{- end}}

## Verdict
{{- if and .Overview .Headlines}}
- Signals are available on both news and financials; review the developments above against the metrics.
{{- else if .Headlines}}
- News signals only; financial context unavailable.
{{- else if .Overview}}
- Financial context only; news coverage unavailable.
{{- else}}
- Verdict unavailable: no data was retrieved.
{{- end}}

## Sources
{{- range .Sources}}
- {{oneLine .Title}}: {{.URL}}
{{- else}}
- No sources available.
{{- end}}
`

var memo = template.Must(template.New("memo").Funcs(templateFuncs).Parse(memoTemplate))

// TemplateGenerator renders a fixed-section memo. Output depends only on
// the input, so repeated calls are byte-identical.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, in Input) (string, error) {
	data := memoData{
		Subject:    in.Subject,
		Provenance: in.Financial.Provenance,
		Sources:    in.Sources,
	}
	if !in.Financial.Empty() {
		data.Overview = in.Financial.Overview
		if n := len(in.Financial.Prices); n > 0 {
			first, last := in.Financial.Prices[0].Close, in.Financial.Prices[n-1].Close
			data.LastClose = fmt.Sprintf("%.2f (%s)", last, in.Financial.Prices[n-1].Date)
			data.Points = n
			if first != 0 {
				data.Change = fmt.Sprintf("%+.2f%%", (last-first)/first*100)
			} else {
				data.Change = "n/a"
			}
		}
	}
	if !in.News.Empty() {
		data.Headlines = in.News.Items
		if len(data.Headlines) > maxHeadlines {
			data.Headlines = data.Headlines[:maxHeadlines]
		}
	}

	var buf bytes.Buffer
	if err := memo.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render memo: %w", err)
	}
	return buf.String(), nil
}

// truncateRunes returns s truncated to at most max runes, appending "..." when truncated.
func truncateRunes(s string, max int) string {
	if max <= 0 || s == "" {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
