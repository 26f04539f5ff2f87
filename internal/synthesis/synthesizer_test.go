package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/marketbrief/internal/llm"
	"github.com/Kocoro-lab/marketbrief/internal/retrieval"
)

type fakeProvider struct {
	reply string
	err   error
	seen  []llm.Message
}

func (f *fakeProvider) Chat(_ context.Context, history []llm.Message, _ ...llm.Option) (string, error) {
	f.seen = history
	return f.reply, f.err
}

func (f *fakeProvider) Generate(ctx context.Context, prompt string, options ...llm.Option) (string, error) {
	return f.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, options...)
}

func newsResult(n int) retrieval.NewsResult {
	r := retrieval.NewsResult{Query: "q", Provenance: retrieval.ProvenancePrimary}
	for i := 0; i < n; i++ {
		r.Items = append(r.Items, retrieval.NewsItem{
			Title:   fmt.Sprintf("Headline %d", i),
			Snippet: "Something happened.",
			URL:     fmt.Sprintf("https://news%d.example.com/a", i),
		})
	}
	return r
}

func financialResult() retrieval.FinancialResult {
	return retrieval.FinancialResult{
		Identifier: "ACM",
		Overview:   &retrieval.Overview{Symbol: "ACM", Name: "Acme Corp", MarketCap: "1000000", PERatio: "12.5"},
		Prices:     []retrieval.PricePoint{{Date: "2025-03-13", Close: 100}, {Date: "2025-03-14", Close: 110}},
		Provenance: retrieval.ProvenancePrimary,
	}
}

func TestTemplateMemo(t *testing.T) {
	s := New(nil, 10, zaptest.NewLogger(t))
	report := s.Synthesize(context.Background(), "Acme Corp", newsResult(5), financialResult())

	md := report.Markdown
	assert.True(t, strings.HasPrefix(md, "# Market Research Memo: Acme Corp\n"))
	for _, section := range []string{"## Executive Summary", "## Market Pulse", "## Key Developments", "## Risk/Opportunity", "## Verdict", "## Sources"} {
		assert.Contains(t, md, section)
	}
	assert.Contains(t, md, "| Market Cap | 1000000 |")
	assert.Contains(t, md, "| Profit Margin | n/a |")
	assert.Contains(t, md, "| Last Close | 110.00 (2025-03-14) |")
	assert.Contains(t, md, "+10.00%")

	// Three headlines in Key Developments, five sources.
	dev := md[strings.Index(md, "## Key Developments"):strings.Index(md, "## Risk/Opportunity")]
	assert.Equal(t, 3, strings.Count(dev, "\n- "))
	assert.Contains(t, md, "- Headline 4: https://news4.example.com/a")
	assert.Len(t, report.Sources, 5)
}

func TestTemplateMemoUnavailableSections(t *testing.T) {
	s := New(nil, 10, zaptest.NewLogger(t))
	report := s.Synthesize(context.Background(), "Globex", retrieval.NewsResult{Provenance: retrieval.ProvenanceNone}, retrieval.EmptyFinancial(""))

	md := report.Markdown
	assert.Contains(t, md, "- Market data unavailable.")
	assert.Contains(t, md, "- News coverage unavailable.")
	assert.Contains(t, md, "- Verdict unavailable: no data was retrieved.")
	assert.Contains(t, md, "- No sources available.")
	assert.Empty(t, report.Sources)
}

func TestTemplateMemoIsDeterministic(t *testing.T) {
	s := New(nil, 10, zaptest.NewLogger(t))
	news := newsResult(4)
	fin := financialResult()
	fin.Provenance = retrieval.ProvenanceSynthetic

	a := s.Synthesize(context.Background(), "Acme Corp", news, fin)
	b := s.Synthesize(context.Background(), "Acme Corp", news, fin)
	assert.Equal(t, a.Markdown, b.Markdown)
	assert.Contains(t, a.Markdown, "synthetic placeholders")
}

func TestPlaceholderNewsIsCited(t *testing.T) {
	s := New(nil, 10, zaptest.NewLogger(t))
	report := s.Synthesize(context.Background(), "Acme Corp", retrieval.Placeholder("Acme Corp latest news"), retrieval.EmptyFinancial(""))

	require.Len(t, report.Sources, 1)
	assert.Equal(t, "https://tavily.com", report.Sources[0].URL)
	assert.Contains(t, report.Markdown, "## Sources\n- (Mock) Tavily disabled: https://tavily.com\n")
}

func TestLLMGenerator(t *testing.T) {
	t.Run("Reply returned verbatim", func(t *testing.T) {
		p := &fakeProvider{reply: "## Executive Summary\n- fine\n"}
		s := New(NewLLMGenerator(p), 10, zaptest.NewLogger(t))

		report := s.Synthesize(context.Background(), "Acme Corp", newsResult(2), financialResult())
		assert.Equal(t, "## Executive Summary\n- fine\n", report.Markdown)
		assert.Len(t, report.Sources, 2)

		require.Len(t, p.seen, 2)
		user := p.seen[1].Content
		assert.Contains(t, user, "Subject: Acme Corp")
		assert.Contains(t, user, `"symbol":"ACM"`)
		assert.Contains(t, user, "1. Headline 0\n   https://news0.example.com/a")
	})

	t.Run("Failure falls back to template", func(t *testing.T) {
		p := &fakeProvider{err: errors.New("upstream 503")}
		s := New(NewLLMGenerator(p), 10, zaptest.NewLogger(t))

		report := s.Synthesize(context.Background(), "Acme Corp", newsResult(1), financialResult())
		assert.True(t, strings.HasPrefix(report.Markdown, "# Market Research Memo: Acme Corp"))
	})

	t.Run("Blank reply falls back to template", func(t *testing.T) {
		p := &fakeProvider{reply: "  \n"}
		s := New(NewLLMGenerator(p), 10, zaptest.NewLogger(t))

		report := s.Synthesize(context.Background(), "Acme Corp", newsResult(1), financialResult())
		assert.Contains(t, report.Markdown, "## Sources")
	})
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "", truncateRunes("abc", 0))
	assert.Equal(t, "abc", truncateRunes("abc", 3))
	assert.Equal(t, "ab...", truncateRunes("abc", 2))
}
