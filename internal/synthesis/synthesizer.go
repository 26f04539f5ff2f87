package synthesis

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/metadata"
	"github.com/Kocoro-lab/marketbrief/internal/metrics"
	"github.com/Kocoro-lab/marketbrief/internal/retrieval"
)

// Report is the synthesized document plus its citations.
type Report struct {
	Markdown string              `json:"markdown"`
	Sources  []metadata.Citation `json:"sources"`
}

// Synthesizer merges retrieval results into a Report. A configured
// generator is tried first; any fault falls back to the template.
type Synthesizer struct {
	generator    Generator
	fallback     TemplateGenerator
	maxCitations int
	logger       *zap.Logger
}

// New builds a synthesizer. A nil generator uses the template only.
func New(generator Generator, maxCitations int, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{generator: generator, maxCitations: maxCitations, logger: logger}
}

// Synthesize never fails and never returns an empty document.
func (s *Synthesizer) Synthesize(ctx context.Context, subject string, news retrieval.NewsResult, fin retrieval.FinancialResult) Report {
	in := Input{
		Subject:   subject,
		News:      news,
		Financial: fin,
		Sources:   metadata.CollectCitations(news.Items, s.maxCitations),
	}

	if s.generator != nil {
		text, err := s.generator.Generate(ctx, in)
		if err == nil && strings.TrimSpace(text) != "" {
			return Report{Markdown: text, Sources: in.Sources}
		}
		s.logger.Warn("Generator failed, using template", zap.String("subject", subject), zap.Error(err))
		metrics.CapabilityFallbacks.WithLabelValues("generator").Inc()
	}

	text, err := s.fallback.Generate(ctx, in)
	if err != nil {
		// Static template: only a bug gets here.
		s.logger.Error("Template render failed", zap.Error(err))
		text = "# Market Research Memo: " + subject + "\n\n## Sources\n- No sources available.\n"
	}
	return Report{Markdown: text, Sources: in.Sources}
}
