package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/marketbrief/internal/llm"
)

// LLMGenerator asks a chat model for a bullet-only brief.
type LLMGenerator struct {
	provider llm.Provider
}

func NewLLMGenerator(provider llm.Provider) *LLMGenerator {
	return &LLMGenerator{provider: provider}
}

const briefInstructions = `You are a market research analyst. Write a concise brief in Markdown using exactly these sections, in order, each containing bullet points only:
## Executive Summary
## Market Pulse
## Key Developments
## Risk/Opportunity
## Verdict
Only use the data provided. Cite news items by their URL. If a section has no supporting data, write a single bullet saying it is unavailable.`

// Generate returns the model reply verbatim.
func (g *LLMGenerator) Generate(ctx context.Context, in Input) (string, error) {
	reply, err := g.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: briefInstructions},
		{Role: "user", Content: buildBriefPrompt(in)},
	}, llm.WithTemperature(0.2), llm.WithMaxTokens(1200))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("empty brief")
	}
	return reply, nil
}

func buildBriefPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n\n", in.Subject)

	b.WriteString("Financial data (JSON):\n")
	if in.Financial.Empty() {
		b.WriteString("null\n")
	} else if raw, err := json.Marshal(in.Financial); err == nil {
		b.Write(raw)
		b.WriteString("\n")
	} else {
		b.WriteString("null\n")
	}

	b.WriteString("\nNews digest:\n")
	if in.News.Empty() {
		b.WriteString("(none)\n")
	}
	for i, item := range in.News.Items {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, item.Title, item.URL, truncateRunes(item.Snippet, 400))
	}
	return b.String()
}
