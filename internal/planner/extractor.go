package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/Kocoro-lab/marketbrief/internal/llm"
)

// Extraction is what an extractor could tell about a prompt. Nil fields
// mean "unknown".
type Extraction struct {
	Identifier *string `json:"identifier"`
	Subject    *string `json:"subject"`
	Focus      *string `json:"focus"`
}

// Extractor pulls entity hints out of a free-text prompt.
type Extractor interface {
	Extract(ctx context.Context, prompt string) (Extraction, error)
}

// ErrNoExtraction means the extractor had nothing to offer.
var ErrNoExtraction = errors.New("planner: no extraction")

// HeuristicExtractor recognizes the "Name Words (TICK)" pattern: the
// parenthesized token is the identifier and the capitalized run right before
// it (up to 3 tokens) is the subject. Anything else yields ErrNoExtraction.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(_ context.Context, prompt string) (Extraction, error) {
	id, at := parenthesizedToken(prompt)
	if id == "" {
		return Extraction{}, ErrNoExtraction
	}
	ex := Extraction{Identifier: &id}

	tokens := strings.Fields(prompt[:at])
	var run []string
	for i := len(tokens) - 1; i >= 0 && len(run) < 3; i-- {
		tok := trimToken(tokens[i])
		if !isCapitalized(tok) {
			break
		}
		run = append([]string{tok}, run...)
	}
	if len(run) > 0 {
		subject := strings.Join(run, " ")
		ex.Subject = &subject
	}
	return ex, nil
}

// LLMExtractor asks a chat model for {identifier, subject, focus}.
type LLMExtractor struct {
	provider llm.Provider
}

func NewLLMExtractor(provider llm.Provider) *LLMExtractor {
	return &LLMExtractor{provider: provider}
}

const extractInstructions = `You extract research targets from user prompts.
Reply with a single JSON object and nothing else:
{"identifier": string|null, "subject": string|null, "focus": string|null}
identifier: the stock ticker of the company the prompt is about, if you are confident; otherwise null.
subject: the company or entity name.
focus: a short web search query for recent news about the subject.`

// Extract returns ErrNoExtraction for empty or non-JSON replies.
func (e *LLMExtractor) Extract(ctx context.Context, prompt string) (Extraction, error) {
	reply, err := e.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: extractInstructions},
		{Role: "user", Content: prompt},
	}, llm.WithJSON(), llm.WithTemperature(0), llm.WithMaxTokens(200))
	if err != nil {
		return Extraction{}, err
	}
	return parseExtraction(reply)
}

func parseExtraction(reply string) (Extraction, error) {
	body := strings.TrimSpace(reply)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if body == "" {
		return Extraction{}, ErrNoExtraction
	}

	var ex Extraction
	if err := json.Unmarshal([]byte(body), &ex); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrNoExtraction, err)
	}
	ex.Identifier = nonBlank(ex.Identifier)
	ex.Subject = nonBlank(ex.Subject)
	ex.Focus = nonBlank(ex.Focus)
	if ex.Identifier != nil {
		up := strings.ToUpper(*ex.Identifier)
		if !validIdentifier(up) {
			ex.Identifier = nil
		} else {
			ex.Identifier = &up
		}
	}
	return ex, nil
}

func nonBlank(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") || strings.EqualFold(v, "unknown") {
		return nil
	}
	return &v
}

// parenthesizedToken finds the first "(XXXX)" holding 1-6 alphanumerics and
// returns it uppercased with the index of its opening parenthesis.
func parenthesizedToken(prompt string) (string, int) {
	for i := 0; i < len(prompt); i++ {
		if prompt[i] != '(' {
			continue
		}
		end := strings.IndexByte(prompt[i+1:], ')')
		if end < 0 {
			return "", -1
		}
		inner := strings.ToUpper(strings.TrimSpace(prompt[i+1 : i+1+end]))
		if validIdentifier(inner) {
			return inner, i
		}
	}
	return "", -1
}

func validIdentifier(s string) bool {
	if len(s) < 1 || len(s) > 6 {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

func trimToken(tok string) string {
	return strings.Trim(tok, " ,.;:!?\"'`")
}

func isCapitalized(tok string) bool {
	for _, r := range tok {
		return unicode.IsUpper(r)
	}
	return false
}
