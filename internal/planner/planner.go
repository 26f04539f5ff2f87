package planner

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/agents"
	"github.com/Kocoro-lab/marketbrief/internal/config"
	"github.com/Kocoro-lab/marketbrief/internal/metrics"
)

// TaskStatusPlanned is the only status the planner assigns.
const TaskStatusPlanned = "planned"

// Identifier sources recorded on the plan.
const (
	SourceExtractor     = "extractor"
	SourceParenthesized = "parenthesized"
	SourceLookup        = "lookup"
	SourceSubstitute    = "substitute"
)

// Task describes one planned agent step.
type Task struct {
	Agent  string `json:"agent"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Plan is computed once per run and never mutated.
type Plan struct {
	Subject          string  `json:"subject"`
	Identifier       *string `json:"identifier"`
	IdentifierSource string  `json:"identifier_source,omitempty"`
	Focus            string  `json:"focus"`
	Tasks            []Task  `json:"tasks"`
}

// HasIdentifier reports whether a financial task was planned.
func (p Plan) HasIdentifier() bool {
	return p.Identifier != nil && *p.Identifier != ""
}

// Planner turns prompts into plans.
type Planner struct {
	extractor Extractor
	fallback  Extractor
	entities  *EntityTable
	policy    string
	logger    *zap.Logger
}

// New builds a planner. A nil extractor uses the heuristic one; when a
// different extractor is given, the heuristic one backs it up.
func New(extractor Extractor, entities *EntityTable, missingIdentifierPolicy string, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if entities == nil {
		entities = NewEntityTable()
	}
	if missingIdentifierPolicy == "" {
		missingIdentifierPolicy = config.MissingIdentifierOmit
	}
	p := &Planner{entities: entities, policy: missingIdentifierPolicy, logger: logger, fallback: HeuristicExtractor{}}
	if extractor == nil {
		p.extractor = p.fallback
		p.fallback = nil
	} else {
		p.extractor = extractor
	}
	return p
}

// Plan never fails: extractor problems degrade to the heuristics.
func (p *Planner) Plan(ctx context.Context, prompt string) Plan {
	prompt = strings.TrimSpace(prompt)
	ex := p.extract(ctx, prompt)

	var identifier, source string
	if ex.Identifier != nil {
		identifier, source = *ex.Identifier, SourceExtractor
	}
	if identifier == "" {
		if tok, _ := parenthesizedToken(prompt); tok != "" {
			identifier, source = tok, SourceParenthesized
		}
	}
	if identifier == "" {
		if id, ok := p.entities.Lookup(prompt); ok {
			identifier, source = id, SourceLookup
		}
	}

	subject := resolveSubject(ex.Subject, identifier, prompt)

	if identifier == "" && p.policy == config.MissingIdentifierSubstitute {
		if pseudo := PseudoIdentifier(subject); pseudo != "" {
			identifier, source = pseudo, SourceSubstitute
		}
	}

	plan := Plan{
		Subject: subject,
		Focus:   resolveFocus(ex.Focus, subject),
	}
	plan.Tasks = append(plan.Tasks, Task{Agent: agents.NewsResearcher, Title: agents.NewsTitle(subject), Status: TaskStatusPlanned})
	if identifier != "" {
		id := identifier
		plan.Identifier = &id
		plan.IdentifierSource = source
		plan.Tasks = append(plan.Tasks, Task{Agent: agents.FinancialAnalyst, Title: agents.FinancialTitle(subject, id), Status: TaskStatusPlanned})
	}
	plan.Tasks = append(plan.Tasks, Task{Agent: agents.ReportWriter, Title: agents.ReportTitle(subject), Status: TaskStatusPlanned})

	p.logger.Debug("Plan resolved",
		zap.String("subject", plan.Subject),
		zap.String("identifier", identifier),
		zap.String("identifier_source", source),
		zap.Int("tasks", len(plan.Tasks)),
	)
	return plan
}

func (p *Planner) extract(ctx context.Context, prompt string) Extraction {
	ex, err := p.extractor.Extract(ctx, prompt)
	if err == nil {
		return ex
	}
	if !errors.Is(err, ErrNoExtraction) {
		p.logger.Warn("Extractor failed, using heuristics", zap.Error(err))
	}
	if p.fallback == nil {
		return Extraction{}
	}
	metrics.CapabilityFallbacks.WithLabelValues("extractor").Inc()
	ex, err = p.fallback.Extract(ctx, prompt)
	if err != nil {
		return Extraction{}
	}
	return ex
}

// leadingStopwords are sentence openers that are capitalized but never part
// of an entity name.
var leadingStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "i": {}, "we": {}, "please": {}, "tell": {}, "give": {},
	"show": {}, "what": {}, "whats": {}, "what's": {}, "how": {}, "who": {}, "why": {}, "is": {},
	"are": {}, "can": {}, "could": {}, "research": {}, "analyze": {}, "analyse": {}, "summarize": {},
	"compare": {}, "find": {}, "write": {}, "create": {}, "draft": {}, "prepare": {}, "look": {},
}

func resolveSubject(extracted *string, identifier, prompt string) string {
	if extracted != nil && *extracted != "" {
		return *extracted
	}
	if identifier != "" {
		return identifier
	}
	if len([]rune(prompt)) < 50 {
		return prompt
	}

	tokens := strings.Fields(prompt)
	var run []string
	for _, raw := range tokens {
		tok := trimToken(raw)
		if isCapitalized(tok) {
			if len(run) == 0 {
				if _, stop := leadingStopwords[strings.ToLower(tok)]; stop {
					continue
				}
			}
			run = append(run, tok)
			if len(run) == 3 {
				break
			}
			continue
		}
		if len(run) > 0 {
			break
		}
	}
	if len(run) > 0 {
		return strings.Join(run, " ")
	}

	if len(tokens) > 3 {
		tokens = tokens[:3]
	}
	return strings.Join(tokens, " ")
}

func resolveFocus(extracted *string, subject string) string {
	if extracted != nil && *extracted != "" {
		focus := *extracted
		if !strings.Contains(strings.ToLower(focus), strings.ToLower(subject)) {
			focus = subject + " " + focus
		}
		return focus
	}
	return subject + " latest news press release product launch"
}

// PseudoIdentifier derives an uppercase alphanumeric stand-in of at most six
// characters from subject. Used by the "substitute" policy only.
func PseudoIdentifier(subject string) string {
	var b strings.Builder
	for _, r := range subject {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		if b.Len() == 6 {
			break
		}
	}
	return b.String()
}
