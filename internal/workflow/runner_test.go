package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/marketbrief/internal/agents"
	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
	"github.com/Kocoro-lab/marketbrief/internal/config"
	"github.com/Kocoro-lab/marketbrief/internal/planner"
	"github.com/Kocoro-lab/marketbrief/internal/retrieval"
	"github.com/Kocoro-lab/marketbrief/internal/synthesis"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	failOn EventType
}

func (r *recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && ev.Type == r.failOn {
		return errors.New("sink unavailable")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		s := string(ev.Type)
		switch p := ev.Payload.(type) {
		case AgentPayload:
			s += ":" + p.Agent
		case AgentOutputPayload:
			s += ":" + p.Agent
		}
		out = append(out, s)
	}
	return out
}

type slowNews struct {
	delay   time.Duration
	release chan struct{}
	result  retrieval.NewsResult
}

func (n *slowNews) Search(_ context.Context, query string) retrieval.NewsResult {
	if n.release != nil {
		<-n.release
	}
	time.Sleep(n.delay)
	res := n.result
	res.Query = query
	return res
}

type instantFinancial struct{ calls int }

func (f *instantFinancial) Fetch(_ context.Context, id string) retrieval.FinancialResult {
	f.calls++
	series := retrieval.SyntheticSeries(id, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC))
	ov := retrieval.SyntheticOverview(id, series)
	return retrieval.FinancialResult{Identifier: id, Overview: &ov, Prices: series, Provenance: retrieval.ProvenanceSynthetic}
}

type panickingSynth struct{}

func (panickingSynth) Synthesize(context.Context, string, retrieval.NewsResult, retrieval.FinancialResult) synthesis.Report {
	panic("shape mismatch")
}

func twoSources() retrieval.NewsResult {
	return retrieval.NewsResult{Provenance: retrieval.ProvenancePrimary, Items: []retrieval.NewsItem{
		{Title: "One", URL: "https://a.example.com/1"},
		{Title: "Two", URL: "https://b.example.com/2"},
	}}
}

func newRunner(t *testing.T, news NewsRetriever, fin FinancialRetriever, synth Synthesizer) *Runner {
	logger := zaptest.NewLogger(t)
	if synth == nil {
		synth = synthesis.New(nil, 10, logger)
	}
	return NewRunner(planner.New(nil, nil, config.MissingIdentifierOmit, logger), news, fin, synth, Config{MinSources: 2}, logger)
}

func assertStrictSeq(t *testing.T, events []Event) {
	t.Helper()
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq, "event %d (%s)", i, ev.Type)
	}
}

func TestSequentialJoinOrderIgnoresCompletionOrder(t *testing.T) {
	// Financial completes immediately; news is slow. Events still follow news first.
	news := &slowNews{delay: 50 * time.Millisecond, result: twoSources()}
	fin := &instantFinancial{}
	rec := &recorder{}

	res := newRunner(t, news, fin, nil).Run(context.Background(), "s1", "Tell me about Acme Corp (ACM)", ModeSequential, rec)

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{
		"task_planned",
		"agent_started:NewsResearcher",
		"agent_started:FinancialAnalyst",
		"agent_output:NewsResearcher",
		"agent_finished:NewsResearcher",
		"agent_output:FinancialAnalyst",
		"agent_finished:FinancialAnalyst",
		"agent_started:ReportWriter",
		"agent_output:ReportWriter",
		"agent_finished:ReportWriter",
		"final_report",
		"run_finished",
	}, rec.trace())
	assertStrictSeq(t, rec.events)
	assert.Equal(t, uint64(12), res.Events)
	assert.Equal(t, 1, fin.calls)

	planned := rec.events[0].Payload.(TaskPlannedPayload)
	require.Len(t, planned.Tasks, 3)
	assert.Equal(t, "ACM", *planned.Plan.Identifier)

	final := rec.events[10].Payload.(FinalReportPayload)
	assert.Len(t, final.Sources, 2)
	assert.Contains(t, final.Markdown, "# Market Research Memo: Acme Corp")

	done := rec.events[11].Payload.(RunFinishedPayload)
	assert.GreaterOrEqual(t, done.ElapsedS, 0.05)
}

func TestHierarchicalNarrative(t *testing.T) {
	t.Run("Validation passes", func(t *testing.T) {
		rec := &recorder{}
		res := newRunner(t, &slowNews{result: twoSources()}, &instantFinancial{}, nil).
			Run(context.Background(), "s2", "Tell me about Acme Corp (ACM)", ModeHierarchical, rec)
		require.NoError(t, res.Err)

		assert.Equal(t, []string{
			"task_planned",
			"agent_started:Manager",
			"agent_output:Manager",
			"agent_started:NewsResearcher",
			"agent_started:FinancialAnalyst",
			"agent_output:NewsResearcher",
			"agent_finished:NewsResearcher",
			"agent_output:FinancialAnalyst",
			"agent_finished:FinancialAnalyst",
			"agent_output:Manager",
			"agent_finished:Manager",
			"agent_started:ReportWriter",
			"agent_output:ReportWriter",
			"agent_finished:ReportWriter",
			"final_report",
			"run_finished",
		}, rec.trace())

		planned := rec.events[0].Payload.(TaskPlannedPayload)
		require.Len(t, planned.Tasks, 4)
		assert.Equal(t, agents.Manager, planned.Tasks[0].Agent)
		assert.Len(t, planned.Plan.Tasks, 3)

		verdict := rec.events[9].Payload.(AgentOutputPayload)
		assert.Equal(t, "Validation passed.", verdict.Content)
	})

	t.Run("Validation incomplete never blocks", func(t *testing.T) {
		rec := &recorder{}
		res := newRunner(t, retrieval.NewNewsChain(nil, time.Second, zap.NewNop()), &instantFinancial{}, nil).
			Run(context.Background(), "s3", "Tell me about Acme Corp (ACM)", ModeHierarchical, rec)
		require.NoError(t, res.Err)

		verdict := rec.events[9].Payload.(AgentOutputPayload)
		assert.Contains(t, verdict.Content, "Validation incomplete")
		assert.Equal(t, 1, verdict.Data.(map[string]interface{})["sources_found"])
		assert.Equal(t, EventFinalReport, rec.events[len(rec.events)-2].Type)
	})
}

func TestPlaceholderRunCitesMock(t *testing.T) {
	logger := zaptest.NewLogger(t)
	runner := NewRunner(
		planner.New(nil, nil, config.MissingIdentifierOmit, logger),
		retrieval.NewNewsChain(nil, time.Second, logger),
		retrieval.NewFinancialChain(retrieval.FinancialChainConfig{SyntheticFallback: true}, logger),
		synthesis.New(nil, 10, logger),
		Config{}, logger,
	)
	rec := &recorder{}
	res := runner.Run(context.Background(), "a", "Tell me about Acme Corp (ACM)", ModeSequential, rec)
	require.NoError(t, res.Err)

	require.NotNil(t, res.Plan)
	assert.Equal(t, "Acme Corp", res.Plan.Subject)
	assert.Equal(t, "ACM", *res.Plan.Identifier)
	assert.Len(t, res.Plan.Tasks, 3)

	require.NotNil(t, res.Report)
	assert.Contains(t, res.Report.Markdown, "## Sources\n- (Mock) Tavily disabled: https://tavily.com\n")
	require.Len(t, res.Report.Sources, 1)
}

func TestNoIdentifierOmitsFinancialTask(t *testing.T) {
	fin := &instantFinancial{}
	rec := &recorder{}
	res := newRunner(t, &slowNews{result: twoSources()}, fin, nil).
		Run(context.Background(), "b", "quarterly outlook for widgets", ModeSequential, rec)
	require.NoError(t, res.Err)

	assert.Equal(t, 0, fin.calls)
	assert.Equal(t, "quarterly outlook for widgets", res.Plan.Subject)
	assert.NotContains(t, rec.trace(), "agent_started:FinancialAnalyst")
	assert.Len(t, res.Plan.Tasks, 2)
}

func TestRateLimitedPrimaryStillReports(t *testing.T) {
	av := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute."}`))
	}))
	defer av.Close()
	yahoo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer yahoo.Close()

	logger := zaptest.NewLogger(t)
	chain := retrieval.NewFinancialChain(retrieval.FinancialChainConfig{
		Primary: retrieval.NewAlphaVantageProvider("key", av.URL, 600, 30,
			circuitbreaker.NewHTTPWrapper(av.Client(), "alphavantage-"+t.Name(), "retrieval", circuitbreaker.ProviderDefaults, logger), logger),
		Secondary: retrieval.NewYahooChartProvider(yahoo.URL, 30,
			circuitbreaker.NewHTTPWrapper(yahoo.Client(), "yahoo-"+t.Name(), "retrieval", circuitbreaker.ProviderDefaults, logger)),
		SyntheticFallback: true,
		PrimaryTimeout:    2 * time.Second,
		SecondaryTimeout:  2 * time.Second,
	}, logger)

	rec := &recorder{}
	res := newRunner(t, &slowNews{result: twoSources()}, chain, nil).
		Run(context.Background(), "c", "Tell me about Acme Corp (ACM)", ModeSequential, rec)
	require.NoError(t, res.Err)

	var finOut *AgentOutputPayload
	for _, ev := range rec.events {
		if p, ok := ev.Payload.(AgentOutputPayload); ok && p.Agent == agents.FinancialAnalyst {
			finOut = &p
		}
	}
	require.NotNil(t, finOut)
	fr := finOut.Data.(retrieval.FinancialResult)
	assert.Contains(t, []retrieval.Provenance{retrieval.ProvenancePartialReal, retrieval.ProvenanceSynthetic}, fr.Provenance)
	assert.Contains(t, rec.trace(), "final_report")
}

func TestCallerDisconnectStopsRun(t *testing.T) {
	news := &slowNews{release: make(chan struct{}), result: twoSources()}
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel once the run is parked on the news join, then let news finish.
	go func() {
		for {
			if len(rec.trace()) >= 3 {
				cancel()
				close(news.release)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res := newRunner(t, news, &instantFinancial{}, nil).Run(ctx, "d", "Tell me about Acme Corp (ACM)", ModeSequential, rec)

	assert.True(t, res.Cancelled)
	assert.NoError(t, res.Err)
	assert.Nil(t, res.Report)
	assert.Equal(t, []string{
		"task_planned",
		"agent_started:NewsResearcher",
		"agent_started:FinancialAnalyst",
		"run_finished",
	}, rec.trace())
	assertStrictSeq(t, rec.events)
}

func TestOrchestrationFaultEmitsSingleError(t *testing.T) {
	t.Run("Panic", func(t *testing.T) {
		rec := &recorder{}
		res := newRunner(t, &slowNews{result: twoSources()}, &instantFinancial{}, panickingSynth{}).
			Run(context.Background(), "e", "Tell me about Acme Corp (ACM)", ModeSequential, rec)

		require.Error(t, res.Err)
		assert.Equal(t, StateFailed, res.State)
		trace := rec.trace()
		assert.Equal(t, "error", trace[len(trace)-2])
		assert.Equal(t, "run_finished", trace[len(trace)-1])
		assert.NotContains(t, trace, "final_report")
		assert.Contains(t, rec.events[len(rec.events)-2].Payload.(ErrorPayload).Message, "shape mismatch")
	})

	t.Run("Sink failure", func(t *testing.T) {
		rec := &recorder{failOn: EventFinalReport}
		res := newRunner(t, &slowNews{result: twoSources()}, &instantFinancial{}, nil).
			Run(context.Background(), "f", "Tell me about Acme Corp (ACM)", ModeSequential, rec)

		require.Error(t, res.Err)
		trace := rec.trace()
		assert.Equal(t, []string{"error", "run_finished"}, trace[len(trace)-2:])
		assert.Nil(t, res.Report)
	})
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Hierarchical ")
	require.NoError(t, err)
	assert.Equal(t, ModeHierarchical, m)

	_, err = ParseMode("parallel")
	assert.Error(t, err)
}
