package agents

import "testing"

func TestTitlesIncludeSubject(t *testing.T) {
	if got := FinancialTitle("Acme Corp", "ACM"); got != "Pull recent stock/financial overview for Acme Corp (symbol: ACM)." {
		t.Fatalf("unexpected title: %s", got)
	}
}
