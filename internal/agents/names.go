package agents

import "fmt"

// Agent identifiers attached to workflow events. The set is closed: runners
// must not invent new names, the session sink and the UI key on these.
const (
	NewsResearcher   = "NewsResearcher"
	FinancialAnalyst = "FinancialAnalyst"
	ReportWriter     = "ReportWriter"
	// Manager only appears in hierarchical runs.
	Manager = "Manager"
)

// NewsTitle is the human-readable title of the news research task.
func NewsTitle(subject string) string {
	return fmt.Sprintf("Find latest news, press releases, and product launches for %s.", subject)
}

// FinancialTitle is the human-readable title of the financial overview task.
func FinancialTitle(subject, identifier string) string {
	return fmt.Sprintf("Pull recent stock/financial overview for %s (symbol: %s).", subject, identifier)
}

// ReportTitle is the human-readable title of the synthesis task.
func ReportTitle(subject string) string {
	return fmt.Sprintf("Write a final business memo synthesizing findings about %s.", subject)
}

// ManagerTitle is the title of the supervising task in hierarchical runs.
const ManagerTitle = "Create plan and delegate to specialists."
