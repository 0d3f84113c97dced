package embedding

import (
	"sync"
	"unicode/utf8"
)

// Usage is a point-in-time copy of a CostLedger.
type Usage struct {
	Tokens   int64   `json:"tokens" yaml:"tokens"`
	Requests int64   `json:"requests" yaml:"requests"`
	CostUSD  float64 `json:"cost_usd" yaml:"cost_usd"`
}

// CostLedger accumulates estimated token usage and cost of remote embedding
// calls. It is process-local and never persisted. Safe for concurrent use.
type CostLedger struct {
	mu         sync.Mutex
	pricePer1K float64
	usage      Usage
}

// NewCostLedger creates a ledger billing pricePer1K USD per thousand tokens.
func NewCostLedger(pricePer1K float64) *CostLedger {
	return &CostLedger{pricePer1K: pricePer1K}
}

// Record accounts for one successful remote request covering texts.
func (l *CostLedger) Record(texts []string) {
	var tokens int64
	for _, t := range texts {
		tokens += int64(EstimateTokens(t))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage.Tokens += tokens
	l.usage.Requests++
	l.usage.CostUSD += float64(tokens) / 1000 * l.pricePer1K
}

// Usage returns the running totals.
func (l *CostLedger) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage
}

// EstimateTokens approximates the token count of text as characters / 4,
// with a floor of one token for non-empty text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	if n < 4 {
		return 1
	}
	return n / 4
}
