package provider

import "sync"

// Tally accumulates usage for an adapter. The zero value is ready to use and
// safe for concurrent use.
type Tally struct {
	mu     sync.Mutex
	totals Totals
}

// Add records tokens at the given price per 1000 tokens.
func (t *Tally) Add(tokens int, costPer1K float64) {
	if tokens <= 0 {
		return
	}
	t.mu.Lock()
	t.totals.Tokens += int64(tokens)
	t.totals.CostUSD += Cost(tokens, costPer1K)
	t.mu.Unlock()
}

// Snapshot returns the running totals.
func (t *Tally) Snapshot() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// Sum adds every snapshot into one.
func Sum(snapshots ...Totals) Totals {
	var out Totals
	for _, s := range snapshots {
		out.Tokens += s.Tokens
		out.CostUSD += s.CostUSD
	}
	return out
}
