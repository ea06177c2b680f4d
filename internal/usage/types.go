package usage

import "time"

// Data is the root structure persisted to .meshnerd/usage.json.
type Data struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by dimension.
type AggregatedStats struct {
	Total       TokenCounts            `json:"total"`
	ByProvider  map[string]TokenCounts `json:"by_provider"`
	ByModel     map[string]TokenCounts `json:"by_model"`
	ByOperation map[string]TokenCounts `json:"by_operation"` // generate, api
	ByDay       map[string]TokenCounts `json:"by_day"`       // YYYY-MM-DD
}

// TokenCounts holds request and token sums.
type TokenCounts struct {
	Requests int64 `json:"requests"`
	Input    int64 `json:"input"`
	Output   int64 `json:"output"`
	Total    int64 `json:"total"`
}

// Add accumulates one model round trip.
func (tc *TokenCounts) Add(input, output int64) {
	tc.Requests++
	tc.Input += input
	tc.Output += output
	tc.Total += input + output
}
