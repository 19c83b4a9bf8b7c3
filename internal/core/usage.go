package core

// TokenUsage tracks token consumption as reported by the model provider.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
}

// Total returns the sum of all token counters.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// Add accumulates another usage report into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// IsZero reports whether no tokens were recorded.
func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}

// CacheImpact describes what prompt caching saved on a single provider call.
// The numbers are derived for observability and never feed back into the
// raw token counters.
type CacheImpact struct {
	PotentialCost int `json:"potential_cost"`
	ActualCost    int `json:"actual_cost"`
	Savings       int `json:"savings"`
}

// ComputeCacheImpact derives the cache impact of a provider usage report.
// The potential cost is what the call would have cost without caching; the
// actual cost is what the cache charged (creation plus read tokens).
func ComputeCacheImpact(reported TokenUsage) CacheImpact {
	potential := reported.InputTokens
	actual := reported.CacheReadTokens + reported.CacheCreationTokens
	savings := potential - actual
	if savings < 0 {
		savings = 0
	}
	return CacheImpact{
		PotentialCost: potential,
		ActualCost:    actual,
		Savings:       savings,
	}
}
