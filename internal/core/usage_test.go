package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenUsageAddAndTotal(t *testing.T) {
	usage := TokenUsage{InputTokens: 10, OutputTokens: 20}
	usage.Add(TokenUsage{InputTokens: 5, CacheCreationTokens: 3, CacheReadTokens: 2})

	assert.Equal(t, 15, usage.InputTokens)
	assert.Equal(t, 20, usage.OutputTokens)
	assert.Equal(t, 3, usage.CacheCreationTokens)
	assert.Equal(t, 2, usage.CacheReadTokens)
	assert.Equal(t, 40, usage.Total())
}

func TestTokenUsageIsZero(t *testing.T) {
	assert.True(t, TokenUsage{}.IsZero())
	assert.False(t, TokenUsage{OutputTokens: 1}.IsZero())
}

func TestComputeCacheImpact(t *testing.T) {
	tests := []struct {
		name     string
		reported TokenUsage
		want     CacheImpact
	}{
		{
			name:     "no caching",
			reported: TokenUsage{InputTokens: 1000},
			want:     CacheImpact{PotentialCost: 1000, ActualCost: 0, Savings: 1000},
		},
		{
			name:     "cache hit saves tokens",
			reported: TokenUsage{InputTokens: 5000, CacheReadTokens: 3000, CacheCreationTokens: 500},
			want:     CacheImpact{PotentialCost: 5000, ActualCost: 3500, Savings: 1500},
		},
		{
			name:     "savings floored at zero",
			reported: TokenUsage{InputTokens: 100, CacheReadTokens: 2000, CacheCreationTokens: 400},
			want:     CacheImpact{PotentialCost: 100, ActualCost: 2400, Savings: 0},
		},
		{
			name:     "empty report",
			reported: TokenUsage{},
			want:     CacheImpact{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeCacheImpact(tt.reported))
		})
	}
}
