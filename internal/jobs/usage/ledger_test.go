package usage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerAggregatesPerResource(t *testing.T) {
	l := NewLedger()
	jobID := uuid.New()

	l.Add(jobID, "", 100, 20, false)
	l.Add(jobID, "https://a.example", 50, 10, false)
	l.Add(jobID, "https://a.example", 40, 5, true)
	l.Add(uuid.New(), "https://a.example", 999, 999, false)

	sum := l.Summary(jobID)
	require.Len(t, sum.Resources, 2)
	assert.Equal(t, 3, sum.Total.Calls)
	assert.Equal(t, 190, sum.Total.PromptTokens)
	assert.Equal(t, 35, sum.Total.CompletionTokens)
	assert.True(t, sum.Total.Estimated)

	a := sum.Resources[1]
	assert.Equal(t, "https://a.example", a.ResourceKey)
	assert.Equal(t, 2, a.Calls)
	assert.Equal(t, 105, a.Total())

	l.Forget(jobID)
	assert.Empty(t, l.Summary(jobID).Resources)
}

func TestEstimateTokensNonZero(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Greater(t, EstimateTokens("collect the latest release notes"), 0)
}
