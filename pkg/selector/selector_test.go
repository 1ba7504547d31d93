package selector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whydecision/gateway/pkg/model"
)

func bigBundle(n int) model.Bundle {
	events := make([]model.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, model.Event{
			ID:        "event-" + string(rune('a'+i)),
			Summary:   strings.Repeat("x", 400),
			Timestamp: "2020-01-01T00:00:00Z",
		})
	}
	return model.Bundle{
		Anchor: model.Anchor{ID: "anchor-1", Rationale: "because reasons"},
		Events: events,
	}
}

func TestFit_AnchorNeverDropped(t *testing.T) {
	g := NewGate(Config{ContextWindow: 100, GuardTokens: 0, DesiredCompletionTokens: 0})
	bundle := bigBundle(20)

	result := g.Fit("why?", bundle)
	assert.Equal(t, "anchor-1", result.Bundle.Anchor.ID)
	assert.True(t, result.SelectorTruncation)
}

func TestFit_UnderBudgetKeepsEverything(t *testing.T) {
	g := NewGate(Config{ContextWindow: 1_000_000, GuardTokens: 0, DesiredCompletionTokens: 0})
	bundle := model.Bundle{
		Anchor: model.Anchor{ID: "anchor-1"},
		Events: []model.Event{{ID: "e1", Summary: "short"}},
	}

	result := g.Fit("why?", bundle)
	assert.False(t, result.SelectorTruncation)
	assert.Empty(t, result.DroppedEvidenceIDs)
	assert.Len(t, result.Bundle.Events, 1)
}

func TestFit_DeterministicAcrossRuns(t *testing.T) {
	g := NewGate(Config{ContextWindow: 300, GuardTokens: 0, DesiredCompletionTokens: 0})
	bundle := bigBundle(10)

	r1 := g.Fit("why?", bundle)
	r2 := g.Fit("why?", bundle)
	require.Equal(t, r1.DroppedEvidenceIDs, r2.DroppedEvidenceIDs)
	assert.Equal(t, r1.FinalEvidenceCount, r2.FinalEvidenceCount)
}

func TestEstimateTokens_Pure(t *testing.T) {
	a := EstimateTokens("hello world")
	b := EstimateTokens("hello world")
	assert.Equal(t, a, b)
	assert.Greater(t, EstimateTokens(strings.Repeat("x", 400)), EstimateTokens("x"))
}

func TestRankEvents_SameCohortFirst(t *testing.T) {
	events := []model.Event{
		{ID: "other-topic-2020", Timestamp: "2022-01-01T00:00:00Z"},
		{ID: "anchor-older-2019", Timestamp: "2019-01-01T00:00:00Z"},
	}
	ranked := rankEvents("anchor-2021", events)
	assert.Equal(t, "anchor-older-2019", ranked[0].ID, "same cohort must outrank newer unrelated event")
}
