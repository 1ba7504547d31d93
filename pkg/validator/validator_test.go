package validator

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whydecision/gateway/pkg/model"
)

var bundleFixture = model.Bundle{
	Anchor: model.Anchor{ID: "panasonic-exit-plasma-2012"},
	Events: []model.Event{{ID: "lcd-price-drop-2011", Summary: "LCD panel prices dropped"}},
	Transitions: model.TransitionSet{
		Preceding:  []model.Transition{{ID: "panasonic-plasma-launch-2005"}},
		Succeeding: []model.Transition{{ID: "panasonic-lcd-pivot-2013"}},
	},
	AllowedIDs: []string{
		"panasonic-exit-plasma-2012",
		"lcd-price-drop-2011",
		"panasonic-plasma-launch-2005",
		"panasonic-lcd-pivot-2013",
	},
}

func TestRepair_CleanAnswerUnchanged(t *testing.T) {
	answer := model.Answer{
		ShortAnswer: "Panasonic exited plasma manufacturing as LCD costs fell.",
		SupportingIDs: []string{
			"panasonic-exit-plasma-2012",
			"lcd-price-drop-2011",
			"panasonic-plasma-launch-2005",
			"panasonic-lcd-pivot-2013",
		},
	}
	out, flags, report := Repair(answer, bundleFixture, false, nil)
	assert.False(t, report.Changed)
	assert.Empty(t, report.Codes)
	assert.Equal(t, answer.SupportingIDs, out.SupportingIDs)
	assert.Equal(t, 1, flags.EventCount)
	assert.True(t, flags.HasPreceding)
	assert.True(t, flags.HasSucceeding)
}

func TestRepair_RemovesInvalidAndAddsMissingAnchor(t *testing.T) {
	answer := model.Answer{
		ShortAnswer:   "Answer citing a bogus id.",
		SupportingIDs: []string{"not-an-allowed-id", "lcd-price-drop-2011"},
	}
	out, _, report := Repair(answer, bundleFixture, false, nil)

	assert.Contains(t, report.Codes, CodeSupportingIDsRemovedInvalid)
	assert.Contains(t, report.Codes, CodeSupportingIDsMissingAnchor)
	assert.Contains(t, report.Codes, CodeSupportingIDsMissingTransition)
	assert.NotContains(t, out.SupportingIDs, "not-an-allowed-id")
	assert.Equal(t, "panasonic-exit-plasma-2012", out.SupportingIDs[0])
	assert.True(t, report.FallbackNeeded())
}

func TestRepair_CiteAllIDsEnforced(t *testing.T) {
	answer := model.Answer{
		ShortAnswer:   "Partial citation.",
		SupportingIDs: []string{"panasonic-exit-plasma-2012"},
	}
	out, _, report := Repair(answer, bundleFixture, true, nil)

	assert.Contains(t, report.Codes, CodeSupportingIDsEnforcedCiteAllIDs)
	assert.ElementsMatch(t, bundleFixture.AllowedIDs, out.SupportingIDs)
}

func TestRepair_ShortAnswerTruncated(t *testing.T) {
	long := ""
	for i := 0; i < shortAnswerMaxLen+50; i++ {
		long += "a"
	}
	answer := model.Answer{ShortAnswer: long, SupportingIDs: bundleFixture.AllowedIDs}
	out, _, report := Repair(answer, bundleFixture, false, nil)

	assert.Contains(t, report.Codes, CodeShortAnswerTruncated)
	assert.LessOrEqual(t, len(out.ShortAnswer), shortAnswerMaxLen)
	assert.True(t, len(out.ShortAnswer) >= 3)
}

func TestRepair_ShortAnswerTruncated_MultibyteRunesCountedNotBytes(t *testing.T) {
	long := ""
	for i := 0; i < shortAnswerMaxLen+50; i++ {
		long += "日" // 3 bytes per rune in UTF-8
	}
	answer := model.Answer{ShortAnswer: long, SupportingIDs: bundleFixture.AllowedIDs}
	out, _, report := Repair(answer, bundleFixture, false, nil)

	assert.Contains(t, report.Codes, CodeShortAnswerTruncated)
	assert.LessOrEqual(t, utf8.RuneCountInString(out.ShortAnswer), shortAnswerMaxLen)
}

func TestRepair_CompletenessMismatchFromSuppliedFlags(t *testing.T) {
	answer := model.Answer{ShortAnswer: "ok", SupportingIDs: bundleFixture.AllowedIDs}
	supplied := &model.CompletenessFlags{EventCount: 99, HasPreceding: false, HasSucceeding: false}

	out, flags, report := Repair(answer, bundleFixture, false, supplied)
	assert.Contains(t, report.Codes, CodeCompletenessEventCountMismatch)
	assert.Equal(t, 1, flags.EventCount)
	assert.Equal(t, answer.SupportingIDs, out.SupportingIDs)
}

func TestDecodeRaw_CanonicalizesAndDecodes(t *testing.T) {
	raw := []byte(`{"b": 2, "a": 1}`)
	m, canon, err := DecodeRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, float64(1), m["a"])
	assert.Equal(t, float64(2), m["b"])
	assert.NotEmpty(t, canon)
}

func TestDecodeRaw_InvalidJSON(t *testing.T) {
	_, _, err := DecodeRaw([]byte(`not json`))
	assert.Error(t, err)
}

func TestToAnswer_IgnoresUnknownFields(t *testing.T) {
	raw := map[string]any{
		"short_answer":   "hello",
		"supporting_ids": []any{"a", "b"},
		"extra_field":    "ignored",
	}
	a := ToAnswer(raw)
	assert.Equal(t, "hello", a.ShortAnswer)
	assert.Equal(t, []string{"a", "b"}, a.SupportingIDs)
}

func TestExtractCompleteness_AbsentReturnsNil(t *testing.T) {
	assert.Nil(t, ExtractCompleteness(map[string]any{"short_answer": "x"}))
}

func TestExtractCompleteness_Present(t *testing.T) {
	raw := map[string]any{
		"completeness_flags": map[string]any{
			"event_count":    float64(3),
			"has_preceding":  true,
			"has_succeeding": false,
		},
	}
	cf := ExtractCompleteness(raw)
	require.NotNil(t, cf)
	assert.Equal(t, 3, cf.EventCount)
	assert.True(t, cf.HasPreceding)
}

func TestDropNonEvents(t *testing.T) {
	raw := []any{
		map[string]any{"id": "e1", "summary": "fine"},
		map[string]any{"id": "", "summary": "missing id"},
		"not even a map",
	}
	kept, dropped := DropNonEvents(raw)
	require.Len(t, kept, 1)
	assert.Equal(t, "e1", kept[0].ID)
	assert.True(t, dropped)
}
