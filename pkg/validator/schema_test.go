package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSchema_Valid(t *testing.T) {
	raw := map[string]any{
		"short_answer":   "A concise answer.",
		"supporting_ids": []any{"anchor-1"},
	}
	assert.NoError(t, ValidateSchema(raw))
}

func TestValidateSchema_MissingRequiredField(t *testing.T) {
	raw := map[string]any{"short_answer": "no supporting ids"}
	assert.Error(t, ValidateSchema(raw))
}

func TestValidateSchema_WrongType(t *testing.T) {
	raw := map[string]any{
		"short_answer":   "ok",
		"supporting_ids": "should be an array, not a string",
	}
	assert.Error(t, ValidateSchema(raw))
}
