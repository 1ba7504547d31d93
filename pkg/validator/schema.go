package validator

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// answerSchemaJSON is the JSON-Schema (draft 2020-12) the raw LLM
// output must satisfy before the validator even attempts the
// contract-level repair passes. It only checks shape (types, required
// fields, short_answer length) — the semantic rules (allowed_ids
// membership, anchor citation, transition citation) are enforced by
// the repair pass in validator.go, since those require the bundle as
// context the schema alone doesn't have.
const answerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["short_answer", "supporting_ids"],
  "properties": {
    "short_answer": {"type": "string", "maxLength": 320},
    "supporting_ids": {
      "type": "array",
      "items": {"type": "string"}
    }
  },
  "additionalProperties": true
}`

var answerSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://whydecision.dev/schemas/answer.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(answerSchemaJSON)); err != nil {
		panic(fmt.Sprintf("validator: failed to load answer schema: %v", err))
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("validator: failed to compile answer schema: %v", err))
	}
	answerSchema = compiled
}

// ValidateSchema checks raw (a decoded JSON object, e.g.
// map[string]any) against the Answer schema. A nil error means the
// shape is acceptable; repair still runs afterward to enforce the
// semantic contract.
func ValidateSchema(raw map[string]any) error {
	return answerSchema.Validate(raw)
}
