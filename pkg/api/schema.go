package api

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// submitSchema constrains the submission envelope. Semantic checks
// (deadline in the future, tenant budget) happen at admission.
const submitSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tenantId", "payload"],
	"properties": {
		"id": {"type": "string"},
		"tenantId": {"type": "string", "minLength": 1},
		"sessionId": {"type": "string"},
		"payload": {"type": "string", "minLength": 1},
		"priority": {"enum": ["critical", "high", "normal", "low"]},
		"deadline": {"type": "string"},
		"capabilities": {"type": "array", "items": {"type": "string"}},
		"region": {"type": "string"},
		"runtimeKinds": {
			"type": "array",
			"items": {"enum": ["host-sandbox", "microvm", "remote-sandbox", "container"]}
		},
		"budgetCeiling": {"type": "number", "minimum": 0},
		"budgetOverride": {"type": "boolean"},
		"correlationId": {"type": "string"},
		"retryPolicy": {
			"type": "object",
			"required": ["maxAttempts"],
			"properties": {
				"maxAttempts": {"type": "integer", "minimum": 1},
				"baseDelayMs": {"type": "integer", "minimum": 0},
				"maxDelayMs": {"type": "integer", "minimum": 0},
				"backoff": {"enum": ["fixed", "linear", "exponential"]},
				"jitterPct": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}
	},
	"additionalProperties": false
}`

// SubmitValidator validates submission envelopes against the JSON schema
type SubmitValidator struct {
	schema *jsonschema.Schema
}

// NewSubmitValidator compiles the submission schema
func NewSubmitValidator() (*SubmitValidator, error) {
	var doc any
	if err := json.Unmarshal([]byte(submitSchema), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse submit schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submit.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add submit schema: %w", err)
	}
	schema, err := compiler.Compile("submit.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile submit schema: %w", err)
	}
	return &SubmitValidator{schema: schema}, nil
}

// Validate checks a raw submission body against the schema
func (v *SubmitValidator) Validate(body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return faults.Wrap(faults.KindInvalidInput, err, "submission is not valid JSON")
	}
	if err := v.schema.Validate(doc); err != nil {
		return faults.Wrap(faults.KindInvalidInput, err, "submission failed validation")
	}
	return nil
}
