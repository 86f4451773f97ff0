package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrPayload marks a webhook body that failed schema validation. Detectable
// with errors.Is.
var ErrPayload = errors.New("payload validation failed")

// The gateway's webhook body: an event name plus an event-specific data
// object. Unknown extra fields are allowed everywhere; gateways add fields
// without notice.
var envelopeSchema = jsonschema.MustCompileString("webhook-envelope.json", `{
	"type": "object",
	"required": ["event", "data"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"data": {"type": "object"}
	}
}`)

// charge.* events identify the payment by the reference we handed the
// gateway at initialization.
var chargeSchema = jsonschema.MustCompileString("webhook-charge.json", `{
	"type": "object",
	"required": ["reference", "status"],
	"properties": {
		"reference": {"type": "string", "minLength": 1},
		"status": {"type": "string"},
		"amount": {"type": "integer", "minimum": 0}
	}
}`)

// transfer.* events carry the transfer code, the reference we set at
// initiation, or both.
var transferSchema = jsonschema.MustCompileString("webhook-transfer.json", `{
	"type": "object",
	"required": ["status"],
	"properties": {
		"transfer_code": {"type": "string", "minLength": 1},
		"reference": {"type": "string", "minLength": 1},
		"status": {"type": "string"},
		"amount": {"type": "integer", "minimum": 0}
	},
	"anyOf": [
		{"required": ["transfer_code"]},
		{"required": ["reference"]}
	]
}`)

func validateAgainst(schema *jsonschema.Schema, raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrPayload, err)
	}
	return nil
}
