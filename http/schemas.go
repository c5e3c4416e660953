package http

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// requestSchema is the shape shared by /verify and /settle bodies. The
// payment itself arrives as a structured paymentPayload object, as a
// base64 paymentPayload string, or as a base64 paymentHeader string from
// older clients.
const requestSchema = `{
	"type": "object",
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"paymentPayload": {"type": ["object", "string"], "minLength": 1},
		"paymentHeader": {"type": "string", "minLength": 1},
		"paymentRequirements": {
			"type": "object",
			"properties": {
				"scheme": {"type": "string"},
				"network": {"type": "string", "minLength": 1},
				"asset": {"type": "string"},
				"payTo": {"type": "string"},
				"maxAmountRequired": {"type": "string"},
				"amount": {"type": "string"}
			},
			"required": ["network"]
		}
	},
	"required": ["paymentRequirements"],
	"anyOf": [
		{"required": ["paymentPayload"]},
		{"required": ["paymentHeader"]}
	]
}`

var compiledRequestSchema = gojsonschema.NewStringLoader(requestSchema)

// validateRequestBody checks a raw /verify or /settle body against the
// request schema and returns a single joined message on failure.
func validateRequestBody(body []byte) error {
	result, err := gojsonschema.Validate(compiledRequestSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid request body: %s", strings.Join(msgs, "; "))
}
