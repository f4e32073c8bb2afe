package schema

import "github.com/signet-gw/gateway/pkg/transform"

const openaiInvoiceSourceSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["invoice_id", "amount", "currency"],
  "properties": {
    "invoice_id":     {"type": "string"},
    "amount":         {"type": "number"},
    "currency":       {"type": "string"},
    "customer_name":  {"type": "string"},
    "description":    {"type": "string"}
  }
}`

const iso20022InvoiceTargetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["invoice_id", "amount"],
  "properties": {
    "invoice_id": {"type": "string"},
    "amount": {
      "type": "object",
      "required": ["minor", "currency"],
      "properties": {
        "minor":    {"type": "integer"},
        "currency": {"type": "string"}
      }
    },
    "customer_name": {"type": "string"},
    "description":   {"type": "string"}
  }
}`

// DefaultRoutes returns the gateway's built-in payload_type/target_type
// routes. openai.tooluse.invoice.v1 -> invoice.iso20022.v1 is the
// concrete scenario walked end-to-end: a tool call whose
// function.arguments carries the invoice fields as a JSON-encoded
// string, remapped onto an ISO 20022-shaped invoice with the amount
// expressed in minor units.
func DefaultRoutes() []RouteDef {
	return []RouteDef{
		{
			PayloadType:      "openai.tooluse.invoice.v1",
			TargetType:       "invoice.iso20022.v1",
			ArgsPath:         "tool_calls[0].function.arguments",
			SourceSchemaJSON: openaiInvoiceSourceSchema,
			TargetSchemaJSON: iso20022InvoiceTargetSchema,
			MinEngineVersion: "1.0.0",
			Mapping: transform.Mapping{
				Assign: map[string]string{
					"invoice_id":      "invoice_id",
					"amount.minor":    "to_minor(amount, currency)",
					"amount.currency": "currency",
					"customer_name":   "customer_name",
					"description":     "description",
				},
			},
		},
	}
}
