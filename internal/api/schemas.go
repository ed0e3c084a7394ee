package api

import "marketplace-escrow/internal/common/validation"

var createJobSchema = validation.MustCompile("create_job", `{
	"type": "object",
	"required": ["title"],
	"properties": {
		"title":       {"type": "string", "minLength": 1, "maxLength": 200},
		"description": {"type": "string", "maxLength": 5000},
		"category":    {"type": "string", "maxLength": 100}
	},
	"additionalProperties": false
}`)

var placeBidSchema = validation.MustCompile("place_bid", `{
	"type": "object",
	"required": ["amount_cents"],
	"properties": {
		"amount_cents": {"type": "integer", "minimum": 1},
		"message":      {"type": "string", "maxLength": 2000}
	},
	"additionalProperties": false
}`)

var adminActionSchema = validation.MustCompile("admin_action", `{
	"type": "object",
	"required": ["reason"],
	"properties": {
		"reason": {"type": "string", "minLength": 1, "maxLength": 2000}
	},
	"additionalProperties": false
}`)
