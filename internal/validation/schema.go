package validation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// conversationIDPattern accepts ULIDs (store ids) and UUIDs.
const conversationIDPattern = `^([0-9A-HJKMNP-TV-Z]{26}|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`

func requestSchema(maxChars, maxHistory int) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"message"},
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "minLength": 1, "maxLength": maxChars},
			"conversation_id": map[string]any{
				"type":    "string",
				"pattern": conversationIDPattern,
			},
			"messages": map[string]any{
				"type":     "array",
				"maxItems": maxHistory,
				"items": map[string]any{
					"type":     "object",
					"required": []string{"role", "content"},
					"properties": map[string]any{
						"role":    map[string]any{"enum": []string{"user", "assistant"}},
						"content": map[string]any{"type": "string", "maxLength": maxChars},
					},
				},
			},
			"model":         map[string]any{"type": "string", "maxLength": 128},
			"maxTokens":     map[string]any{"type": "integer", "minimum": 1, "maximum": 64000},
			"temperature":   map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"topP":          map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"systemPrompt":  map[string]any{"type": "string", "maxLength": maxChars},
			"stopSequences": map[string]any{"type": "array", "maxItems": 4, "items": map[string]any{"type": "string", "minLength": 1}},
			"stream":        map[string]any{"type": "boolean"},
		},
	}
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	if err := c.AddResource("chat_request.json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile("chat_request.json")
}

// schemaReason turns a validation error into a short client-safe reason.
func schemaReason(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		field := leaf.InstanceLocation
		if field == "" {
			field = "body"
		}
		return fmt.Sprintf("%s: %s", field, leaf.Message)
	}
	return "request body is invalid"
}
