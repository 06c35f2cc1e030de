package protocol

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	byType  map[MessageType]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		sources := map[MessageType]string{
			TypeSystemPong:     pongSchema,
			TypeConnResume:     connResumeSchema,
			TypeMessageSend:    messageSendSchema,
			TypeResponseSubmit: responseSubmitSchema,
			TypeAuditEvents:    auditEventsSchema,
			TypeToolResultIn:   toolResultInSchema,
			TypeFlowStart:      flowControlSchema,
			TypeFlowPause:      flowControlSchema,
			TypeFlowResume:     flowControlSchema,
			TypeFlowCancel:     flowControlSchema,
		}
		schemas.byType = make(map[MessageType]*jsonschema.Schema, len(sources))
		for t, src := range sources {
			compiled, err := jsonschema.CompileString("protocol_"+string(t), src)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.byType[t] = compiled
		}
	})
	return schemas.initErr
}

// validatePayload checks raw against the schema registered for t. A type
// without a schema accepts any payload. Returns the flattened list of
// schema violations, empty on success.
func validatePayload(t MessageType, raw json.RawMessage) []string {
	if err := initSchemas(); err != nil {
		return []string{"schema registry unavailable: " + err.Error()}
	}
	schema := schemas.byType[t]
	if schema == nil {
		return nil
	}

	var payload any
	if len(raw) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(raw, &payload); err != nil {
		return []string{"payload is not valid JSON: " + err.Error()}
	}

	if err := schema.Validate(payload); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return flattenValidationError(ve)
		}
		return []string{err.Error()}
	}
	return nil
}

func flattenValidationError(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, strings.TrimSpace(loc+": "+e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

const pongSchema = `{
  "type": "object",
  "properties": {
    "timestamp": { "type": "integer" }
  },
  "additionalProperties": true
}`

const connResumeSchema = `{
  "type": "object",
  "required": ["conversationId"],
  "properties": {
    "conversationId": { "type": "string", "minLength": 1 },
    "lastMessageId": { "type": "string" },
    "lastItemIndex": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const messageSendSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": { "type": "string", "minLength": 1, "maxLength": 32768 },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": true
}`

const responseSubmitSchema = `{
  "type": "object",
  "required": ["itemId", "widgetId"],
  "properties": {
    "itemId": { "type": "string", "minLength": 1 },
    "widgetId": { "type": "string", "minLength": 1 },
    "value": {},
    "batch": { "type": "boolean" },
    "final": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const auditEventsSchema = `{
  "type": "object",
  "required": ["events"],
  "properties": {
    "events": {
      "type": "array",
      "maxItems": 100,
      "items": {
        "type": "object",
        "required": ["kind", "timestamp"],
        "properties": {
          "kind": { "type": "string", "minLength": 1 },
          "timestamp": { "type": "integer" },
          "detail": { "type": "object" }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`

const toolResultInSchema = `{
  "type": "object",
  "required": ["callId"],
  "properties": {
    "callId": { "type": "string", "minLength": 1 },
    "success": { "type": "boolean" },
    "result": {},
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`

const flowControlSchema = `{
  "type": "object",
  "properties": {
    "reason": { "type": "string" }
  },
  "additionalProperties": true
}`
