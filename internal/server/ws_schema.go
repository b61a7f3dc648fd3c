package server

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("ws_request", wsRequestSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.request = reqSchema

		methods := map[string]string{
			"ping":                 wsEmptyParamsSchema,
			"chat.send":            wsChatSendSchema,
			"chat.subscribe":       wsConversationRefSchema,
			"chat.cancel":          wsConversationRefSchema,
			"chat.history":         wsHistorySchema,
			"conversations.create": wsEmptyParamsSchema,
			"conversations.list":   wsEmptyParamsSchema,
			"approvals.list":       wsEmptyParamsSchema,
			"approvals.resolve":    wsApprovalResolveSchema,
		}

		wsSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("ws_method_"+name, schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.methods[name] = compiled
		}
	})
	return wsSchemas.initErr
}

func validateWSRequestFrame(raw []byte, frame *wsFrame) error {
	if err := initWSSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := wsSchemas.request.Validate(payload); err != nil {
		return err
	}
	if schema := wsSchemas.methods[frame.Method]; schema != nil {
		var params any
		if len(frame.Params) == 0 {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
		if err := schema.Validate(params); err != nil {
			return err
		}
	}
	return nil
}

const wsRequestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const wsEmptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const wsChatSendSchema = `{
  "type": "object",
  "required": ["conversation_id", "content"],
  "properties": {
    "conversation_id": { "type": "string", "minLength": 1 },
    "content": { "type": "string", "minLength": 1 },
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": { "type": "string" },
          "type": { "type": "string" },
          "url": { "type": "string" },
          "filename": { "type": "string" },
          "mime_type": { "type": "string" },
          "size": { "type": "integer" }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`

const wsConversationRefSchema = `{
  "type": "object",
  "required": ["conversation_id"],
  "properties": {
    "conversation_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const wsHistorySchema = `{
  "type": "object",
  "required": ["conversation_id"],
  "properties": {
    "conversation_id": { "type": "string", "minLength": 1 },
    "from": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const wsApprovalResolveSchema = `{
  "type": "object",
  "required": ["request_id", "decision"],
  "properties": {
    "request_id": { "type": "string", "minLength": 1 },
    "decision": { "enum": ["approve", "deny"] }
  },
  "additionalProperties": true
}`
