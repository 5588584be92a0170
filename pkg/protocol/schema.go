package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownFrameType is returned for inbound frames whose type is not defined.
var ErrUnknownFrameType = errors.New("unknown frame type")

type schemaRegistry struct {
	once    sync.Once
	initErr error
	base    *jsonschema.Schema
	types   map[string]*jsonschema.Schema
}

var inboundSchemas schemaRegistry

func initSchemas() error {
	inboundSchemas.once.Do(func() {
		base, err := jsonschema.CompileString("frame", frameSchema)
		if err != nil {
			inboundSchemas.initErr = err
			return
		}
		inboundSchemas.base = base

		byType := map[string]string{
			TypeAuth:         authSchema,
			TypeJoinRoom:     roomSchema,
			TypeLeaveRoom:    roomSchema,
			TypeHeartbeatAck: emptySchema,
			TypeRequestSync:  requestSyncSchema,
			TypeAckAlert:     alertRefSchema,
			TypeResolveAlert: alertRefSchema,
		}
		inboundSchemas.types = make(map[string]*jsonschema.Schema, len(byType))
		for name, schema := range byType {
			compiled, err := jsonschema.CompileString("frame_"+name, schema)
			if err != nil {
				inboundSchemas.initErr = err
				return
			}
			inboundSchemas.types[name] = compiled
		}
	})
	return inboundSchemas.initErr
}

// DecodeInbound validates raw against the inbound frame schemas and decodes it.
func DecodeInbound(raw []byte) (Frame, error) {
	if err := initSchemas(); err != nil {
		return Frame{}, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := inboundSchemas.base.Validate(payload); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}

	// The base schema guarantees an object with a string type.
	frameType, _ := payload.(map[string]any)["type"].(string)
	schema, ok := inboundSchemas.types[frameType]
	if !ok {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrameType, frameType)
	}
	if err := schema.Validate(payload); err != nil {
		return Frame{}, fmt.Errorf("invalid %s frame: %w", frameType, err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode %s frame: %w", frameType, err)
	}
	return frame, nil
}

const frameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const authSchema = `{
  "type": "object",
  "required": ["token"],
  "properties": {
    "token": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const roomSchema = `{
  "type": "object",
  "required": ["room"],
  "properties": {
    "room": { "type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9_-]+:[A-Za-z0-9_.@-]+$" }
  },
  "additionalProperties": true
}`

const emptySchema = `{
  "type": "object",
  "additionalProperties": true
}`

const requestSyncSchema = `{
  "type": "object",
  "properties": {
    "cursor": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const alertRefSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`
