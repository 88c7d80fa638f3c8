package brain

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// The gateway validates only the payload shapes it consumes itself: the
// agent.run dispatch payload (scheduler-relevant fields plus the env block)
// and the workspace acknowledgement an executor attaches to a tool result.
// Everything else inside a payload is opaque and passes through unchanged.

type schemaRegistry struct {
	once         sync.Once
	initErr      error
	agentRun     *jsonschema.Schema
	workspaceAck *jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		agentRun, err := jsonschema.CompileString("agent_run_payload", agentRunPayloadSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.agentRun = agentRun

		ack, err := jsonschema.CompileString("workspace_ack", workspaceAckSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.workspaceAck = ack
	})
	return schemas.initErr
}

// DecodeAgentRunPayload validates and decodes the payload of an agent.run
// dispatch. Validation errors describe the violated constraint so workflow
// authors can fix the node without reading gateway code.
func DecodeAgentRunPayload(raw json.RawMessage) (*v1.AgentRunPayload, error) {
	if err := initSchemas(); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("payload is required")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schemas.agentRun.Validate(doc); err != nil {
		return nil, err
	}

	var payload v1.AgentRunPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ValidateWorkspaceAck checks the workspace commit acknowledgement from an
// executor reply before the brain attempts the version commit.
func ValidateWorkspaceAck(ack *v1.WorkspaceResult) error {
	if err := initSchemas(); err != nil {
		return err
	}
	raw, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schemas.workspaceAck.Validate(doc)
}

const agentRunPayloadSchema = `{
  "type": "object",
  "required": ["nodeId", "node", "runId", "workflowId", "env"],
  "properties": {
    "nodeId": { "type": "string", "minLength": 1 },
    "node": { "type": "object" },
    "runId": { "type": "string", "minLength": 1 },
    "workflowId": { "type": "string", "minLength": 1 },
    "attemptCount": { "type": "integer", "minimum": 0 },
    "engineId": { "type": "string" },
    "engineSecretId": { "type": "string" },
    "env": {
      "type": "object",
      "required": ["githubApiBaseUrl"],
      "properties": {
        "githubApiBaseUrl": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": true
    },
    "secretRefs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["secretId"],
        "properties": {
          "connectorId": { "type": "string" },
          "secretId": { "type": "string", "minLength": 1 },
          "envKey": { "type": "string" }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`

const workspaceAckSchema = `{
  "type": "object",
  "required": ["workspaceId", "version"],
  "properties": {
    "workspaceId": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "objectKey": { "type": "string" },
    "etag": { "type": "string" }
  },
  "additionalProperties": true
}`
