package mcp

import (
	"encoding/json"
	"fmt"
)

// IsInitializeRequest reports whether raw is a well-formed initialize
// request: a JSON-RPC 2.0 request with a string or number id, the method
// "initialize", and params that decode as an InitializeRequest with every
// required member present and correctly typed.
//
// The check is pure. Anything else, including notifications, batches and
// initialize calls with malformed params, yields false.
func IsInitializeRequest(raw json.RawMessage) bool {
	var env struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	if env.JSONRPC != "2.0" || env.Method != string(InitializeMethod) {
		return false
	}
	if !isScalarID(env.ID) {
		return false
	}
	_, err := ParseInitializeParams(env.Params)
	return err == nil
}

// ParseInitializeParams decodes and validates initialize params.
func ParseInitializeParams(params json.RawMessage) (*InitializeRequest, error) {
	var shape struct {
		ProtocolVersion *string          `json:"protocolVersion"`
		Capabilities    *json.RawMessage `json:"capabilities"`
		ClientInfo      *struct {
			Name    *string `json:"name"`
			Version *string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(params, &shape); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if shape.ProtocolVersion == nil {
		return nil, fmt.Errorf("missing protocolVersion")
	}
	if shape.Capabilities == nil || !isObject(*shape.Capabilities) {
		return nil, fmt.Errorf("capabilities must be an object")
	}
	if shape.ClientInfo == nil || shape.ClientInfo.Name == nil || shape.ClientInfo.Version == nil {
		return nil, fmt.Errorf("clientInfo requires name and version")
	}

	var req InitializeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return &req, nil
}

func isScalarID(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case '"':
		var s string
		return json.Unmarshal(raw, &s) == nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	default:
		return false
	}
}

func isObject(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
