package mcp

import (
	"encoding/json"
	"testing"
)

const validInit = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`

func TestIsInitializeRequest(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"valid numeric id", validInit, true},
		{"valid string id", `{"jsonrpc":"2.0","id":"a","method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{"roots":{"listChanged":true}},"clientInfo":{"name":"c","version":"1"}}}`, true},
		{"notification", `{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`, false},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`, false},
		{"wrong method", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, false},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`, false},
		{"missing params", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, false},
		{"missing clientInfo", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{}}}`, false},
		{"clientInfo without version", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c"}}}`, false},
		{"numeric protocolVersion", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1,"capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`, false},
		{"capabilities not object", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":[],"clientInfo":{"name":"c","version":"1"}}}`, false},
		{"batch", `[` + validInit + `]`, false},
		{"garbage", `not json`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsInitializeRequest(json.RawMessage(tc.raw)); got != tc.want {
				t.Fatalf("want %v got %v", tc.want, got)
			}
		})
	}
}

func TestIsSupportedProtocolVersion(t *testing.T) {
	if !IsSupportedProtocolVersion(LatestProtocolVersion) {
		t.Fatalf("latest version should be supported")
	}
	if IsSupportedProtocolVersion("1999-01-01") {
		t.Fatalf("unexpected support for unknown version")
	}
}
