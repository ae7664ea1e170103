package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id in canonical string form.
//
// Inbound ids may be JSON strings or numbers. Numbers are rendered to their
// shortest decimal representation when the id is decoded so that every
// component downstream of parsing sees the same string, and every response
// carries the id back as a JSON string.
type RequestID struct {
	value string
	set   bool
}

// String returns the canonical string form of the id, or "" when unset.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	return id.value
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || !id.set
}

// MarshalJSON always emits a JSON string, or null for an absent id.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON accepts a JSON string or number and canonicalizes it.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("invalid JSON-RPC id: %w", err)
		}
		*id = RequestID{value: str, set: true}
		return nil
	}

	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", string(data))
	}
	*id = RequestID{value: canonicalNumber(num), set: true}
	return nil
}

// canonicalNumber renders integers exactly and other numbers in their
// shortest round-tripping decimal form, so 7, 7.0 and 7e0 all become "7".
func canonicalNumber(n json.Number) string {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		return strconv.FormatUint(u, 10)
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return string(n)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
