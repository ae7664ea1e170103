package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only JSON-RPC version accepted on the wire.
const ProtocolVersion = "2.0"

// ErrMalformedMessage reports a JSON object that is not a valid JSON-RPC 2.0
// request, notification or response.
var ErrMalformedMessage = errors.New("malformed JSON-RPC message")

// Kind classifies a decoded message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
	KindResponse     Kind = "response"
)

// AnyMessage is one inbound message of any kind. Decoding validates its
// shape, so a successfully decoded AnyMessage always has exactly one Kind.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request is a request, or a notification when ID is nil.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response always renders its id; a nil ID goes out as null.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// Error is the error member of a Response.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encode result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

// NewNotification encodes params and returns a notification for method.
func NewNotification(method string, params any) (*AnyMessage, error) {
	msg := &AnyMessage{JSONRPCVersion: ProtocolVersion, Method: method}
	if params == nil {
		return msg, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encode %s params: %w", method, err)
	}
	msg.Params = b
	return msg, nil
}

func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	// fields has no methods, so decoding into it does not recurse.
	type fields AnyMessage
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("%w: jsonrpc must be %q, got %q", ErrMalformedMessage, ProtocolVersion, f.JSONRPCVersion)
	}
	hasResult, hasError := len(f.Result) > 0, f.Error != nil
	switch {
	case f.Method != "" && (hasResult || hasError):
		return fmt.Errorf("%w: method %q carries a result or error", ErrMalformedMessage, f.Method)
	case f.Method == "" && hasResult == hasError:
		return fmt.Errorf("%w: a response needs exactly one of result and error", ErrMalformedMessage)
	}
	*m = AnyMessage(f)
	return nil
}

// Kind reports whether m is a request, a notification or a response.
func (m *AnyMessage) Kind() Kind {
	switch {
	case m.Method == "":
		return KindResponse
	case m.ID == nil:
		return KindNotification
	default:
		return KindRequest
	}
}

// AsRequest returns m as a Request, or nil when m is a response.
func (m *AnyMessage) AsRequest() *Request {
	if m.Kind() == KindResponse {
		return nil
	}
	return &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
}

// AsResponse returns m as a Response, or nil when m carries a method.
func (m *AnyMessage) AsResponse() *Response {
	if m.Kind() != KindResponse {
		return nil
	}
	return &Response{JSONRPCVersion: m.JSONRPCVersion, Result: m.Result, Error: m.Error, ID: m.ID}
}
