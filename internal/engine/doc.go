// Package engine implements sessions.Processor on top of an
// mcpservice.Server. One Engine is bound to each session when the session is
// created; the session handle feeds it messages one at a time.
//
// Supported requests are initialize, ping, tools/list and tools/call. Any
// other method yields a JSON-RPC "Method not found" error. Tool failures
// reach the client as error results; an unknown tool is an invalid-params
// error.
package engine
