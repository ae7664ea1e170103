// Package mcp contains protocol data types and constants shared by the
// transport and the application layer. It mirrors the wire representation
// of the Model Context Protocol while keeping the surface Go-friendly
// (exported structs with json tags, string constants for method names).
//
// The package is free of transport logic. The HTTP router imports it for
// IsInitializeRequest, which decides whether a message without a session id
// may open a new session; the engine uses the same ParseInitializeParams
// validation so detection and handshake agree on what an initialize request
// looks like.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Compatibility
//
// SupportedProtocolVersions lists the revisions the server accepts. During
// initialize the server echoes the client's requested version when it is
// supported and answers with LatestProtocolVersion otherwise.
package mcp
