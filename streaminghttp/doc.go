// Package streaminghttp implements the MCP streaming HTTP transport as a
// session router. It mounts as a standard net/http handler, keeps a
// sessions.Registry of open sessions and decides for every request whether
// to reuse a session, create one or reject the request.
//
// Routes
//   - POST /mcp: forwards one JSON-RPC message. Without an Mcp-Session-Id
//     header only an initialize request is accepted; it creates a session
//     whose id is returned in the Mcp-Session-Id response header.
//   - GET /mcp: streams server-to-client messages of a session as
//     Server-Sent Events, resuming after Last-Event-ID.
//   - DELETE /mcp: terminates a session.
//   - GET /health: reports liveness and the number of open sessions.
//
// Construction
//
//	h := streaminghttp.New(
//	    weather.NewServer, // builds the application bound to each new session
//	    streaminghttp.WithLogger(logger),
//	)
//	http.ListenAndServe(":3000", h)
//
// # Session Context Lifetimes
//
// A session lives independently of the requests that touch it. A client
// disconnecting mid-request abandons that request only; sessions close on
// DELETE, idle expiry or server shutdown.
//
// # Error Handling
//
// Every rejection is rendered as a JSON-RPC error envelope. Failures that
// happen before a message id is known carry a null id. A session id
// collision is not a client error: the handler panics and net/http aborts
// the connection.
package streaminghttp
