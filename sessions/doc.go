// Package sessions holds the session registry and the session handle, the
// two pieces of state a streamable HTTP transport needs to route requests to
// long-lived protocol sessions.
//
// A Handle starts in StateInitializing. Its first message must be an
// initialize request; when the bound Processor accepts it the handle mints
// its id, runs the OnSessionInitialized hook (where the transport registers
// it) and moves to StateOpen. Any failure before that point closes the
// handle and leaves nothing behind.
//
//	initializing --handshake ok--> open --Close--> closed
//	initializing --handshake fail--> closed
//
// Every operation on a handle is serialized through a one-slot semaphore.
// Waiting callers honor their context, so a client that disconnects while
// queued simply drops out. A disconnect never closes the session.
//
// Close is the only teardown path. It ends any open stream, asks the
// StreamHost to drop buffered messages and fires OnSessionClosed exactly
// once, which is how the Registry entry goes away.
//
// # Stream hosts
//
// Server-to-client messages (progress notifications and the like) are
// buffered by a StreamHost so that a GET stream can replay them after a
// reconnect using Last-Event-ID.
//
//	memoryhost : in-process buffer, the default
//	redishost  : Redis Streams, for buffers that survive process restarts
package sessions
