package sessions

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-session-router/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-router/mcp"
)

var (
	// ErrSessionClosed is returned by operations on a terminated session.
	ErrSessionClosed = errors.New("session closed")
	// ErrDuplicateSession is returned when registering an id that is already
	// present in a Registry. It indicates a broken id generator and callers
	// are expected to treat it as fatal.
	ErrDuplicateSession = errors.New("duplicate session id")
	// ErrHandshakeFailed wraps any failure to complete the initialize
	// handshake on a fresh session.
	ErrHandshakeFailed = errors.New("session handshake failed")
	// ErrStreamConflict is returned when a second server-to-client stream is
	// opened for a session that already has one.
	ErrStreamConflict = errors.New("session stream already open")
	// ErrProcessorPanic wraps a panic recovered while dispatching a message.
	ErrProcessorPanic = errors.New("session processor panicked")
)

// State is the lifecycle state of a session.
type State string

const (
	StateInitializing State = "initializing"
	StateOpen         State = "open"
	StateClosed       State = "closed"
)

// Session is the view of a session exposed to application code.
type Session interface {
	// SessionID returns the id assigned on a successful handshake, or "" while
	// the handshake is still in progress.
	SessionID() string
	// ProtocolVersion returns the negotiated protocol version.
	ProtocolVersion() string
	// ClientInfo returns the client implementation info sent on initialize.
	ClientInfo() mcp.ImplementationInfo
	// Publish queues a server-to-client message on the session stream.
	Publish(ctx context.Context, msg *jsonrpc.AnyMessage) error
}

// Processor is the per-session application binding. A Handle forwards
// protocol messages to it one at a time.
type Processor interface {
	// Initialize produces the initialize result. An error aborts the
	// handshake and the session is discarded.
	Initialize(ctx context.Context, sess Session, req *mcp.InitializeRequest) (*mcp.InitializeResult, error)
	// HandleRequest produces the response for a request. Protocol level
	// failures belong in the response; a returned error means the request
	// could not be processed at all.
	HandleRequest(ctx context.Context, sess Session, req *jsonrpc.Request) (*jsonrpc.Response, error)
	// HandleNotification consumes a client notification.
	HandleNotification(ctx context.Context, sess Session, req *jsonrpc.Request) error
}

// MessageHandlerFunction receives one stream message with its event id.
type MessageHandlerFunction func(ctx context.Context, eventID string, data []byte) error

// StreamHost buffers server-to-client messages per session so that a GET
// stream can deliver them in order and resume after a dropped connection.
type StreamHost interface {
	// Publish appends data to the session stream and returns its event id.
	Publish(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// Subscribe delivers messages published after lastEventID (or only new
	// messages when lastEventID is empty) until ctx ends or fn fails.
	Subscribe(ctx context.Context, sessionID string, lastEventID string, fn MessageHandlerFunction) error
	// Cleanup drops all state for the session and stops its subscribers.
	Cleanup(ctx context.Context, sessionID string) error
}
