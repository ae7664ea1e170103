package mcpservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/sessions"
)

var (
	// ErrToolExists is returned when registering a tool name twice.
	ErrToolExists = errors.New("tool already registered")
	// ErrToolNotFound is returned when calling a tool that is not registered.
	ErrToolNotFound = errors.New("tool not found")
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is an application bound to one or more sessions: its identity,
// optional instructions and the tools it exposes.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	versions     []string

	tools *ToolsContainer
}

// NewServer builds a Server using functional options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		versions: mcp.SupportedProtocolVersions,
		tools:    NewToolsContainer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets the server info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithProtocolVersions restricts the protocol versions the server accepts,
// newest first. The first entry is offered when a client asks for a version
// outside the list. Versions this module does not implement are dropped; if
// none remain the default list is kept.
func WithProtocolVersions(versions ...string) ServerOption {
	return func(s *Server) {
		var keep []string
		for _, v := range versions {
			if mcp.IsSupportedProtocolVersion(v) {
				keep = append(keep, v)
			}
		}
		if len(keep) > 0 {
			s.versions = keep
		}
	}
}

// WithTools registers tools at construction time. Duplicate names panic.
func WithTools(defs ...StaticTool) ServerOption {
	return func(s *Server) {
		for _, d := range defs {
			if err := s.AddTool(d); err != nil {
				panic(err)
			}
		}
	}
}

// Info returns the server implementation info.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Instructions returns the configured instructions, possibly empty.
func (s *Server) Instructions() string { return s.instructions }

// NegotiateProtocolVersion returns requested when the server supports it and
// the server's preferred version otherwise.
func (s *Server) NegotiateProtocolVersion(requested string) string {
	for _, v := range s.versions {
		if v == requested {
			return v
		}
	}
	return s.versions[0]
}

// RegisterTool binds a tool name to a handler using an explicit input schema.
func (s *Server) RegisterTool(name, description string, schema mcp.ToolInputSchema, fn ToolHandler) error {
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if fn == nil {
		return fmt.Errorf("register tool %q: nil handler", name)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return s.AddTool(StaticTool{
		Descriptor: mcp.Tool{Name: name, Description: description, InputSchema: schema},
		Handler:    fn,
	})
}

// AddTool registers a prebuilt tool, such as one produced by NewTool.
func (s *Server) AddTool(def StaticTool) error {
	if !s.tools.Add(context.Background(), def) {
		return fmt.Errorf("%w: %s", ErrToolExists, def.Descriptor.Name)
	}
	return nil
}

// Tools exposes the underlying tool set.
func (s *Server) Tools() *ToolsContainer { return s.tools }

// ListTools returns one page of tool descriptors.
func (s *Server) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	return s.tools.ListTools(ctx, session, cursor)
}

// CallTool invokes a registered tool. Unknown tools yield ErrToolNotFound.
func (s *Server) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	return s.tools.Call(ctx, session, req)
}
