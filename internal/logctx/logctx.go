// Package logctx carries log attributes on a context.Context so that every
// record emitted while serving a request names the request, the session,
// the JSON-RPC message and the tool involved.
package logctx

import (
	"context"
	"log/slog"

	"github.com/ggoodman/mcp-session-router/internal/jsonrpc"
)

// NewHandler wraps inner so that records logged with a context gain one
// group per scope attached to that context.
func NewHandler(inner slog.Handler) slog.Handler {
	if h, ok := inner.(handler); ok {
		return h
	}
	return handler{inner: inner}
}

type handler struct {
	inner slog.Handler
}

func (h handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h handler) Handle(ctx context.Context, r slog.Record) error {
	for _, s := range scopes(ctx) {
		r.AddAttrs(slog.Attr{Key: s.group, Value: s.value.LogValue()})
	}
	return h.inner.Handle(ctx, r)
}

func (h handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return handler{inner: h.inner.WithAttrs(attrs)}
}

func (h handler) WithGroup(name string) slog.Handler {
	return handler{inner: h.inner.WithGroup(name)}
}

type scopeKey struct{}

// scope is one link in a chain of attribute groups. A later scope with the
// same group shadows an earlier one.
type scope struct {
	group  string
	value  slog.LogValuer
	parent *scope
}

func attach(ctx context.Context, group string, v slog.LogValuer) context.Context {
	parent, _ := ctx.Value(scopeKey{}).(*scope)
	return context.WithValue(ctx, scopeKey{}, &scope{group: group, value: v, parent: parent})
}

// scopes returns the visible scopes of ctx, outermost first.
func scopes(ctx context.Context) []*scope {
	var out []*scope
	seen := map[string]bool{}
	for s, _ := ctx.Value(scopeKey{}).(*scope); s != nil; s = s.parent {
		if seen[s.group] {
			continue
		}
		seen[s.group] = true
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Request describes the HTTP request being served.
type Request struct {
	ID         string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

func (r Request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("method", r.Method),
		slog.String("path", r.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent),
	)
}

func WithRequest(ctx context.Context, r Request) context.Context {
	return attach(ctx, "req", r)
}

// Session describes the session a request was routed to.
type Session struct {
	ID              string
	ProtocolVersion string
	State           string
}

func (s Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.String("protocol_version", s.ProtocolVersion),
		slog.String("state", s.State),
	)
}

func WithSession(ctx context.Context, s Session) context.Context {
	return attach(ctx, "sess", s)
}

// RPC describes the JSON-RPC message being handled.
type RPC struct {
	Kind   jsonrpc.Kind
	Method string
	ID     string
}

func (m RPC) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(m.Kind))}
	if m.Method != "" {
		attrs = append(attrs, slog.String("method", m.Method))
	}
	if m.ID != "" {
		attrs = append(attrs, slog.String("id", m.ID))
	}
	return slog.GroupValue(attrs...)
}

func WithRPC(ctx context.Context, m RPC) context.Context {
	return attach(ctx, "rpc", m)
}

type tool string

func (t tool) LogValue() slog.Value {
	return slog.GroupValue(slog.String("name", string(t)))
}

// WithTool names the tool being invoked.
func WithTool(ctx context.Context, name string) context.Context {
	return attach(ctx, "tool", tool(name))
}
