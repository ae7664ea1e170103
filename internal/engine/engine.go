package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-session-router/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-router/internal/logctx"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/mcpservice"
	"github.com/ggoodman/mcp-session-router/sessions"
)

var _ sessions.Processor = (*Engine)(nil)

// Engine binds one application server to one session. It turns protocol
// messages into calls on the server and server results into JSON-RPC
// responses.
type Engine struct {
	srv *mcpservice.Server
	log *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used by the engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine returns an Engine for srv.
func NewEngine(srv *mcpservice.Server, opts ...EngineOption) *Engine {
	e := &Engine{
		srv: srv,
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize negotiates the protocol version and describes the server.
func (e *Engine) Initialize(ctx context.Context, sess sessions.Session, req *mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if e.srv == nil {
		return nil, errors.New("no application bound to session")
	}
	version := e.srv.NegotiateProtocolVersion(req.ProtocolVersion)
	if version != req.ProtocolVersion {
		e.log.InfoContext(ctx, "engine.initialize.version_mismatch",
			slog.String("requested", req.ProtocolVersion),
			slog.String("negotiated", version),
		)
	}

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      e.srv.Info(),
		Instructions:    e.srv.Instructions(),
	}
	res.Capabilities.Tools = &mcp.ToolsCapability{}
	return res, nil
}

func (e *Engine) HandleRequest(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = logctx.WithRPC(ctx, logctx.RPC{Kind: jsonrpc.KindRequest, Method: req.Method, ID: req.ID.String()})

	switch req.Method {
	case string(mcp.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
	case string(mcp.ToolsListMethod):
		return e.handleToolsList(ctx, sess, req)
	case string(mcp.ToolsCallMethod):
		return e.handleToolCall(ctx, sess, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unsupported")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil), nil
}

func (e *Engine) handleToolsList(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.ListToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := e.srv.ListTools(ctx, sess, cursor)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	result := &mcp.ListToolsResult{Tools: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Duration("dur", time.Since(start)), slog.Int("tool_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleToolCall(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithTool(ctx, params.Name)

	res, err := e.srv.CallTool(ctx, sess, &params)
	switch {
	case errors.Is(err, mcpservice.ErrToolNotFound):
		e.log.InfoContext(ctx, "engine.handle_request.tool_not_found", slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("Tool %s not found", params.Name), nil), nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		e.log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
	case err != nil:
		// Tool failures are reported to the model as an error result rather
		// than a protocol error.
		e.log.WarnContext(ctx, "engine.handle_request.tool_error", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		res = mcpservice.Errorf("%s", err.Error())
	case res == nil:
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Duration("dur", time.Since(start)), slog.Bool("is_error", res.IsError))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// HandleNotification accepts client notifications. None of them change
// session state beyond what the handle already tracks.
func (e *Engine) HandleNotification(ctx context.Context, sess sessions.Session, note *jsonrpc.Request) error {
	ctx = logctx.WithRPC(ctx, logctx.RPC{Kind: jsonrpc.KindNotification, Method: note.Method})

	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		e.log.InfoContext(ctx, "engine.handle_notification.initialized")
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledParams
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return nil
		}
		// Requests on a session are serialized, so the request being
		// cancelled has already completed by the time this arrives.
		e.log.InfoContext(ctx, "engine.handle_notification.cancelled",
			slog.String("request_id", string(params.RequestID)),
			slog.String("reason", params.Reason),
		)
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
	return nil
}
