package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-router/internal/engine"
	"github.com/ggoodman/mcp-session-router/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-router/internal/logctx"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/mcpservice"
	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/ggoodman/mcp-session-router/sessions/memoryhost"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	// maxBodyBytes bounds a single POSTed message.
	maxBodyBytes = 4 << 20

	defaultPath      = "/mcp"
	defaultKeepAlive = 25 * time.Second

	msgNoValidSession     = "Bad Request: No valid session ID provided"
	msgHandshakeFail      = "Internal server error during connection"
	msgDispatchFail       = "Internal server error while handling request"
	msgInvalidSession     = "Invalid or missing session ID"
	msgSessionRequestFail = "Internal server error while handling session request"
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger      *slog.Logger
	registry    *sessions.Registry
	host        sessions.StreamHost
	path        string
	allowOrigin string
	keepAlive   time.Duration
	newID       func() string
}

// WithLogger sets the slog logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRegistry supplies the session registry. The handler creates its own
// when none is given.
func WithRegistry(r *sessions.Registry) Option {
	return func(c *newConfig) { c.registry = r }
}

// WithStreamHost sets the buffer for server-to-client messages. Defaults to
// an in-process memoryhost.Host.
func WithStreamHost(host sessions.StreamHost) Option {
	return func(c *newConfig) { c.host = host }
}

// WithPath sets the MCP endpoint path. Defaults to /mcp.
func WithPath(path string) Option {
	return func(c *newConfig) { c.path = path }
}

// WithAllowOrigin sets the Access-Control-Allow-Origin value. Defaults to "*".
func WithAllowOrigin(origin string) Option {
	return func(c *newConfig) { c.allowOrigin = strings.TrimSpace(origin) }
}

// WithKeepAlive sets the interval between SSE keep-alive comments. Zero or
// negative disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithIDGenerator overrides how session ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(c *newConfig) { c.newID = fn }
}

// Handler routes MCP streaming HTTP requests to sessions. It owns the
// decision to reuse, create or reject a session for each request.
type Handler struct {
	log         *slog.Logger
	registry    *sessions.Registry
	host        sessions.StreamHost
	newServer   func() *mcpservice.Server
	newID       func() string
	path        string
	allowOrigin string
	keepAlive   time.Duration

	mux *http.ServeMux
}

// New constructs a Handler. newServer is called once per initialized
// session to build the application bound to it.
func New(newServer func() *mcpservice.Server, opts ...Option) *Handler {
	cfg := &newConfig{
		logger:      slog.New(slog.DiscardHandler),
		path:        defaultPath,
		allowOrigin: "*",
		keepAlive:   defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = sessions.NewRegistry()
	}
	if cfg.host == nil {
		cfg.host = memoryhost.New()
	}
	if cfg.path == "" || cfg.path[0] != '/' {
		cfg.path = "/" + cfg.path
	}
	if cfg.allowOrigin == "" {
		cfg.allowOrigin = "*"
	}

	h := &Handler{
		log:         slog.New(logctx.NewHandler(cfg.logger.Handler())),
		registry:    cfg.registry,
		host:        cfg.host,
		newServer:   newServer,
		newID:       cfg.newID,
		path:        cfg.path,
		allowOrigin: cfg.allowOrigin,
		keepAlive:   cfg.keepAlive,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", h.path), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.path), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.path), h.handleDeleteMCP)
	mux.HandleFunc("GET /health", h.handleGetHealth)
	h.mux = mux

	return h
}

// Registry returns the registry holding this handler's open sessions.
func (h *Handler) Registry() *sessions.Registry { return h.registry }

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", h.allowOrigin)
	w.Header().Set("Access-Control-Expose-Headers", mcpSessionIDHeader+", "+mcpProtocolVersionHeader)
	if h.allowOrigin != "*" {
		w.Header().Set("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		h.handleOptions(w, r)
		return
	}

	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequest(r.Context(), logctx.Request{
		ID:         uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePostMCP handles the POST /mcp endpoint. The message is forwarded to
// the session named by the session header, or to a fresh session when it
// is an initialize request without one.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		writeRPCError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.ErrorCodeServerError, "Unsupported Media Type: Content-Type must be application/json", nil)
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	replyJSON := acceptable(r, jsonMediaTypes)
	if !replyJSON && !acceptable(r, eventStreamMediaTypes) {
		writeRPCError(w, http.StatusNotAcceptable, nil, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept application/json or text/event-stream", nil)
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, nil, jsonrpc.ErrorCodeServerError, "Request Entity Too Large", nil)
		} else {
			writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "Parse error", nil)
		}
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "Parse error", nil)
		h.log.WarnContext(ctx, "json.decode.fail")
		return
	}
	if raw[0] == '[' {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: batch messages are not supported", nil)
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", map[string]any{"error": err.Error()})
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPC(ctx, logctx.RPC{
		Kind:   msg.Kind(),
		Method: msg.Method,
		ID:     msg.ID.String(),
	})

	sessID := sessionIDFromHeader(r.Header)

	var handle *sessions.Handle
	fresh := false
	switch {
	case sessID != "":
		hd, ok := h.registry.Lookup(sessID)
		if !ok {
			writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, msgNoValidSession, nil)
			h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
			return
		}
		handle = hd
		h.log.InfoContext(ctx, "session.load.ok")
	case mcp.IsInitializeRequest(raw):
		handle = h.newHandle()
		fresh = true
	default:
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, msgNoValidSession, nil)
		h.log.InfoContext(ctx, "session.id.missing")
		return
	}

	res, err := handle.Dispatch(ctx, &msg)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrDuplicateSession):
			h.log.ErrorContext(ctx, "session.register.collision", slog.String("err", err.Error()))
			panic(fmt.Errorf("streaminghttp: %w", err))
		case errors.Is(err, sessions.ErrHandshakeFailed):
			writeRPCError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeServerError, msgHandshakeFail, map[string]any{"error": err.Error()})
			h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		case errors.Is(err, sessions.ErrSessionClosed):
			writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, msgNoValidSession, nil)
			h.log.InfoContext(ctx, "session.load.closed")
		case ctx.Err() != nil:
			h.log.InfoContext(ctx, "rpc.inbound.abandoned", slog.String("err", err.Error()))
		default:
			writeRPCError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeServerError, msgDispatchFail, map[string]any{"error": err.Error()})
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		}
		return
	}

	ctx = logctx.WithSession(ctx, sessionData(handle))
	if fresh {
		w.Header().Set(mcpSessionIDHeader, handle.SessionID())
		h.log.InfoContext(ctx, "session.initialize.ok")
	}
	if pv := handle.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}

	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	b, err := json.Marshal(res)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeServerError, msgDispatchFail, map[string]any{"error": err.Error()})
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}

	if replyJSON {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(append(b, '\n')); err != nil {
			h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeServerError, msgDispatchFail, map[string]any{"error": err.Error()})
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	if err := sendEvent(sess, "", b); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP handles the GET /mcp endpoint, which streams server-to-client
// messages of an established session.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	handle, ok := h.lookup(r)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, msgInvalidSession, nil)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSession(ctx, sessionData(handle))

	if !acceptable(r, eventStreamMediaTypes) {
		writeRPCError(w, http.StatusNotAcceptable, nil, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept text/event-stream", nil)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeServerError, msgSessionRequestFail, map[string]any{"error": err.Error()})
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	ls := &lockedSession{sess: sess}

	if pv := handle.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	var wg sync.WaitGroup
	kaCtx, stopKeepAlive := context.WithCancel(ctx)
	defer func() {
		stopKeepAlive()
		wg.Wait()
	}()

	opened := false
	err = handle.Stream(ctx, r.Header.Get(lastEventIDHeader), func(cbCtx context.Context, eventID string, data []byte) error {
		if err := ls.send(eventID, data); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", eventID))
		return nil
	}, sessions.OnStreamOpen(func() {
		opened = true
		if err := ls.flush(); err != nil {
			h.log.WarnContext(ctx, "sse.flush.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "sse.stream.start")
		if h.keepAlive > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.runKeepAlive(kaCtx, ls)
			}()
		}
	}))

	switch {
	case errors.Is(err, sessions.ErrStreamConflict):
		writeRPCError(w, http.StatusConflict, nil, jsonrpc.ErrorCodeServerError, "Conflict: Only one SSE stream is allowed per session", nil)
		h.log.WarnContext(ctx, "sse.stream.conflict")
		return
	case !opened && errors.Is(err, sessions.ErrSessionClosed):
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, msgInvalidSession, nil)
		h.log.InfoContext(ctx, "session.load.closed")
		return
	case err != nil && !errors.Is(err, context.Canceled):
		if !opened {
			writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeServerError, msgSessionRequestFail, map[string]any{"error": err.Error()})
		}
		h.log.ErrorContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP handles the DELETE /mcp endpoint, which terminates an
// existing session through its single teardown path.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	handle, ok := h.lookup(r)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, msgInvalidSession, nil)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSession(ctx, sessionData(handle))

	if err := handle.Terminate(ctx); err != nil {
		if errors.Is(err, sessions.ErrSessionClosed) {
			writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, msgInvalidSession, nil)
			h.log.InfoContext(ctx, "session.load.closed")
			return
		}
		h.log.WarnContext(ctx, "session.delete.abandoned", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusOK)
	h.log.InfoContext(ctx, "session.delete.ok", slog.Duration("dur", time.Since(start)))
}

type healthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	Transports int    `json:"transports"`
}

// handleGetHealth reports liveness and the number of open sessions.
func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:     "ok",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Transports: h.registry.Len(),
	}); err != nil {
		h.log.ErrorContext(r.Context(), "health.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
		"Content-Type", "Accept", mcpSessionIDHeader, mcpProtocolVersionHeader, lastEventIDHeader,
	}, ", "))
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// newHandle builds a session in the initializing state. It becomes
// reachable by id only once the handshake succeeds and the registry accepts
// it; closing it removes the entry again.
func (h *Handler) newHandle() *sessions.Handle {
	opts := []sessions.HandleOption{
		sessions.WithHandleLogger(h.log),
		sessions.OnSessionInitialized(func(id string, hd *sessions.Handle) error {
			return h.registry.Register(id, hd)
		}),
		sessions.OnSessionClosed(h.registry.Remove),
	}
	if h.newID != nil {
		opts = append(opts, sessions.WithIDGenerator(h.newID))
	}
	var srv *mcpservice.Server
	if h.newServer != nil {
		srv = h.newServer()
	}
	return sessions.NewHandle(engine.NewEngine(srv, engine.WithLogger(h.log)), h.host, opts...)
}

func (h *Handler) lookup(r *http.Request) (*sessions.Handle, bool) {
	id := sessionIDFromHeader(r.Header)
	if id == "" {
		return nil, false
	}
	return h.registry.Lookup(id)
}

func (h *Handler) runKeepAlive(ctx context.Context, ls *lockedSession) {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := ls.comment("keep-alive"); err != nil {
				h.log.DebugContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// sessionIDFromHeader resolves the session header regardless of how the
// client cased its name. Header.Get only finds canonical keys, which misses
// maps built by hand.
func sessionIDFromHeader(hdr http.Header) string {
	if v := strings.TrimSpace(hdr.Get(mcpSessionIDHeader)); v != "" {
		return v
	}
	for k, vs := range hdr {
		if strings.EqualFold(k, mcpSessionIDHeader) && len(vs) > 0 {
			if v := strings.TrimSpace(vs[0]); v != "" {
				return v
			}
		}
	}
	return ""
}

func sessionData(hd *sessions.Handle) logctx.Session {
	return logctx.Session{
		ID:              hd.SessionID(),
		ProtocolVersion: hd.ProtocolVersion(),
		State:           string(hd.State()),
	}
}

// acceptable reports whether the Accept header admits one of types. A
// missing Accept header admits anything.
func acceptable(r *http.Request, types []contenttype.MediaType) bool {
	_, _, err := contenttype.GetAcceptableMediaType(r, types)
	return err == nil
}

// writeRPCError writes a JSON-RPC error envelope. A nil id renders as null.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string, data any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, data))
}

// lockedSession serializes writes to an SSE session shared by the delivery
// callback and the keep-alive loop.
type lockedSession struct {
	mu   sync.Mutex
	sess *sse.Session
}

func (l *lockedSession) send(eventID string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sendEvent(l.sess, eventID, data)
}

func (l *lockedSession) comment(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := &sse.Message{}
	msg.AppendComment(text)
	if err := l.sess.Send(msg); err != nil {
		return err
	}
	return l.sess.Flush()
}

func (l *lockedSession) flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess.Flush()
}

// sendEvent writes one "message" event and flushes it. Event ids that are
// not valid SSE ids are omitted.
func sendEvent(sess *sse.Session, eventID string, data []byte) error {
	msg := &sse.Message{Type: sse.Type("message")}
	if eventID != "" {
		if id, err := sse.NewID(eventID); err == nil {
			msg.ID = id
		}
	}
	msg.AppendData(string(data))
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE event: %w", err)
	}
	return nil
}
