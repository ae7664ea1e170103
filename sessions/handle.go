package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-router/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-router/internal/logctx"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/google/uuid"
)

var _ Session = (*Handle)(nil)

// Handle is the in-memory object for one logical session. It owns the
// handshake, serializes every operation issued against the session and
// runs the single teardown path.
type Handle struct {
	proc Processor
	host StreamHost
	log  *slog.Logger

	newID         func() string
	onInitialized func(id string, h *Handle) error
	onClose       func(id string)

	// sem admits one operation at a time.
	sem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu              sync.Mutex
	state           State
	id              string
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	lastActive      time.Time
	streaming       bool
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithIDGenerator replaces the session id generator. The default produces
// random UUIDs.
func WithIDGenerator(fn func() string) HandleOption {
	return func(h *Handle) { h.newID = fn }
}

// OnSessionInitialized registers the hook run once the handshake succeeds and
// the id has been assigned, before the session is reported open. A hook error
// aborts the handshake.
func OnSessionInitialized(fn func(id string, h *Handle) error) HandleOption {
	return func(h *Handle) { h.onInitialized = fn }
}

// OnSessionClosed registers the hook run exactly once when a session that
// completed its handshake is closed.
func OnSessionClosed(fn func(id string)) HandleOption {
	return func(h *Handle) { h.onClose = fn }
}

// WithHandleLogger sets the logger used for session lifecycle events.
func WithHandleLogger(l *slog.Logger) HandleOption {
	return func(h *Handle) { h.log = l }
}

// NewHandle creates a session in the initializing state.
func NewHandle(proc Processor, host StreamHost, opts ...HandleOption) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		proc:       proc,
		host:       host,
		log:        slog.New(slog.DiscardHandler),
		newID:      uuid.NewString,
		sem:        make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateInitializing,
		lastActive: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *Handle) ProtocolVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.protocolVersion
}

func (h *Handle) ClientInfo() mcp.ImplementationInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clientInfo
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastActive returns the time the last operation on the session finished.
func (h *Handle) LastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActive
}

// Done is closed when the session is closed.
func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Dispatch processes one inbound message. Requests yield a response;
// notifications and client responses yield a nil response.
//
// Calls are serialized per session. A caller whose ctx ends while waiting
// gives up without affecting the session. A panic in the processor is
// returned as an error wrapping ErrProcessorPanic and leaves an open
// session open; a panic during the handshake fails it.
func (h *Handle) Dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (res *jsonrpc.Response, err error) {
	if err := h.acquire(ctx); err != nil {
		return nil, err
	}
	defer h.release()

	ctx = h.logContext(ctx)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		h.log.ErrorContext(ctx, "session.dispatch.panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		res, err = nil, fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		if h.State() == StateInitializing {
			h.Close()
			err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		}
	}()

	switch h.State() {
	case StateClosed:
		return nil, ErrSessionClosed
	case StateInitializing:
		return h.handshake(ctx, msg)
	}

	switch msg.Kind() {
	case jsonrpc.KindRequest:
		req := msg.AsRequest()
		if req.Method == string(mcp.InitializeMethod) {
			h.log.WarnContext(ctx, "session.initialize.repeat")
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Server already initialized", nil), nil
		}
		return h.proc.HandleRequest(ctx, h, req)
	case jsonrpc.KindNotification:
		return nil, h.proc.HandleNotification(ctx, h, msg.AsRequest())
	default:
		reply := msg.AsResponse()
		h.log.DebugContext(ctx, "session.response.ignored",
			slog.String("id", reply.ID.String()),
			slog.Bool("error", reply.Error != nil),
		)
		return nil, nil
	}
}

func (h *Handle) handshake(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	start := time.Now()

	fail := func(err error) (*jsonrpc.Response, error) {
		h.Close()
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	if msg.Kind() != jsonrpc.KindRequest || msg.Method != string(mcp.InitializeMethod) {
		return fail(errors.New("first message must be an initialize request"))
	}
	params, err := mcp.ParseInitializeParams(msg.Params)
	if err != nil {
		return fail(err)
	}

	h.mu.Lock()
	h.clientInfo = params.ClientInfo
	h.mu.Unlock()

	result, err := h.proc.Initialize(ctx, h, params)
	if err != nil {
		return fail(err)
	}
	res, err := jsonrpc.NewResultResponse(msg.ID, result)
	if err != nil {
		return fail(err)
	}

	id := h.newID()
	h.mu.Lock()
	h.id = id
	h.protocolVersion = result.ProtocolVersion
	h.mu.Unlock()

	if h.onInitialized != nil {
		if err := h.onInitialized(id, h); err != nil {
			// The id never became ours; make sure teardown does not touch
			// whatever else may hold it.
			h.mu.Lock()
			h.id = ""
			h.mu.Unlock()
			return fail(err)
		}
	}

	h.mu.Lock()
	h.state = StateOpen
	h.mu.Unlock()

	h.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("session_id", id),
		slog.String("protocol_version", result.ProtocolVersion),
		slog.String("client", params.ClientInfo.Name),
		slog.Duration("dur", time.Since(start)),
	)
	return res, nil
}

// Publish queues a server-to-client message on the session stream.
func (h *Handle) Publish(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	h.mu.Lock()
	state, id := h.state, h.id
	h.mu.Unlock()
	if state == StateClosed || id == "" {
		return ErrSessionClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := h.host.Publish(ctx, id, data); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// StreamOption configures a single call to Stream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	onOpen func()
}

// OnStreamOpen registers fn to run once the stream has been claimed and
// before any message is delivered. It does not run when Stream fails fast.
func OnStreamOpen(fn func()) StreamOption {
	return func(c *streamConfig) { c.onOpen = fn }
}

// Stream delivers server-to-client messages to fn until ctx ends or the
// session closes. Only one stream may be open per session. Streaming does
// not occupy the dispatch slot.
func (h *Handle) Stream(ctx context.Context, lastEventID string, fn MessageHandlerFunction, opts ...StreamOption) error {
	var cfg streamConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	h.mu.Lock()
	if h.state != StateOpen {
		h.mu.Unlock()
		return ErrSessionClosed
	}
	if h.streaming {
		h.mu.Unlock()
		return ErrStreamConflict
	}
	h.streaming = true
	id := h.id
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.streaming = false
		h.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	if cfg.onOpen != nil {
		cfg.onOpen()
	}

	err := h.host.Subscribe(ctx, id, lastEventID, fn)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Terminate waits for any in-flight operation and then closes the session.
func (h *Handle) Terminate(ctx context.Context) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()
	if h.State() == StateClosed {
		return ErrSessionClosed
	}
	h.Close()
	return nil
}

// Close moves the session to closed. It is the only teardown path and is
// safe to call any number of times. Streams end, buffered messages are
// dropped, and the close hook runs once when the session had an id.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.state = StateClosed
		id := h.id
		h.mu.Unlock()

		h.cancel()

		if id == "" {
			return
		}
		ctx := h.logContext(context.Background())
		if err := h.host.Cleanup(ctx, id); err != nil {
			h.log.WarnContext(ctx, "session.cleanup.fail", slog.String("err", err.Error()))
		}
		if h.onClose != nil {
			h.onClose(id)
		}
		h.log.InfoContext(ctx, "session.closed")
	})
}

// tryAcquire takes the dispatch slot only if it is free.
func (h *Handle) tryAcquire() bool {
	select {
	case h.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *Handle) acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) release() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
	<-h.sem
}

func (h *Handle) logContext(ctx context.Context) context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return logctx.WithSession(ctx, logctx.Session{
		ID:              h.id,
		ProtocolVersion: h.protocolVersion,
		State:           string(h.state),
	})
}
