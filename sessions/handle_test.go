package sessions_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-router/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/ggoodman/mcp-session-router/sessions/memoryhost"
)

type fakeProcessor struct {
	initErr   error
	initPanic bool

	mu       sync.Mutex
	active   int
	maxSeen  int
	requests []string
	notes    []string
	delay    time.Duration
}

func (p *fakeProcessor) Initialize(ctx context.Context, sess sessions.Session, req *mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if p.initPanic {
		panic("initialize exploded")
	}
	if p.initErr != nil {
		return nil, p.initErr
	}
	return &mcp.InitializeResult{
		ProtocolVersion: req.ProtocolVersion,
		ServerInfo:      mcp.ImplementationInfo{Name: "fake", Version: "0"},
	}, nil
}

func (p *fakeProcessor) HandleRequest(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.Method == "panic" {
		panic("handler exploded")
	}
	p.mu.Lock()
	p.active++
	if p.active > p.maxSeen {
		p.maxSeen = p.active
	}
	p.requests = append(p.requests, req.Method)
	p.mu.Unlock()

	time.Sleep(p.delay)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	if req.Method == "fail" {
		return nil, errors.New("processor failure")
	}
	return jsonrpc.NewResultResponse(req.ID, struct{}{})
}

func (p *fakeProcessor) HandleNotification(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) error {
	p.mu.Lock()
	p.notes = append(p.notes, req.Method)
	p.mu.Unlock()
	return nil
}

func mustMessage(t *testing.T, raw string) *jsonrpc.AnyMessage {
	t.Helper()
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return &msg
}

const initMsg = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`

func mustOpen(t *testing.T, proc sessions.Processor, opts ...sessions.HandleOption) *sessions.Handle {
	t.Helper()
	h := sessions.NewHandle(proc, memoryhost.New(), opts...)
	res, err := h.Dispatch(context.Background(), mustMessage(t, initMsg))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res == nil || res.Error != nil {
		t.Fatalf("initialize response: %+v", res)
	}
	return h
}

func TestHandshakeAssignsIDAndOpens(t *testing.T) {
	var initialized []string
	h := mustOpen(t, &fakeProcessor{},
		sessions.WithIDGenerator(func() string { return "sess-1" }),
		sessions.OnSessionInitialized(func(id string, _ *sessions.Handle) error {
			initialized = append(initialized, id)
			return nil
		}),
	)

	if want, got := sessions.StateOpen, h.State(); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	if want, got := "sess-1", h.SessionID(); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	if len(initialized) != 1 || initialized[0] != "sess-1" {
		t.Fatalf("hook calls: %v", initialized)
	}
	if want, got := "2025-06-18", h.ProtocolVersion(); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	if want, got := "c", h.ClientInfo().Name; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestHandshakeFailureDiscardsHandle(t *testing.T) {
	var hookCalls, closeCalls int
	h := sessions.NewHandle(&fakeProcessor{initErr: errors.New("nope")}, memoryhost.New(),
		sessions.OnSessionInitialized(func(string, *sessions.Handle) error { hookCalls++; return nil }),
		sessions.OnSessionClosed(func(string) { closeCalls++ }),
	)

	_, err := h.Dispatch(context.Background(), mustMessage(t, initMsg))
	if !errors.Is(err, sessions.ErrHandshakeFailed) {
		t.Fatalf("want ErrHandshakeFailed got %v", err)
	}
	if h.State() != sessions.StateClosed {
		t.Fatalf("want closed got %s", h.State())
	}
	if h.SessionID() != "" {
		t.Fatalf("id must not be assigned on failure, got %q", h.SessionID())
	}
	if hookCalls != 0 || closeCalls != 0 {
		t.Fatalf("hooks must not run: init=%d close=%d", hookCalls, closeCalls)
	}
}

func TestHandshakeRequiresInitialize(t *testing.T) {
	h := sessions.NewHandle(&fakeProcessor{}, memoryhost.New())
	_, err := h.Dispatch(context.Background(), mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if !errors.Is(err, sessions.ErrHandshakeFailed) {
		t.Fatalf("want ErrHandshakeFailed got %v", err)
	}
}

func TestRegistrationFailureLeavesOtherEntryAlone(t *testing.T) {
	reg := sessions.NewRegistry()
	first := mustOpen(t, &fakeProcessor{},
		sessions.WithIDGenerator(func() string { return "dup" }),
		sessions.OnSessionInitialized(reg.Register),
		sessions.OnSessionClosed(reg.Remove),
	)

	second := sessions.NewHandle(&fakeProcessor{}, memoryhost.New(),
		sessions.WithIDGenerator(func() string { return "dup" }),
		sessions.OnSessionInitialized(reg.Register),
		sessions.OnSessionClosed(reg.Remove),
	)
	_, err := second.Dispatch(context.Background(), mustMessage(t, initMsg))
	if !errors.Is(err, sessions.ErrDuplicateSession) {
		t.Fatalf("want ErrDuplicateSession got %v", err)
	}

	got, ok := reg.Lookup("dup")
	if !ok || got != first {
		t.Fatalf("original registration must survive")
	}
}

func TestRepeatInitializeRejected(t *testing.T) {
	h := mustOpen(t, &fakeProcessor{})
	res, err := h.Dispatch(context.Background(), mustMessage(t, initMsg))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("want invalid request error got %+v", res)
	}
	if want, got := "1", res.ID.String(); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestNotificationsYieldNoResponse(t *testing.T) {
	p := &fakeProcessor{}
	h := mustOpen(t, p)
	res, err := h.Dispatch(context.Background(), mustMessage(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil || res != nil {
		t.Fatalf("want nil response and error got %+v %v", res, err)
	}
	if len(p.notes) != 1 {
		t.Fatalf("want 1 notification got %d", len(p.notes))
	}
}

func TestDispatchIsSerialized(t *testing.T) {
	p := &fakeProcessor{delay: 20 * time.Millisecond}
	h := mustOpen(t, p)

	msg := mustMessage(t, `{"jsonrpc":"2.0","id":"x","method":"work"}`)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Dispatch(context.Background(), msg); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if want, got := 1, p.maxSeen; want != got {
		t.Fatalf("want max concurrency %d got %d", want, got)
	}
	if want, got := 8, len(p.requests); want != got {
		t.Fatalf("want %d requests got %d", want, got)
	}
}

func TestWaitingCallerCanGiveUp(t *testing.T) {
	p := &fakeProcessor{delay: 200 * time.Millisecond}
	h := mustOpen(t, p)

	slow := mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	go func() {
		_, _ = h.Dispatch(context.Background(), slow)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Dispatch(ctx, mustMessage(t, `{"jsonrpc":"2.0","id":2,"method":"queued"}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded got %v", err)
	}
	if h.State() != sessions.StateOpen {
		t.Fatalf("abandoned caller must not close session, state %s", h.State())
	}
}

func TestProcessorFailureKeepsSessionOpen(t *testing.T) {
	h := mustOpen(t, &fakeProcessor{})
	if _, err := h.Dispatch(context.Background(), mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"fail"}`)); err == nil {
		t.Fatalf("expected error")
	}
	if h.State() != sessions.StateOpen {
		t.Fatalf("want open got %s", h.State())
	}
	if _, err := h.Dispatch(context.Background(), mustMessage(t, `{"jsonrpc":"2.0","id":2,"method":"ok"}`)); err != nil {
		t.Fatalf("follow-up dispatch: %v", err)
	}
}

func TestProcessorPanicKeepsSessionOpen(t *testing.T) {
	var closes atomic.Int32
	h := mustOpen(t, &fakeProcessor{}, sessions.OnSessionClosed(func(string) { closes.Add(1) }))

	res, err := h.Dispatch(context.Background(), mustMessage(t, `{"jsonrpc":"2.0","id":7,"method":"panic"}`))
	if !errors.Is(err, sessions.ErrProcessorPanic) {
		t.Fatalf("want ErrProcessorPanic got %v", err)
	}
	if res != nil {
		t.Fatalf("want no response got %+v", res)
	}
	if h.State() != sessions.StateOpen || closes.Load() != 0 {
		t.Fatalf("panic must not close the session: state %s closes %d", h.State(), closes.Load())
	}

	// The semaphore was released, so the next call is not blocked.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.Dispatch(ctx, mustMessage(t, `{"jsonrpc":"2.0","id":8,"method":"ok"}`)); err != nil {
		t.Fatalf("follow-up dispatch: %v", err)
	}
}

func TestHandshakePanicFailsHandshake(t *testing.T) {
	var hookCalls int
	h := sessions.NewHandle(&fakeProcessor{initPanic: true}, memoryhost.New(),
		sessions.OnSessionInitialized(func(string, *sessions.Handle) error { hookCalls++; return nil }),
	)

	_, err := h.Dispatch(context.Background(), mustMessage(t, initMsg))
	if !errors.Is(err, sessions.ErrHandshakeFailed) || !errors.Is(err, sessions.ErrProcessorPanic) {
		t.Fatalf("want handshake failure wrapping the panic got %v", err)
	}
	if h.State() != sessions.StateClosed {
		t.Fatalf("want closed got %s", h.State())
	}
	if hookCalls != 0 || h.SessionID() != "" {
		t.Fatalf("no id may be registered: hooks %d id %q", hookCalls, h.SessionID())
	}
}

func TestCloseRunsHookOnce(t *testing.T) {
	var closes atomic.Int32
	h := mustOpen(t, &fakeProcessor{}, sessions.OnSessionClosed(func(string) { closes.Add(1) }))

	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	h.Close()
	h.Close()

	if want, got := int32(1), closes.Load(); want != got {
		t.Fatalf("want %d close hook calls got %d", want, got)
	}
	if err := h.Terminate(context.Background()); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed got %v", err)
	}
	if _, err := h.Dispatch(context.Background(), mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed got %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("done channel not closed")
	}
}

func TestStreamDeliversPublishedMessages(t *testing.T) {
	h := mustOpen(t, &fakeProcessor{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- h.Stream(ctx, "", func(ctx context.Context, eventID string, data []byte) error {
			got <- string(data)
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	if err := h.Stream(ctx, "", func(context.Context, string, []byte) error { return nil }); !errors.Is(err, sessions.ErrStreamConflict) {
		t.Fatalf("want ErrStreamConflict got %v", err)
	}

	note, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{ProgressToken: "t", Progress: 1})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	if err := h.Publish(ctx, note); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-got:
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Method != string(mcp.ProgressNotificationMethod) {
			t.Fatalf("want progress got %s", msg.Method)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for stream message")
	}

	h.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream after close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not end on close")
	}
}

func TestStreamOpenHook(t *testing.T) {
	h := mustOpen(t, &fakeProcessor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opened := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- h.Stream(ctx, "", func(context.Context, string, []byte) error { return nil },
			sessions.OnStreamOpen(func() { close(opened) }))
	}()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("open hook did not run")
	}

	called := false
	err := h.Stream(ctx, "", func(context.Context, string, []byte) error { return nil },
		sessions.OnStreamOpen(func() { called = true }))
	if !errors.Is(err, sessions.ErrStreamConflict) {
		t.Fatalf("want ErrStreamConflict got %v", err)
	}
	if called {
		t.Fatalf("open hook must not run for a rejected stream")
	}

	h.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("want nil after close got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end on close")
	}
}
