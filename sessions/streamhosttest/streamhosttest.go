// Package streamhosttest is a conformance suite shared by the
// sessions.StreamHost implementations.
package streamhosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-router/sessions"
)

// HostFactory creates a new StreamHost instance for testing.
type HostFactory func(t *testing.T) sessions.StreamHost

// RunStreamHostTests runs the complete StreamHost test suite against the provided factory.
func RunStreamHostTests(t *testing.T, factory HostFactory) {
	t.Run("PublishAndSubscribeNewOnly", func(t *testing.T) { testPublishAndSubscribeNewOnly(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("OrderedDelivery", func(t *testing.T) { testOrderedDelivery(t, factory) })
	t.Run("IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("CleanupStopsSubscribers", func(t *testing.T) { testCleanupStopsSubscribers(t, factory) })
	t.Run("CleanupIsFinal", func(t *testing.T) { testCleanupIsFinal(t, factory) })
}

type collector struct {
	mu   sync.Mutex
	ids  []string
	data []string
}

func (c *collector) add(id string, data []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	c.data = append(c.data, string(data))
	return len(c.data)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.data...)
}

// waitSubscribed gives a freshly started subscriber time to attach before
// the test publishes.
func waitSubscribed() { time.Sleep(100 * time.Millisecond) }

func testPublishAndSubscribeNewOnly(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := uniqueID(t, "new-only")

	if _, err := h.Publish(ctx, sessionID, []byte(`{"n":0}`)); err != nil {
		t.Fatalf("publish before subscribe: %v", err)
	}

	var got collector
	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, sessionID, "", func(ctx context.Context, eventID string, data []byte) error {
			got.add(eventID, data)
			cancel()
			return nil
		})
	}()
	waitSubscribed()

	evID, err := h.Publish(ctx, sessionID, []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}

	data := got.snapshot()
	if len(data) != 1 || data[0] != `{"n":1}` {
		t.Fatalf("want only the message published after subscribing, got %v", data)
	}
	if got.ids[0] != evID {
		t.Fatalf("want event id %s got %s", evID, got.ids[0])
	}
}

func testResumeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := uniqueID(t, "resume")

	ev1, err := h.Publish(ctx, sessionID, []byte(`1`))
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	if _, err := h.Publish(ctx, sessionID, []byte(`2`)); err != nil {
		t.Fatalf("publish 2: %v", err)
	}
	if _, err := h.Publish(ctx, sessionID, []byte(`3`)); err != nil {
		t.Fatalf("publish 3: %v", err)
	}

	var got collector
	err = h.Subscribe(ctx, sessionID, ev1, func(ctx context.Context, eventID string, data []byte) error {
		if got.add(eventID, data) == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned: %v", err)
	}
	data := got.snapshot()
	if len(data) != 2 || data[0] != "2" || data[1] != "3" {
		t.Fatalf("want [2 3] got %v", data)
	}
}

func testOrderedDelivery(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := uniqueID(t, "ordered")
	const total = 20

	var got collector
	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, sessionID, "", func(ctx context.Context, eventID string, data []byte) error {
			if got.add(eventID, data) == total {
				cancel()
			}
			return nil
		})
	}()
	waitSubscribed()

	for i := 0; i < total; i++ {
		if _, err := h.Publish(ctx, sessionID, []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe timeout")
	}
	data := got.snapshot()
	if len(data) != total {
		t.Fatalf("want %d messages got %d", total, len(data))
	}
	for i, d := range data {
		if d != fmt.Sprint(i) {
			t.Fatalf("out of order at %d: %v", i, data)
		}
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := uniqueID(t, "iso-a")
	b := uniqueID(t, "iso-b")

	var got collector
	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, a, "", func(ctx context.Context, eventID string, data []byte) error {
			got.add(eventID, data)
			cancel()
			return nil
		})
	}()
	waitSubscribed()

	if _, err := h.Publish(ctx, b, []byte(`"b"`)); err != nil {
		t.Fatalf("publish b: %v", err)
	}
	if _, err := h.Publish(ctx, a, []byte(`"a"`)); err != nil {
		t.Fatalf("publish a: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}
	data := got.snapshot()
	if len(data) != 1 || data[0] != `"a"` {
		t.Fatalf("want only session a message, got %v", data)
	}
}

func testContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, uniqueID(t, "cancel"), "", func(context.Context, string, []byte) error { return nil })
	}()
	waitSubscribed()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not stop on cancel")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := uniqueID(t, "handler-err")
	boom := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, sessionID, "", func(context.Context, string, []byte) error { return boom })
	}()
	waitSubscribed()

	if _, err := h.Publish(ctx, sessionID, []byte(`1`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("want handler error got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not stop on handler error")
	}
}

func testCleanupStopsSubscribers(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := uniqueID(t, "cleanup")
	if _, err := h.Publish(ctx, sessionID, []byte(`1`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- h.Subscribe(ctx, sessionID, "", func(context.Context, string, []byte) error { return nil })
	}()
	waitSubscribed()

	if err := h.Cleanup(ctx, sessionID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not stop after cleanup")
	}
}

func uniqueID(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func testCleanupIsFinal(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := uniqueID(t, "final")
	if _, err := h.Publish(ctx, sessionID, []byte(`1`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.Cleanup(ctx, sessionID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := h.Publish(ctx, sessionID, []byte(`2`)); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed publishing after cleanup got %v", err)
	}

	var delivered int
	err := h.Subscribe(ctx, sessionID, "", func(context.Context, string, []byte) error {
		delivered++
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe after cleanup: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("want nothing delivered after cleanup got %d", delivered)
	}
}
