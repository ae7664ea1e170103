package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-session-router/sessions"
)

// DefaultMaxBuffered bounds the number of messages retained per session.
const DefaultMaxBuffered = 1024

// tombstoneTTL is how long a cleaned-up session id keeps refusing
// publishes and subscriptions.
const tombstoneTTL = time.Hour

// Host is an in-memory implementation of sessions.StreamHost.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*sessionData
	// cleaned maps ids passed to Cleanup to the time their tombstone lapses.
	cleaned  map[string]time.Time
	counter  atomic.Int64

	maxBuffered int
}

type sessionData struct {
	mu       sync.Mutex
	messages []message
	// notify is closed and replaced whenever a message is appended or the
	// session is cleaned up.
	notify chan struct{}
	closed bool
}

type message struct {
	id   string
	seq  int64
	data []byte
}

// Option configures a Host.
type Option func(*Host)

// WithMaxBuffered bounds the per-session replay buffer. Older messages are
// discarded once the bound is reached.
func WithMaxBuffered(n int) Option {
	return func(h *Host) { h.maxBuffered = n }
}

func New(opts ...Option) *Host {
	h := &Host{
		sessions:    make(map[string]*sessionData),
		cleaned:     make(map[string]time.Time),
		maxBuffered: DefaultMaxBuffered,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Publish(ctx context.Context, sessionID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	seq := h.counter.Add(1)
	msg := message{id: strconv.FormatInt(seq, 10), seq: seq, data: append([]byte(nil), data...)}

	sd := h.ensureSession(sessionID)
	if sd == nil {
		return "", sessions.ErrSessionClosed
	}

	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.closed {
		return "", sessions.ErrSessionClosed
	}
	sd.messages = append(sd.messages, msg)
	if h.maxBuffered > 0 && len(sd.messages) > h.maxBuffered {
		sd.messages = append(sd.messages[:0:0], sd.messages[len(sd.messages)-h.maxBuffered:]...)
	}
	close(sd.notify)
	sd.notify = make(chan struct{})

	return msg.id, nil
}

func (h *Host) Subscribe(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	sd := h.ensureSession(sessionID)
	if sd == nil {
		return nil
	}

	// cursor is the sequence number of the last delivered message.
	var cursor int64
	sd.mu.Lock()
	if lastEventID == "" {
		if n := len(sd.messages); n > 0 {
			cursor = sd.messages[n-1].seq
		}
	} else {
		seq, err := strconv.ParseInt(lastEventID, 10, 64)
		found := false
		if err == nil {
			for i := range sd.messages {
				if sd.messages[i].seq == seq {
					found = true
					break
				}
			}
		}
		if !found {
			sd.mu.Unlock()
			return fmt.Errorf("last event id %s not found", lastEventID)
		}
		cursor = seq
	}
	sd.mu.Unlock()

	for {
		sd.mu.Lock()
		if sd.closed {
			sd.mu.Unlock()
			return nil
		}
		var pending []message
		for _, m := range sd.messages {
			if m.seq > cursor {
				pending = append(pending, m)
			}
		}
		wait := sd.notify
		sd.mu.Unlock()

		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
			cursor = m.seq
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (h *Host) Cleanup(ctx context.Context, sessionID string) error {
	now := time.Now()
	h.mu.Lock()
	sd, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	for id, until := range h.cleaned {
		if now.After(until) {
			delete(h.cleaned, id)
		}
	}
	h.cleaned[sessionID] = now.Add(tombstoneTTL)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	sd.mu.Lock()
	sd.closed = true
	sd.messages = nil
	close(sd.notify)
	sd.notify = make(chan struct{})
	sd.mu.Unlock()
	return nil
}

// ensureSession returns the buffer for sessionID, creating it on first use.
// It returns nil for an id that has been cleaned up.
func (h *Host) ensureSession(sessionID string) *sessionData {
	h.mu.Lock()
	defer h.mu.Unlock()
	if until, ok := h.cleaned[sessionID]; ok && time.Now().Before(until) {
		return nil
	}
	sd, ok := h.sessions[sessionID]
	if !ok {
		sd = &sessionData{notify: make(chan struct{})}
		h.sessions[sessionID] = sd
	}
	return sd
}

// Ensure interface compliance
var _ sessions.StreamHost = (*Host)(nil)
