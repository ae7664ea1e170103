package mcpservice

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-session-router/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/sessions"
)

// ToolResponseWriter builds the result of one tool call. It is safe for
// concurrent use by the goroutines of a single call.
type ToolResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	// SendProgress publishes notifications/progress on the session stream
	// when the caller attached a progress token. Without one it does nothing.
	SendProgress(progress, total float64) error
}

type resultWriter struct {
	ctx     context.Context
	session sessions.Session
	token   mcp.ProgressToken

	mu      sync.Mutex
	content []mcp.ContentBlock
	isError bool
}

func newResultWriter(ctx context.Context, session sessions.Session, meta *mcp.RequestMeta) *resultWriter {
	w := &resultWriter{ctx: ctx, session: session, content: []mcp.ContentBlock{}}
	if meta != nil {
		w.token = meta.ProgressToken
	}
	return w
}

func (w *resultWriter) AppendText(text string) error {
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func (w *resultWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	w.content = append(w.content, blocks...)
	w.mu.Unlock()
	return nil
}

func (w *resultWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *resultWriter) SendProgress(progress, total float64) error {
	if w.token == nil || w.session == nil {
		return nil
	}
	if err := w.ctx.Err(); err != nil {
		return err
	}
	note, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: w.token,
		Progress:      progress,
		Total:         total,
	})
	if err != nil {
		return err
	}
	return w.session.Publish(w.ctx, note)
}

func (w *resultWriter) result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &mcp.CallToolResult{
		Content: append([]mcp.ContentBlock{}, w.content...),
		IsError: w.isError,
	}
}
