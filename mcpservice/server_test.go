package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ggoodman/mcp-session-router/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/sessions"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo"`
	Times   int    `json:"times,omitempty"`
}

func echoTool() StaticTool {
	return NewTool[echoArgs]("echo", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[echoArgs]) error {
		n := r.Args().Times
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			if err := w.AppendText(r.Args().Message); err != nil {
				return err
			}
		}
		return nil
	}, WithToolDescription("Echo a message"))
}

func TestNewToolReflectsSchema(t *testing.T) {
	tool := echoTool()
	schema := tool.Descriptor.InputSchema

	if want, got := "object", schema.Type; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	msg, ok := schema.Properties["message"]
	if !ok {
		t.Fatalf("missing message property: %+v", schema.Properties)
	}
	if want, got := "string", msg.Type; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	if want, got := "Text to echo", msg.Description; want != got {
		t.Fatalf("want %q got %q", want, got)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "message" {
		t.Fatalf("want required [message] got %v", schema.Required)
	}
	if schema.AdditionalProperties {
		t.Fatalf("strict tools must not allow additional properties")
	}
}

func TestNewToolDecodesStrictly(t *testing.T) {
	tool := echoTool()

	cases := []struct {
		name    string
		args    string
		isError bool
		text    string
	}{
		{"valid", `{"message":"hi","times":2}`, false, "hi"},
		{"unknown field", `{"message":"hi","extra":1}`, true, ""},
		{"missing required", `{"times":1}`, true, ""},
		{"wrong type", `{"message":1}`, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tool.Handler(context.Background(), nil, &mcp.CallToolRequestReceived{Name: "echo", Arguments: json.RawMessage(tc.args)})
			if err != nil {
				t.Fatalf("handler: %v", err)
			}
			if res.IsError != tc.isError {
				t.Fatalf("want isError=%v got %+v", tc.isError, res)
			}
			if !tc.isError && res.Content[0].Text != tc.text {
				t.Fatalf("want %q got %q", tc.text, res.Content[0].Text)
			}
		})
	}
}

func TestRegisterToolRejectsDuplicates(t *testing.T) {
	srv := NewServer()
	fn := func(ctx context.Context, s sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	}
	if err := srv.RegisterTool("a", "first", mcp.ToolInputSchema{}, fn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := srv.RegisterTool("a", "second", mcp.ToolInputSchema{}, fn); !errors.Is(err, ErrToolExists) {
		t.Fatalf("want ErrToolExists got %v", err)
	}
	if err := srv.RegisterTool("", "nameless", mcp.ToolInputSchema{}, fn); err == nil {
		t.Fatalf("expected error for empty name")
	}

	tools := srv.Tools().Snapshot()
	if len(tools) != 1 || tools[0].Description != "first" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	if want, got := "object", tools[0].InputSchema.Type; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestCallUnknownTool(t *testing.T) {
	srv := NewServer()
	_, err := srv.CallTool(context.Background(), nil, &mcp.CallToolRequestReceived{Name: "nope"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("want ErrToolNotFound got %v", err)
	}
}

func TestListToolsPagination(t *testing.T) {
	srv := NewServer()
	fn := func(ctx context.Context, s sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	}
	for _, name := range []string{"a", "b", "c"} {
		if err := srv.RegisterTool(name, "", mcp.ToolInputSchema{}, fn); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	srv.Tools().SetPageSize(2)

	page, err := srv.ListTools(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == nil {
		t.Fatalf("want 2 items and a cursor got %d %v", len(page.Items), page.NextCursor)
	}
	page, err = srv.ListTools(context.Background(), nil, page.NextCursor)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Name != "c" || page.NextCursor != nil {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestNegotiateProtocolVersion(t *testing.T) {
	srv := NewServer()
	if want, got := "2024-11-05", srv.NegotiateProtocolVersion("2024-11-05"); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	if want, got := mcp.LatestProtocolVersion, srv.NegotiateProtocolVersion("1999-01-01"); want != got {
		t.Fatalf("want %s got %s", want, got)
	}

	pinned := NewServer(WithProtocolVersions("1999-01-01", "2025-03-26"))
	if want, got := "2025-03-26", pinned.NegotiateProtocolVersion(mcp.LatestProtocolVersion); want != got {
		t.Fatalf("want %s got %s", want, got)
	}

	bogus := NewServer(WithProtocolVersions("1999-01-01"))
	if want, got := mcp.LatestProtocolVersion, bogus.NegotiateProtocolVersion("1999-01-01"); want != got {
		t.Fatalf("unsupported versions must be ignored: want %s got %s", want, got)
	}
}

type publishingSession struct {
	published []*jsonrpc.AnyMessage
}

func (s *publishingSession) SessionID() string                  { return "s1" }
func (s *publishingSession) ProtocolVersion() string            { return mcp.LatestProtocolVersion }
func (s *publishingSession) ClientInfo() mcp.ImplementationInfo { return mcp.ImplementationInfo{} }
func (s *publishingSession) Publish(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	s.published = append(s.published, msg)
	return nil
}

func TestToolWriterPublishesProgress(t *testing.T) {
	sess := &publishingSession{}
	w := newResultWriter(context.Background(), sess, &mcp.RequestMeta{ProgressToken: "tok"})

	if err := w.SendProgress(1, 2); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := w.AppendText("done"); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.SetError(true)

	res := w.result()
	if len(res.Content) != 1 || res.Content[0].Text != "done" || !res.IsError {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(sess.published) != 1 {
		t.Fatalf("want 1 notification got %d", len(sess.published))
	}
	note := sess.published[0]
	if want, got := string(mcp.ProgressNotificationMethod), note.Method; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	var params mcp.ProgressNotificationParams
	if err := json.Unmarshal(note.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.ProgressToken != "tok" || params.Progress != 1 || params.Total != 2 {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestToolWriterWithoutTokenIsSilent(t *testing.T) {
	sess := &publishingSession{}
	w := newResultWriter(context.Background(), sess, nil)
	if err := w.SendProgress(1, 1); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(sess.published) != 0 {
		t.Fatalf("want no notifications got %d", len(sess.published))
	}
	if res := w.result(); res.Content == nil {
		t.Fatal("content must encode as an empty array, not null")
	}
}

func TestToolWriterStopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := newResultWriter(ctx, &publishingSession{}, &mcp.RequestMeta{ProgressToken: 1})
	cancel()
	if err := w.AppendText("late"); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled got %v", err)
	}
	if err := w.SendProgress(1, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled got %v", err)
	}
}
