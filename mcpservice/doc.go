// Package mcpservice is the application side of a session: the server
// identity returned on initialize and the tools a client may list and call.
//
// Tools can be registered with an explicit schema:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	)
//	err := srv.RegisterTool("echo", "Echo a message", mcp.ToolInputSchema{
//	    Type:       "object",
//	    Properties: map[string]mcp.SchemaProperty{"message": {Type: "string"}},
//	    Required:   []string{"message"},
//	}, func(ctx context.Context, s sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
//	    return mcpservice.TextResult(string(req.Arguments)), nil
//	})
//
// or from a typed argument struct, in which case the schema is reflected and
// arguments are decoded strictly:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo"`
//	}
//	err := srv.AddTool(mcpservice.NewTool[EchoArgs]("echo",
//	    func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText(r.Args().Message)
//	    },
//	    mcpservice.WithToolDescription("Echo a message"),
//	))
//
// A ToolResponseWriter publishes notifications/progress on the calling
// session's stream when the client supplied a progress token.
package mcpservice
