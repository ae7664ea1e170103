// Package weather is a small MCP application exposing a single forecast
// tool. It exists to give the session router something to route to.
package weather

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/mcpservice"
	"github.com/ggoodman/mcp-session-router/sessions"
)

const (
	ServerName    = "weather"
	ServerVersion = "1.0.0"

	ForecastToolName = "get_forecast"
)

// ForecastArgs is the input of the get_forecast tool.
type ForecastArgs struct {
	Town string `json:"town" jsonschema:"description=Town or city name"`
}

// NewServer returns a fresh weather application. Each session gets its own.
func NewServer() *mcpservice.Server {
	return mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: ServerName, Version: ServerVersion}),
		mcpservice.WithTools(ForecastTool()),
	)
}

// ForecastTool builds the get_forecast tool.
func ForecastTool() mcpservice.StaticTool {
	return mcpservice.NewTool[ForecastArgs](ForecastToolName, func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[ForecastArgs]) error {
		if err := w.SendProgress(0, 1); err != nil {
			return err
		}
		if err := w.AppendText(Forecast(r.Args().Town)); err != nil {
			return err
		}
		return w.SendProgress(1, 1)
	}, mcpservice.WithToolDescription("Get weather forecast for a location"))
}

// Forecast renders the canned forecast for town. The town is used exactly as
// given, blank or not.
func Forecast(town string) string {
	return fmt.Sprintf("The weather in %s is sunny with a high of 25°C.", town)
}
