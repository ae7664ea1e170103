package weather_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/weather"
)

func TestNewServerDescribesForecastTool(t *testing.T) {
	srv := weather.NewServer()

	if want, got := weather.ServerName, srv.Info().Name; want != got {
		t.Fatalf("want name %q got %q", want, got)
	}
	if want, got := weather.ServerVersion, srv.Info().Version; want != got {
		t.Fatalf("want version %q got %q", want, got)
	}

	page, err := srv.ListTools(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if want, got := 1, len(page.Items); want != got {
		t.Fatalf("want %d tools got %d", want, got)
	}
	tool := page.Items[0]
	if want, got := weather.ForecastToolName, tool.Name; want != got {
		t.Fatalf("want tool %q got %q", want, got)
	}
	if want, got := "Get weather forecast for a location", tool.Description; want != got {
		t.Fatalf("want description %q got %q", want, got)
	}
	town, ok := tool.InputSchema.Properties["town"]
	if !ok {
		t.Fatalf("town property missing from schema")
	}
	if want, got := "string", town.Type; want != got {
		t.Fatalf("want town type %q got %q", want, got)
	}
	if want, got := "Town or city name", town.Description; want != got {
		t.Fatalf("want town description %q got %q", want, got)
	}
	if want, got := []string{"town"}, tool.InputSchema.Required; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("want required %v got %v", want, got)
	}
}

func TestForecastTool(t *testing.T) {
	srv := weather.NewServer()

	call := func(t *testing.T, args string) *mcp.CallToolResult {
		t.Helper()
		res, err := srv.CallTool(context.Background(), nil, &mcp.CallToolRequestReceived{
			Name:      weather.ForecastToolName,
			Arguments: json.RawMessage(args),
		})
		if err != nil {
			t.Fatalf("CallTool: %v", err)
		}
		return res
	}

	t.Run("known town", func(t *testing.T) {
		res := call(t, `{"town":"Paris"}`)
		if res.IsError {
			t.Fatalf("unexpected error result: %+v", res)
		}
		if want, got := "The weather in Paris is sunny with a high of 25°C.", res.Content[0].Text; want != got {
			t.Fatalf("want %q got %q", want, got)
		}
	})

	t.Run("town is echoed verbatim", func(t *testing.T) {
		for _, town := range []string{"", "  ", " New York "} {
			args, _ := json.Marshal(weather.ForecastArgs{Town: town})
			res := call(t, string(args))
			if res.IsError {
				t.Fatalf("town %q: unexpected error result: %+v", town, res)
			}
			if want, got := weather.Forecast(town), res.Content[0].Text; want != got {
				t.Fatalf("want %q got %q", want, got)
			}
		}
	})

	t.Run("missing town", func(t *testing.T) {
		res := call(t, `{}`)
		if !res.IsError {
			t.Fatalf("expected error result, got %+v", res)
		}
	})

	t.Run("unknown argument", func(t *testing.T) {
		res := call(t, `{"town":"Paris","units":"F"}`)
		if !res.IsError {
			t.Fatalf("expected error result, got %+v", res)
		}
	})
}
