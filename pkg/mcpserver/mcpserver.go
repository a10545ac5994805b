// Package mcpserver exposes backtest runs and result retrieval as MCP tools,
// so agents can drive the service over the Model Context Protocol.
//
// Tools:
//   - run_backtest: run the engine for a set of strategies
//   - get_statistics: summary metrics of a strategy
//   - get_time_series: PnL chart columns of a strategy
//   - list_sessions: live result sessions
//
// Tool results carry JSON text content. Failures are reported as tool
// errors (IsError) rather than protocol errors.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/backtestd/pkg/api"
	"github.com/rhuss/backtestd/pkg/debug"
	"github.com/rhuss/backtestd/pkg/transport"
)

// Server holds the MCP server and the collaborators its tools call.
type Server struct {
	runner   transport.Runner
	reader   transport.ResultReader
	sessions transport.SessionManager
	server   *mcp.Server
}

// RunInput is the argument of run_backtest. Zero values select the
// configured defaults.
type RunInput struct {
	NumTicks       int      `json:"num_ticks,omitempty" jsonschema:"number of simulated ticks"`
	InitialCapital float64  `json:"initial_capital,omitempty" jsonschema:"starting capital of every strategy"`
	Strategies     []string `json:"strategies,omitempty" jsonschema:"strategy names to run"`
}

// ResultInput addresses a strategy's results. Without a session ID the
// most recent run that produced the strategy is used.
type ResultInput struct {
	Strategy  string `json:"strategy" jsonschema:"strategy name"`
	SessionID string `json:"session_id,omitempty" jsonschema:"session key returned by run_backtest"`
}

// New creates the MCP server and registers its tools. sessions may be nil,
// in which case list_sessions is not registered.
func New(runner transport.Runner, reader transport.ResultReader, sessions transport.SessionManager, version string) *Server {
	s := &Server{
		runner:   runner,
		reader:   reader,
		sessions: sessions,
		server: mcp.NewServer(
			&mcp.Implementation{Name: "backtestd", Version: version},
			nil,
		),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "run_backtest",
		Description: "Runs a backtest and returns per-strategy statistics, final PnL and the session key",
	}, s.runBacktest)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_statistics",
		Description: "Returns the summary statistics of a strategy",
	}, s.getStatistics)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_time_series",
		Description: "Returns the PnL time series of a strategy as index and pnl columns",
	}, s.getTimeSeries)

	if sessions != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "list_sessions",
			Description: "Lists live result sessions",
		}, s.listSessions)
	}

	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *Server) runBacktest(ctx context.Context, _ *mcp.CallToolRequest, in RunInput) (*mcp.CallToolResult, struct{}, error) {
	payload := &api.RunRequestPayload{Strategies: in.Strategies}
	if in.NumTicks != 0 {
		payload.NumTicks = json.Number(strconv.Itoa(in.NumTicks))
	}
	if in.InitialCapital != 0 {
		payload.InitialCapital = json.Number(strconv.FormatFloat(in.InitialCapital, 'f', -1, 64))
	}

	debug.Log("transport", "mcp run_backtest", "num_ticks", in.NumTicks, "strategies", in.Strategies)

	res := s.runner.Run(ctx, payload)
	out := textResult(res)
	out.IsError = !res.Success
	return out, struct{}{}, nil
}

func (s *Server) getStatistics(ctx context.Context, _ *mcp.CallToolRequest, in ResultInput) (*mcp.CallToolResult, struct{}, error) {
	stats, err := s.reader.Statistics(ctx, api.ResultRef{SessionID: in.SessionID, Strategy: in.Strategy})
	if err != nil {
		return errorResult(err), struct{}{}, nil
	}
	return textResult(stats), struct{}{}, nil
}

func (s *Server) getTimeSeries(ctx context.Context, _ *mcp.CallToolRequest, in ResultInput) (*mcp.CallToolResult, struct{}, error) {
	ts, err := s.reader.TimeSeries(ctx, api.ResultRef{SessionID: in.SessionID, Strategy: in.Strategy})
	if err != nil {
		return errorResult(err), struct{}{}, nil
	}
	return textResult(ts), struct{}{}, nil
}

func (s *Server) listSessions(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, struct{}, error) {
	return textResult(s.sessions.ListSessions(ctx)), struct{}{}, nil
}

// textResult renders v as indented JSON text content.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

// errorResult reports err as a tool error carrying the API error JSON.
func errorResult(err error) *mcp.CallToolResult {
	apiErr := transport.AsAPIError(err)
	data, _ := json.Marshal(api.ErrorResponse{Error: apiErr})
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: true,
	}
}
