// Package server exposes the SQL gateway, the Ivanti client and the RAG
// facade as MCP tools.
//
// Every handler turns failures into a CallToolResult with IsError set and
// returns a nil Go error, so one bad call never tears down the session.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/THM-MA/itsm-mcp/internal/httpkit"
	"github.com/THM-MA/itsm-mcp/internal/ivanti"
	"github.com/THM-MA/itsm-mcp/internal/metrics"
	"github.com/THM-MA/itsm-mcp/internal/rag"
	"github.com/THM-MA/itsm-mcp/internal/sqlgate"
)

// Name is the MCP implementation name.
const Name = "itsm-mcp-server"

// Database is the read-only SQL surface. *sqlgate.Gateway implements it.
type Database interface {
	ListTables(ctx context.Context) ([]sqlgate.TableSummary, error)
	DescribeTable(ctx context.Context, table string) ([]sqlgate.Column, error)
	QuerySelect(ctx context.Context, query string) ([]sqlgate.Record, error)
}

// Ticketing is the Ivanti surface. *ivanti.Client implements it.
type Ticketing interface {
	Login(ctx context.Context, tenant, username, password, role string) (ivanti.Credential, error)
	Logout() bool
	TicketDetail(ctx context.Context, ticketNumber int64) (json.RawMessage, error)
	UserDetail(ctx context.Context, loginID string) (json.RawMessage, error)
}

// Retrieval is the RAG surface. *rag.Service implements it.
type Retrieval interface {
	BuildIndex(ctx context.Context, documentPath, persistPath string) (rag.BuildStats, error)
	InitIndex(ctx context.Context, persistPath string) error
	Query(ctx context.Context, q string) (string, error)
}

// Deps are the collaborators behind the tools.
type Deps struct {
	Database  Database
	Ticketing Ticketing
	Retrieval Retrieval
	Metrics   *metrics.Recorder // optional
	Logger    *slog.Logger      // optional
}

// Server holds the tool set.
type Server struct {
	db      Database
	itsm    Ticketing
	rag     Retrieval
	metrics *metrics.Recorder
	logger  *slog.Logger
	tools   []tool
}

type tool struct {
	def     *mcp.Tool
	handler mcp.ToolHandler
}

// toolFunc runs one tool. A non-nil error marks the call as failed; when
// the result is nil as well the error text becomes the result.
type toolFunc func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

// New builds the tool set.
func New(d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		db:      d.Database,
		itsm:    d.Ticketing,
		rag:     d.Retrieval,
		metrics: d.Metrics,
		logger:  d.Logger,
	}
	s.registerSQLTools()
	s.registerIvantiTools()
	s.registerRAGTools()

	// metrics_get is not itself counted.
	s.tools = append(s.tools, tool{
		def: &mcp.Tool{
			Name:        "metrics_get",
			Description: "Return tool call statistics: total/success/failure counts, durations, and per-tool breakdown.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
		},
		handler: func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(s.metrics.Snapshot()), nil
		},
	})
	return s
}

func (s *Server) add(def *mcp.Tool, fn toolFunc) {
	s.tools = append(s.tools, tool{def: def, handler: s.instrument(def.Name, fn)})
}

// instrument wraps fn with a call ID, logging, metrics and panic recovery.
func (s *Server) instrument(name string, fn toolFunc) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (res *mcp.CallToolResult, _ error) {
		log := s.logger.With("tool", name, "call_id", uuid.NewString())
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}

		t0 := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("internal error in %s: %v", name, r)
				s.metrics.Record(name, time.Since(t0), err)
				log.Error("tool call panicked", "panic", r)
				res = errResult(err)
			}
		}()

		res, err := fn(ctx, args)
		dur := time.Since(t0)
		s.metrics.Record(name, dur, err)
		if err != nil {
			log.Warn("tool call failed", "duration", dur, "error", err)
			if res == nil {
				res = errResult(err)
			}
			return res, nil
		}
		log.Debug("tool call completed", "duration", dur)
		return res, nil
	}
}

// Tools lists the tool definitions in registration order.
func (s *Server) Tools() []*mcp.Tool {
	out := make([]*mcp.Tool, len(s.tools))
	for i, t := range s.tools {
		out[i] = t.def
	}
	return out
}

// MCP returns a new MCP server with every tool registered.
func (s *Server) MCP() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    Name,
		Version: httpkit.Version,
	}, nil)
	for _, t := range s.tools {
		server.AddTool(t.def, t.handler)
	}
	return server
}

// RunStdio serves MCP on stdin/stdout until ctx is done or the client
// disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.MCP().Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("run mcp stdio server: %w", err)
	}
	return nil
}

// HTTPHandler serves MCP over streamable HTTP. All sessions share one
// MCP server and so one set of collaborators.
func (s *Server) HTTPHandler() http.Handler {
	server := s.MCP()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
}

// decodeArgs unmarshals tool arguments into v. Missing arguments leave v
// untouched.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(fmt.Errorf("json marshal error: %w", err))
	}
	return textResult(string(b))
}

func errResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
